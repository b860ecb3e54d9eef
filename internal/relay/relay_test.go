package relay_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voxbridge/internal/health"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/relay"
	"github.com/MrWong99/voxbridge/internal/resilience"
	"github.com/MrWong99/voxbridge/pkg/memory"
	"github.com/MrWong99/voxbridge/pkg/protocol"
	"github.com/MrWong99/voxbridge/pkg/provider/s2s"
	s2smock "github.com/MrWong99/voxbridge/pkg/provider/s2s/mock"
)

type fixture struct {
	relay    *relay.Server
	srv      *httptest.Server
	primary  *s2smock.Provider
	fallback *s2smock.Provider
	health   *health.Handler
}

func newFixture(t *testing.T, cfg relay.Config, primary *s2smock.Provider) *fixture {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := &fixture{primary: primary, fallback: &s2smock.Provider{}, health: health.New()}
	group := resilience.NewFallbackGroup[s2s.Provider](primary, "primary", resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	group.AddFallback("fallback", f.fallback)

	if cfg.Session.Voice == "" {
		cfg.Session = s2s.SessionConfig{Voice: "alloy", TranscriptionModel: "whisper-1", TurnDetection: "server_vad"}
	}
	f.relay = relay.New(cfg, group,
		relay.WithMetrics(m),
		relay.WithHealth(f.health),
		relay.WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "# metrics\n")
		})),
	)
	f.srv = httptest.NewServer(f.relay.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/audio"
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func read(t *testing.T, c *websocket.Conn) (websocket.MessageType, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	typ, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return typ, data
}

func readMessage(t *testing.T, c *websocket.Conn) protocol.Message {
	t.Helper()
	typ, data := read(t, c)
	if typ != websocket.MessageText {
		t.Fatalf("got binary frame, want text")
	}
	m, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return m
}

func send(t *testing.T, c *websocket.Conn, typ websocket.MessageType, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Write(ctx, typ, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func ping(t *testing.T, c *websocket.Conn) {
	t.Helper()
	data, _ := protocol.Encode(protocol.Ping())
	send(t, c, websocket.MessageText, data)
	if m := readMessage(t, c); m.Type != protocol.TypePing {
		t.Fatalf("got %q, want ping echo", m.Type)
	}
}

// open dials the relay and consumes the connected status. The returned
// session is the upstream session bridged to the client.
func (f *fixture) open(t *testing.T) (*websocket.Conn, *s2smock.Session) {
	t.Helper()
	c := f.dial(t)
	m := readMessage(t, c)
	if m.Type != protocol.TypeStatus || m.Status != relay.StatusConnected {
		t.Fatalf("first message = %+v, want connected status", m)
	}
	sessions := f.primary.Sessions()
	if len(sessions) == 0 {
		sessions = f.fallback.Sessions()
	}
	if len(sessions) == 0 {
		t.Fatal("no upstream session created")
	}
	return c, sessions[len(sessions)-1]
}

func closeStatus(t *testing.T, c *websocket.Conn) websocket.StatusCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		_, _, err := c.Read(ctx)
		if err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

func TestAudio_SessionConfigApplied(t *testing.T) {
	t.Parallel()
	f := newFixture(t, relay.Config{}, &s2smock.Provider{})
	f.relay.SetSessionConfig(s2s.SessionConfig{Voice: "verse", Instructions: "be brief"})

	f.open(t)

	calls := f.primary.ConnectCalls()
	if len(calls) != 1 {
		t.Fatalf("connect calls = %d, want 1", len(calls))
	}
	if calls[0].Cfg.Voice != "verse" || calls[0].Cfg.Instructions != "be brief" {
		t.Errorf("session config = %+v", calls[0].Cfg)
	}
}

func TestAudio_ClientAudioForwarded(t *testing.T) {
	t.Parallel()
	f := newFixture(t, relay.Config{}, &s2smock.Provider{})
	c, sess := f.open(t)

	send(t, c, websocket.MessageBinary, []byte{0x00, 0x40, 0x00, 0xC0})

	select {
	case got := <-sess.SentCh():
		if string(got) != string([]byte{0x00, 0x40, 0x00, 0xC0}) {
			t.Errorf("forwarded %x", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("audio not forwarded upstream")
	}
}

func TestAudio_PingEchoed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, relay.Config{}, &s2smock.Provider{})
	c, _ := f.open(t)

	// Malformed control messages are ignored.
	send(t, c, websocket.MessageText, []byte("not json"))
	ping(t, c)
}

func TestAudio_UpstreamToClient(t *testing.T) {
	t.Parallel()
	f := newFixture(t, relay.Config{}, &s2smock.Provider{})
	c, sess := f.open(t)

	sess.EmitAudio([]byte{1, 2, 3, 4})
	typ, data := read(t, c)
	if typ != websocket.MessageBinary || string(data) != string([]byte{1, 2, 3, 4}) {
		t.Errorf("got %v %x, want binary 01020304", typ, data)
	}

	at := time.UnixMilli(1_700_000_000_000)
	sess.EmitTranscript(memory.TranscriptEntry{Speaker: memory.SpeakerAssistant, Text: "Hello there", Timestamp: at})
	m := readMessage(t, c)
	if m.Type != protocol.TypeTranscript || m.Text != "Hello there" || !m.Time().Equal(at) {
		t.Errorf("transcript = %+v", m)
	}
}

func TestAudio_UpstreamErrorForwarded(t *testing.T) {
	t.Parallel()
	f := newFixture(t, relay.Config{}, &s2smock.Provider{})
	c, sess := f.open(t)
	ping(t, c)

	sess.EmitError(errors.New("rate limited"))
	m := readMessage(t, c)
	if m.Type != protocol.TypeError || m.Message != "rate limited" {
		t.Errorf("got %+v, want error rate limited", m)
	}
}

func TestAudio_UpstreamConnectFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, relay.Config{}, &s2smock.Provider{ConnectErr: errors.New("dial refused")})
	f.fallback.ConnectErr = errors.New("dial refused")

	c := f.dial(t)
	m := readMessage(t, c)
	if m.Type != protocol.TypeError || m.Message != relay.ErrTextUpstreamConnect {
		t.Fatalf("got %+v, want upstream connect error", m)
	}
	if code := closeStatus(t, c); code != websocket.StatusInternalError {
		t.Errorf("close status = %v, want %v", code, websocket.StatusInternalError)
	}
}

func TestAudio_FallbackUpstream(t *testing.T) {
	t.Parallel()
	f := newFixture(t, relay.Config{}, &s2smock.Provider{ConnectErr: errors.New("model unavailable")})

	_, sess := f.open(t)
	if len(f.fallback.Sessions()) != 1 || f.fallback.Sessions()[0] != sess {
		t.Fatal("session was not opened on the fallback upstream")
	}
}

func TestAudio_UpstreamHangupClosesClient(t *testing.T) {
	t.Parallel()
	f := newFixture(t, relay.Config{}, &s2smock.Provider{})
	c, sess := f.open(t)

	sess.End()
	if code := closeStatus(t, c); code != websocket.StatusNormalClosure {
		t.Errorf("close status = %v, want normal closure", code)
	}
}

func TestAudio_UpstreamFailureReported(t *testing.T) {
	t.Parallel()
	f := newFixture(t, relay.Config{}, &s2smock.Provider{})
	c, sess := f.open(t)
	ping(t, c)

	sess.EndErr = errors.New("upstream reset")
	sess.End()

	m := readMessage(t, c)
	if m.Type != protocol.TypeError || m.Message != relay.ErrTextUpstreamFailed {
		t.Errorf("got %+v, want upstream failure error", m)
	}
	if code := closeStatus(t, c); code != websocket.StatusInternalError {
		t.Errorf("close status = %v, want internal error", code)
	}
}

func TestAudio_ClientCloseEndsUpstream(t *testing.T) {
	t.Parallel()
	f := newFixture(t, relay.Config{}, &s2smock.Provider{})
	c, sess := f.open(t)

	if got := f.relay.ActiveSessions(); got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
	c.Close(websocket.StatusNormalClosure, "bye")

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("upstream session not closed after client left")
	}
	deadline := time.Now().Add(2 * time.Second)
	for f.relay.ActiveSessions() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("active sessions = %d after close", f.relay.ActiveSessions())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestShutdown_ClosesSessions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, relay.Config{}, &s2smock.Provider{})
	c, _ := f.open(t)

	// The client has to keep reading for the close handshake to complete.
	status := make(chan websocket.StatusCode, 1)
	go func() { status <- closeStatus(t, c) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.relay.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if code := <-status; code != websocket.StatusGoingAway {
		t.Errorf("close status = %v, want going away", code)
	}
	if got := f.relay.ActiveSessions(); got != 0 {
		t.Errorf("ActiveSessions() = %d after Shutdown, want 0", got)
	}
}

func TestHealthz_ReportsSessions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, relay.Config{}, &s2smock.Provider{})
	f.open(t)

	resp, err := http.Get(f.srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"sessions":1`) {
		t.Errorf("healthz = %d %s", resp.StatusCode, body)
	}
}

func TestReadyz_UpstreamBreaker(t *testing.T) {
	t.Parallel()
	f := newFixture(t, relay.Config{}, &s2smock.Provider{ConnectErr: errors.New("down")})
	f.fallback.ConnectErr = errors.New("down")

	get := func() int {
		resp, err := http.Get(f.srv.URL + "/readyz")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if code := get(); code != http.StatusOK {
		t.Fatalf("readyz = %d before failures, want 200", code)
	}

	// One failed session trips both breakers (MaxFailures 1).
	c := f.dial(t)
	readMessage(t, c)
	closeStatus(t, c)

	if code := get(); code != http.StatusServiceUnavailable {
		t.Errorf("readyz = %d with all breakers open, want 503", code)
	}
}
