package app_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxbridge/internal/app"
	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/session"
	"github.com/MrWong99/voxbridge/internal/transport"
	trmock "github.com/MrWong99/voxbridge/internal/transport/mock"
	audiomock "github.com/MrWong99/voxbridge/pkg/audio/mock"
	memorymock "github.com/MrWong99/voxbridge/pkg/memory/mock"
)

// testConfig returns a config whose chunker emits one frame per loud 4-sample
// block and which lingers only briefly after the input ends.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse(strings.NewReader(""), map[string]string{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cfg.Audio.SampleRate = 1000
	cfg.Audio.MinBuffer = 4 * time.Millisecond
	cfg.Audio.Linger = 20 * time.Millisecond
	cfg.History.FlushInterval = time.Hour
	return cfg
}

type fixture struct {
	capture *audiomock.CaptureDevice
	output  *audiomock.OutputDevice
	dialer  *trmock.Dialer
	history *memorymock.Store
	app     *app.App
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	f := &fixture{
		capture: &audiomock.CaptureDevice{},
		output:  &audiomock.OutputDevice{},
		dialer:  &trmock.Dialer{},
		history: &memorymock.Store{},
	}
	a, err := app.New(context.Background(), cfg,
		app.WithCapture(f.capture),
		app.WithOutput(f.output),
		app.WithDialer(f.dialer),
		app.WithHistory(f.history),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	f.app = a
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return f
}

// run starts Run in the background and returns the dialed connection and a
// channel carrying Run's result.
func (f *fixture) run(t *testing.T, ctx context.Context) (*trmock.Conn, <-chan error) {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- f.app.Run(ctx) }()
	select {
	case c := <-f.dialer.Dialed():
		return c, errc
	case <-time.After(2 * time.Second):
		t.Fatal("no connection dialed")
		return nil, nil
	}
}

func waitRun(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRun_InputEndsConversation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(t))
	f.capture.Blocks = [][]float32{{0.5, -0.5, 0.5, -0.5}, {0.5, -0.5, 0.5, -0.5}}

	conn, errc := f.run(t, context.Background())
	waitFor(t, "audio frames", func() bool {
		return len(conn.WrittenKind(transport.MessageBinary)) == 2
	})

	conn.Deliver(transport.MessageText, []byte(`{"type":"transcript","text":"Hi there","timestamp":1700000000000}`))
	waitFor(t, "transcript", func() bool { return len(f.app.Controller().Transcripts()) == 1 })

	f.capture.End()
	if err := waitRun(t, errc); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if !conn.Closed() {
		t.Error("relay connection not closed after Run")
	}
	entries := f.history.Entries()
	if len(entries) != 1 || entries[0].Text != "Hi there" {
		t.Errorf("history entries = %+v, want the one transcript", entries)
	}
}

func TestRun_WaitsForPlayback(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Audio.Linger = 100 * time.Millisecond
	f := newFixture(t, cfg)
	f.output.PlayDelay = 150 * time.Millisecond

	conn, errc := f.run(t, context.Background())
	conn.Deliver(transport.MessageBinary, []byte{0x00, 0x40, 0x00, 0xC0})
	waitFor(t, "playback", func() bool { return len(f.output.Played()) == 1 })

	f.capture.End()
	if err := waitRun(t, errc); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if got := f.output.Cancelled(); got != 0 {
		t.Errorf("cancelled plays = %d, want 0", got)
	}
}

func TestRun_RemoteHangupReconnects(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Transport.ReconnectBackoff = time.Millisecond
	f := newFixture(t, cfg)

	conn, errc := f.run(t, context.Background())
	conn.Hangup()

	second := <-f.dialer.Dialed()
	waitFor(t, "reconnected", func() bool {
		return f.app.Controller().Status() == session.StatusReconnected
	})
	f.capture.End()
	if err := waitRun(t, errc); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if !second.Closed() {
		t.Error("reconnected link not closed after Run")
	}
}

func TestRun_ConnectionLost(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Transport.ReconnectBackoff = time.Millisecond
	cfg.Transport.MaxReconnectAttempts = 2
	f := newFixture(t, cfg)
	f.dialer.DialFunc = func(_ context.Context, n int) (*trmock.Conn, error) {
		if n > 1 {
			return nil, errors.New("relay restarting")
		}
		return trmock.NewConn(), nil
	}

	conn, errc := f.run(t, context.Background())
	conn.Hangup()

	err := waitRun(t, errc)
	if !errors.Is(err, session.ErrConnectionLost) {
		t.Fatalf("Run() = %v, want ErrConnectionLost", err)
	}
	waitFor(t, "capture stopped", func() bool { return !f.capture.Running() })
}

func TestRun_ContextCancelled(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	conn, errc := f.run(t, ctx)
	cancel()

	err := waitRun(t, errc)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v, want context.Canceled", err)
	}
	if !conn.Closed() {
		t.Error("relay connection not closed after cancel")
	}
}

func TestRun_StartFailure(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	dialErr := errors.New("connection refused")
	a, err := app.New(context.Background(), cfg,
		app.WithCapture(&audiomock.CaptureDevice{}),
		app.WithOutput(&audiomock.OutputDevice{}),
		app.WithDialer(&trmock.Dialer{
			DialFunc: func(context.Context, int) (*trmock.Conn, error) { return nil, dialErr },
		}),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	if err := a.Run(context.Background()); err == nil {
		t.Fatal("Run() = nil, want start error")
	}
}

func TestNew_RequiresInputAndOutput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts []app.Option
	}{
		{name: "no input", opts: []app.Option{app.WithOutput(&audiomock.OutputDevice{})}},
		{name: "no output", opts: []app.Option{app.WithCapture(&audiomock.CaptureDevice{})}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := app.New(context.Background(), testConfig(t), tt.opts...); err == nil {
				t.Error("New() = nil error, want error")
			}
		})
	}
}

func TestNew_UnknownHistoryDriverClosesOutput(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.History.Driver = "redis"
	out := &audiomock.OutputDevice{}

	_, err := app.New(context.Background(), cfg,
		app.WithCapture(&audiomock.CaptureDevice{}),
		app.WithOutput(out),
		app.WithDialer(&trmock.Dialer{}),
	)
	if err == nil {
		t.Fatal("New() = nil error, want error")
	}
	if out.CallCountClose != 1 {
		t.Errorf("output Close calls = %d, want 1", out.CallCountClose)
	}
}

func TestNew_SQLiteHistory(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.History.Driver = config.HistorySQLite
	cfg.History.DSN = filepath.Join(t.TempDir(), "history.db")

	a, err := app.New(context.Background(), cfg,
		app.WithCapture(&audiomock.CaptureDevice{}),
		app.WithOutput(&audiomock.OutputDevice{}),
		app.WithDialer(&trmock.Dialer{}),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() = %v", err)
	}
}

func TestNew_WAVFiles(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	dir := t.TempDir()

	a, err := app.New(context.Background(), cfg,
		app.WithInputFile(filepath.Join(dir, "in.wav")),
		app.WithOutputFile(filepath.Join(dir, "out.wav")),
		app.WithDialer(&trmock.Dialer{}),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() = %v", err)
	}
}

func TestShutdown_ClosesOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(t))

	for range 2 {
		if err := f.app.Shutdown(context.Background()); err != nil {
			t.Fatalf("Shutdown() = %v", err)
		}
	}
	if f.output.CallCountClose != 1 {
		t.Errorf("output Close calls = %d, want 1", f.output.CallCountClose)
	}
	if !f.history.Closed() {
		t.Error("history not closed")
	}
}

func TestShutdown_DeadlineExceeded(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.app.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Shutdown() = %v, want context.Canceled", err)
	}
	if f.output.CallCountClose != 0 {
		t.Errorf("output closed despite expired context")
	}
}
