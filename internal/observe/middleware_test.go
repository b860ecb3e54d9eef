package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// syncBuffer is a log sink shared with server goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type relayHarness struct {
	reader  *sdkmetric.ManualReader
	spans   *tracetest.InMemoryExporter
	logs    *syncBuffer
	handler http.Handler
}

// newRelayHarness wraps a mux shaped like the relay's routes in Middleware.
func newRelayHarness(t *testing.T) *relayHarness {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := &relayHarness{reader: reader, spans: useTestTracer(t), logs: &syncBuffer{}}
	log := slog.New(slog.NewTextHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/audio", func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		TagSession(r.Context(), "sess-9")
		ws.Close(websocket.StatusNormalClosure, "")
	})
	mux.HandleFunc("POST /offer", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "Failed to process SDP offer", http.StatusInternalServerError)
	})
	mux.HandleFunc("POST /api/openai", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "Endpoint Not Found", http.StatusNotFound)
	})
	h.handler = Middleware(m, log)(mux)
	return h
}

func (h *relayHarness) durationPaths(t *testing.T) []string {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "voxbridge.http.request.duration")
	if met == nil {
		return nil
	}
	var paths []string
	for _, dp := range met.Data.(metricdata.Histogram[float64]).DataPoints {
		v, _ := dp.Attributes.Value("path")
		paths = append(paths, v.AsString())
	}
	return paths
}

func spanAttr(attrs []attribute.KeyValue, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range attrs {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestMiddleware_ChatRequestContinuesTrace(t *testing.T) {
	h := newRelayHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/api/openai", strings.NewReader(`{"model":"gpt-4o"}`))
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Correlation-ID"); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("X-Correlation-ID = %q, want the caller's trace id", got)
	}
	spans := h.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "relay POST /api/openai" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	if v, _ := spanAttr(spans[0].Attributes, "http.route"); v.AsString() != "POST /api/openai" {
		t.Errorf("http.route = %q", v.AsString())
	}
	if spans[0].Status.Code == codes.Error {
		t.Error("successful chat request marked as error")
	}
	if got := h.durationPaths(t); len(got) != 1 || got[0] != "POST /api/openai" {
		t.Errorf("duration paths = %v, want [POST /api/openai]", got)
	}
}

func TestMiddleware_OfferFailureIsWarned(t *testing.T) {
	h := newRelayHarness(t)

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/offer", strings.NewReader("v=0")))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	spans := h.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("span status = %v, want error", spans[0].Status.Code)
	}
	if v, _ := spanAttr(spans[0].Attributes, "http.response.status_code"); v.AsInt64() != 500 {
		t.Errorf("http.response.status_code = %d, want 500", v.AsInt64())
	}
	logs := h.logs.String()
	for _, want := range []string{"level=WARN", "route=\"POST /offer\"", "status=500", "trace_id="} {
		if !strings.Contains(logs, want) {
			t.Errorf("access log %q lacks %s", logs, want)
		}
	}
}

func TestMiddleware_UnknownPathsShareFallbackRoute(t *testing.T) {
	h := newRelayHarness(t)

	for _, p := range []string{"/nope", "/wp-admin", "/.env"} {
		h.handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	got := h.durationPaths(t)
	if len(got) != 1 || got[0] != "/" {
		t.Errorf("duration paths = %v, want the single fallback route", got)
	}
}

func TestMiddleware_AudioUpgradeTaggedWithSession(t *testing.T) {
	h := newRelayHarness(t)
	srv := httptest.NewServer(h.handler)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/audio", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.CloseNow()
	if _, _, err := c.Read(ctx); websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("read = %v, want normal closure", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(h.spans.GetSpans()) == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	spans := h.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if v, _ := spanAttr(spans[0].Attributes, AttrSessionID); v.AsString() != "sess-9" {
		t.Errorf("%s = %q, want sess-9", AttrSessionID, v.AsString())
	}
	if v, _ := spanAttr(spans[0].Attributes, "http.response.status_code"); v.AsInt64() != http.StatusSwitchingProtocols {
		t.Errorf("http.response.status_code = %d, want 101", v.AsInt64())
	}

	logs := h.logs.String()
	for _, want := range []string{"session_id=sess-9", "status=101", "route=\"GET /ws/audio\""} {
		if !strings.Contains(logs, want) {
			t.Errorf("access log %q lacks %s", logs, want)
		}
	}
	if got := h.durationPaths(t); len(got) != 0 {
		t.Errorf("duration paths = %v, audio sessions must not be recorded as requests", got)
	}
}

func TestTagSession_WithoutMiddleware(t *testing.T) {
	exp := useTestTracer(t)

	ctx, span := StartSpan(context.Background(), "relay.bridge")
	TagSession(ctx, "sess-1")
	span.End()
	TagSession(context.Background(), "sess-2")

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if v, _ := spanAttr(spans[0].Attributes, AttrSessionID); v.AsString() != "sess-1" {
		t.Errorf("%s = %q, want sess-1", AttrSessionID, v.AsString())
	}
}
