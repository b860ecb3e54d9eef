// Package relay implements the voxbridge relay server.
//
// The relay terminates client websockets on /ws/audio and bridges each one
// to its own upstream realtime session. Binary frames carry PCM16 audio in
// both directions; text frames carry [protocol] control messages. It also
// forwards session-description offers (/offer) and chat completion requests
// (/api/openai) to the upstream HTTP API, and serves health, readiness and
// Prometheus metrics.
package relay

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxbridge/internal/health"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/resilience"
	"github.com/MrWong99/voxbridge/pkg/provider/s2s"
)

// Config holds the relay's static settings.
type Config struct {
	// APIKey is sent as a bearer token on forwarded HTTP requests.
	APIKey string

	// OfferURL receives forwarded session-description offers.
	OfferURL string

	// ChatURL receives forwarded chat completion requests.
	ChatURL string

	// AllowedOrigins is answered in Access-Control-Allow-Origin and used as
	// the websocket origin patterns. Empty means "*".
	AllowedOrigins []string

	// RequestTimeout bounds forwarded requests and upstream session dials.
	// Default 30s.
	RequestTimeout time.Duration

	// MetricsPath serves Prometheus metrics. Empty disables the endpoint.
	MetricsPath string

	// Session is the initial upstream session configuration. Replace it at
	// runtime with [Server.SetSessionConfig].
	Session s2s.SessionConfig
}

// Server is the relay's HTTP handler. Create it with [New].
type Server struct {
	cfg      Config
	upstream *resilience.FallbackGroup[s2s.Provider]
	session  atomic.Pointer[s2s.SessionConfig]
	client   *http.Client
	metrics  *observe.Metrics
	health   *health.Handler
	metricsH http.Handler
	log      *slog.Logger

	active atomic.Int64
	conns  sync.WaitGroup

	// baseCtx is cancelled by Shutdown to end bridged sessions, which the
	// http.Server does not track once hijacked.
	baseCtx context.Context
	stop    context.CancelFunc
}

// Option configures a [Server].
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHTTPClient sets the client used for forwarded requests.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Server) { s.client = c }
}

// WithHealth sets the health handler served on /healthz and /readyz. The
// server registers its upstream checker and session counter on it.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler overrides the handler served on Config.MetricsPath.
// Defaults to [observe.MetricsHandler].
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsH = h }
}

// New creates a relay server that opens upstream sessions through upstream.
func New(cfg Config, upstream *resilience.FallbackGroup[s2s.Provider], opts ...Option) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	s := &Server{cfg: cfg, upstream: upstream}
	s.baseCtx, s.stop = context.WithCancel(context.Background())
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	if s.health == nil {
		s.health = health.New()
	}
	if s.metricsH == nil {
		s.metricsH = observe.MetricsHandler()
	}
	s.health.Add(health.Checker{Name: "upstream", Check: upstream.Check})
	s.health.SetSessionCounter(s.ActiveSessions)

	sc := cfg.Session
	s.session.Store(&sc)
	return s
}

// SetSessionConfig replaces the configuration used for new upstream
// sessions. Running sessions keep theirs.
func (s *Server) SetSessionConfig(cfg s2s.SessionConfig) {
	s.session.Store(&cfg)
}

// SessionConfig returns the configuration used for new upstream sessions.
func (s *Server) SessionConfig() s2s.SessionConfig {
	return *s.session.Load()
}

// ActiveSessions returns the number of bridged client connections.
func (s *Server) ActiveSessions() int64 {
	return s.active.Load()
}

// Shutdown ends every bridged session with a going-away close and waits for
// them to finish or for ctx to expire. Call it after http.Server.Shutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stop()
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler returns the relay's routes wrapped in CORS handling and the
// observability middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/audio", s.handleAudio)
	mux.HandleFunc("POST /offer", s.handleOffer)
	mux.HandleFunc("POST /api/openai", s.handleChat)
	s.health.Register(mux)
	if s.cfg.MetricsPath != "" {
		mux.Handle("GET "+s.cfg.MetricsPath, s.metricsH)
	}
	mux.HandleFunc("/", notFound)

	return observe.Middleware(s.metrics, s.log)(s.cors(mux))
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, "Endpoint Not Found", http.StatusNotFound)
}

// cors answers preflight requests and stamps Access-Control-Allow-Origin on
// every response.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.allowOrigin(r.Header.Get("Origin")); origin != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			if origin != "*" {
				h.Add("Vary", "Origin")
			}
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Methods", "GET,HEAD,PUT,PATCH,POST,DELETE")
			if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
				h.Set("Access-Control-Allow-Headers", reqHeaders)
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allowOrigin returns the Access-Control-Allow-Origin value for origin, or ""
// when origin is not allowed.
func (s *Server) allowOrigin(origin string) string {
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(o, origin) {
			return origin
		}
	}
	return ""
}

// originPatterns converts AllowedOrigins to host patterns accepted by
// websocket.AcceptOptions.
func (s *Server) originPatterns() []string {
	out := make([]string, 0, len(s.cfg.AllowedOrigins))
	for _, o := range s.cfg.AllowedOrigins {
		if i := strings.Index(o, "://"); i >= 0 {
			o = o[i+3:]
		}
		out = append(out, o)
	}
	return out
}
