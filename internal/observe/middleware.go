package observe

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// requestScope is what a handler can hand back to the middleware for the
// access log. Handlers run on the middleware's goroutine, so no locking.
type requestScope struct {
	sessionID string
}

type scopeKey struct{}

// TagSession marks the request served under ctx as carrying relay session
// sessionID. The request span gets [AttrSessionID] and the access log line a
// session_id. Outside [Middleware] only the span is tagged.
func TagSession(ctx context.Context, sessionID string) {
	trace.SpanFromContext(ctx).SetAttributes(AttrSessionID.String(sessionID))
	if sc, ok := ctx.Value(scopeKey{}).(*requestScope); ok {
		sc.sessionID = sessionID
	}
}

// responseRecorder remembers the status and whether the connection was
// taken over by a websocket upgrade.
type responseRecorder struct {
	http.ResponseWriter
	status   int
	upgraded bool
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack hands the connection to the websocket library.
func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := http.NewResponseController(r.ResponseWriter).Hijack()
	if err == nil {
		r.status = http.StatusSwitchingProtocols
		r.upgraded = true
	}
	return conn, rw, err
}

// routeLabel prefers the matched mux pattern over the raw path. Unknown paths
// all land on the "/" fallback, which keeps label cardinality bounded.
func routeLabel(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	return r.URL.Path
}

// Middleware instruments the relay's HTTP surface.
//
// Every request continues the caller's W3C trace (or starts one) in a server
// span named after the matched route, and the trace id is echoed as
// X-Correlation-ID. Plain requests are recorded in
// [Metrics.HTTPRequestDuration]. Websocket upgrades are not: they last as
// long as the audio session behind them. One access log line is written per
// request, at warn level for 5xx answers.
func Middleware(m *Metrics, log *slog.Logger) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "relay "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			if cid := CorrelationID(ctx); cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}

			scope := &requestScope{}
			ctx = context.WithValue(ctx, scopeKey{}, scope)
			r = r.WithContext(ctx)
			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			elapsed := time.Since(start)
			route := routeLabel(r)
			span.SetName("relay " + route)
			span.SetAttributes(
				semconv.HTTPRouteKey.String(route),
				semconv.HTTPResponseStatusCode(rec.status),
			)
			if rec.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rec.status))
			}

			if !rec.upgraded {
				m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
					metric.WithAttributes(
						attribute.String("method", r.Method),
						attribute.String("path", route),
					),
				)
			}

			level := slog.LevelDebug
			if rec.status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.Int("status", rec.status),
				slog.Duration("duration", elapsed),
			}
			if scope.sessionID != "" {
				attrs = append(attrs, slog.String("session_id", scope.sessionID))
			}
			Logger(ctx, log).LogAttrs(ctx, level, "relay: request", attrs...)
		})
	}
}
