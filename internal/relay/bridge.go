package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/resilience"
	"github.com/MrWong99/voxbridge/internal/transport"
	"github.com/MrWong99/voxbridge/pkg/protocol"
	"github.com/MrWong99/voxbridge/pkg/provider/s2s"
)

// Status and error texts sent to clients.
const (
	StatusConnected        = "connected"
	ErrTextUpstreamConnect = "Failed to connect to upstream"
	ErrTextUpstreamFailed  = "Upstream session failed"
)

var (
	errClientClosed  = errors.New("relay: client closed")
	errUpstreamEnded = errors.New("relay: upstream ended")

	errUpstreamFailed = errors.New("relay: upstream failed")
)

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns(),
	})
	if err != nil {
		s.log.Warn("relay: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer ws.CloseNow()
	ws.SetReadLimit(transport.DefaultReadLimit)

	s.conns.Add(1)
	defer s.conns.Done()

	// Reads use the request context for the whole session. Cancelling a
	// read makes the library close with a policy violation, so every end is
	// an explicit Close instead.
	ctx := r.Context()
	stop := context.AfterFunc(s.baseCtx, func() {
		ws.Close(websocket.StatusGoingAway, "relay shutting down")
	})
	defer stop()

	s.active.Add(1)
	s.metrics.ActiveSessions.Add(ctx, 1)
	defer func() {
		s.active.Add(-1)
		s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	}()

	sessionID := uuid.NewString()
	observe.TagSession(ctx, sessionID)
	log := observe.Logger(ctx, s.log).With("session_id", sessionID, "remote", r.RemoteAddr)
	conn := transport.NewWebsocketConn(ws)

	up, err := s.connectUpstream(ctx, sessionID)
	if err != nil {
		log.Error("relay: upstream connect failed", "err", err)
		if werr := writeMessage(ctx, conn, protocol.Error(ErrTextUpstreamConnect)); werr != nil {
			log.Debug("relay: could not report connect failure", "err", werr)
		}
		ws.Close(websocket.StatusInternalError, "upstream unavailable")
		return
	}
	defer up.Close()

	if err := writeMessage(ctx, conn, protocol.Status(StatusConnected)); err != nil {
		log.Debug("relay: client gone before first status", "err", err)
		return
	}
	log.Info("relay: session started")

	if err := s.bridge(ctx, ws, conn, up, log); err != nil && s.baseCtx.Err() == nil {
		log.Warn("relay: session failed", "err", err)
		closeWith(ctx, ws, conn, err)
	}
	log.Info("relay: session ended")
}

// connectUpstream opens an upstream session through the fallback group.
func (s *Server) connectUpstream(ctx context.Context, sessionID string) (s2s.SessionHandle, error) {
	ctx, span := observe.StartSessionSpan(ctx, "relay.connect_upstream", sessionID)
	defer span.End()

	cfg := s.SessionConfig()
	up, err := resilience.ExecuteWithResult(s.upstream, func(p s2s.Provider) (s2s.SessionHandle, error) {
		dctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
		return p.Connect(dctx, cfg)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream connect failed")
		s.metrics.RecordUpstreamRequest(ctx, "realtime", "error")
		s.metrics.RecordUpstreamError(ctx, "realtime", "connect")
		return nil, err
	}
	s.metrics.RecordUpstreamRequest(ctx, "realtime", "ok")
	return up, nil
}

// bridge pumps traffic between conn and up until either side ends. A clean
// end on either side returns nil. When the upstream side ends first, ws is
// closed with a matching status so the client read unblocks.
func (s *Server) bridge(ctx context.Context, ws *websocket.Conn, conn transport.Conn, up s2s.SessionHandle, log *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)

	up.OnError(func(err error) {
		s.metrics.RecordUpstreamError(gctx, "realtime", "event")
		log.Warn("relay: upstream error event", "err", err)
		if werr := writeMessage(gctx, conn, protocol.Error(err.Error())); werr != nil {
			log.Debug("relay: could not forward upstream error", "err", werr)
		}
	})
	defer up.OnError(nil)

	g.Go(func() error { return s.pumpClient(ctx, conn, up, log) })
	g.Go(func() error {
		err := s.pumpUpstream(gctx, conn, up)
		if gctx.Err() == nil {
			closeWith(ctx, ws, conn, err)
		}
		return err
	})

	err := g.Wait()
	if errors.Is(err, errClientClosed) || errors.Is(err, errUpstreamEnded) {
		return nil
	}
	return err
}

// closeWith closes ws with the status matching why the session ended.
// Closing an already closed connection is a no-op.
func closeWith(ctx context.Context, ws *websocket.Conn, conn transport.Conn, cause error) {
	switch {
	case errors.Is(cause, errUpstreamEnded), errors.Is(cause, errClientClosed):
		ws.Close(websocket.StatusNormalClosure, "")
	case errors.Is(cause, errUpstreamFailed):
		_ = writeMessage(ctx, conn, protocol.Error(ErrTextUpstreamFailed))
		ws.Close(websocket.StatusInternalError, "upstream failed")
	default:
		ws.Close(websocket.StatusInternalError, "session failed")
	}
}

// pumpClient forwards client audio upstream and answers heartbeats.
func (s *Server) pumpClient(ctx context.Context, conn transport.Conn, up s2s.SessionHandle, log *slog.Logger) error {
	for {
		kind, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errClientClosed
			}
			return fmt.Errorf("relay: read client: %w", err)
		}

		switch kind {
		case transport.MessageBinary:
			if len(data) == 0 {
				continue
			}
			if err := up.SendAudio(data); err != nil {
				s.metrics.RecordUpstreamError(ctx, "realtime", "send")
				return fmt.Errorf("%w: send audio: %w", errUpstreamFailed, err)
			}
		case transport.MessageText:
			msg, err := protocol.Decode(data)
			if err != nil {
				log.Debug("relay: ignoring control message", "err", err)
				continue
			}
			if msg.Type == protocol.TypePing {
				if err := writeMessage(ctx, conn, protocol.Ping()); err != nil {
					return fmt.Errorf("relay: echo ping: %w", err)
				}
			}
		}
	}
}

// pumpUpstream forwards synthesised audio and transcripts to the client.
func (s *Server) pumpUpstream(ctx context.Context, conn transport.Conn, up s2s.SessionHandle) error {
	audio, transcripts := up.Audio(), up.Transcripts()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case pcm, ok := <-audio:
			if !ok {
				if err := up.Err(); err != nil {
					return fmt.Errorf("%w: %w", errUpstreamFailed, err)
				}
				return errUpstreamEnded
			}
			if err := conn.Write(ctx, transport.MessageBinary, pcm); err != nil {
				return fmt.Errorf("relay: write audio: %w", err)
			}

		case e, ok := <-transcripts:
			if !ok {
				transcripts = nil
				continue
			}
			at := e.Timestamp
			if at.IsZero() {
				at = time.Now()
			}
			if err := writeMessage(ctx, conn, protocol.Transcript(e.Text, at)); err != nil {
				return fmt.Errorf("relay: write transcript: %w", err)
			}
		}
	}
}

func writeMessage(ctx context.Context, conn transport.Conn, m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return conn.Write(ctx, transport.MessageText, data)
}
