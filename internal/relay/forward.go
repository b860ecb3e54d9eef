package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxbridge/internal/observe"
)

// maxForwardBytes caps forwarded request and response bodies.
const maxForwardBytes = 4 << 20

// Response texts for failed forwards.
const (
	ErrTextOffer = "Failed to process SDP offer"
	ErrTextChat  = `{"error":"Internal Server Error"}`
)

// handleOffer forwards an opaque session-description offer upstream and
// answers with the upstream body.
func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	answer, err := s.forward(r.Context(), "offer", s.cfg.OfferURL, "application/sdp", r.Body)
	if err != nil {
		observe.Logger(r.Context(), s.log).Error("relay: offer forward failed", "err", err)
		http.Error(w, ErrTextOffer, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/sdp")
	_, _ = w.Write(answer)
}

// handleChat forwards a JSON chat completion request upstream and answers
// with the upstream JSON.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	body, err := s.forward(r.Context(), "chat", s.cfg.ChatURL, "application/json", r.Body)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		observe.Logger(r.Context(), s.log).Error("relay: chat forward failed", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, ErrTextChat)
		return
	}
	_, _ = w.Write(body)
}

// forward posts body to target with bearer auth and returns the response
// body. Non-2xx responses are failures.
func (s *Server) forward(ctx context.Context, endpoint, target, contentType string, body io.Reader) ([]byte, error) {
	ctx, span := observe.StartSpan(ctx, "relay.forward."+endpoint)
	defer span.End()

	payload, err := io.ReadAll(io.LimitReader(body, maxForwardBytes))
	if err != nil {
		return nil, s.forwardFailed(ctx, span, endpoint, "read_request", fmt.Errorf("read request: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, s.forwardFailed(ctx, span, endpoint, "build_request", fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", contentType)
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, s.forwardFailed(ctx, span, endpoint, "transport", err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(io.LimitReader(resp.Body, maxForwardBytes))
	if err != nil {
		return nil, s.forwardFailed(ctx, span, endpoint, "read_response", fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.metrics.RecordUpstreamRequest(ctx, endpoint, strconv.Itoa(resp.StatusCode))
		return nil, s.forwardFailed(ctx, span, endpoint, "status",
			fmt.Errorf("upstream status %d: %s", resp.StatusCode, bytes.TrimSpace(out)))
	}

	s.metrics.RecordUpstreamRequest(ctx, endpoint, strconv.Itoa(resp.StatusCode))
	return out, nil
}

func (s *Server) forwardFailed(ctx context.Context, span trace.Span, endpoint, kind string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, kind)
	s.metrics.RecordUpstreamError(ctx, endpoint, kind)
	return fmt.Errorf("relay: forward %s: %w", endpoint, err)
}
