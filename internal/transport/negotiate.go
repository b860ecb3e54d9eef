package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// maxAnswerBytes caps the negotiation answer read from the relay.
const maxAnswerBytes = 1 << 20

// HTTPNegotiator posts the offer to the relay's /offer endpoint and returns
// the response body as the answer. Neither side is interpreted.
type HTTPNegotiator struct {
	// URL is the full offer endpoint, e.g. http://localhost:8080/offer.
	URL string

	// ContentType defaults to application/sdp.
	ContentType string

	// Client defaults to http.DefaultClient.
	Client *http.Client
}

// Negotiate implements [Negotiator].
func (n *HTTPNegotiator) Negotiate(ctx context.Context, offer []byte) ([]byte, error) {
	ct := n.ContentType
	if ct == "" {
		ct = "application/sdp"
	}
	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(offer))
	if err != nil {
		return nil, fmt.Errorf("negotiate: build request: %w", err)
	}
	req.Header.Set("Content-Type", ct)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("negotiate: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswerBytes))
	if err != nil {
		return nil, fmt.Errorf("negotiate: read answer: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("negotiate: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}
