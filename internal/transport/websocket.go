package transport

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/coder/websocket"
)

// DefaultReadLimit bounds a single inbound message. One second of 24 kHz mono
// PCM16 is 48 KiB; the limit leaves room for large model responses.
const DefaultReadLimit = 4 << 20

// WebsocketDialer dials the relay's audio endpoint.
type WebsocketDialer struct {
	// URL is the ws:// or wss:// endpoint, e.g. ws://localhost:8080/ws/audio.
	URL string

	// Header is sent with the opening handshake.
	Header http.Header

	// HTTPClient is used for the handshake. Nil means http.DefaultClient.
	HTTPClient *http.Client

	// ReadLimit overrides DefaultReadLimit when positive.
	ReadLimit int64
}

// Dial implements [Dialer].
func (d *WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	c, resp, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPHeader: d.Header,
		HTTPClient: d.HTTPClient,
	})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	c.SetReadLimit(limit)
	return NewWebsocketConn(c), nil
}

// websocketConn adapts a [websocket.Conn] to [Conn].
type websocketConn struct {
	c *websocket.Conn
}

// NewWebsocketConn wraps an established websocket. The relay uses it for
// accepted connections.
func NewWebsocketConn(c *websocket.Conn) Conn {
	return &websocketConn{c: c}
}

func (w *websocketConn) Read(ctx context.Context) (MessageKind, []byte, error) {
	typ, data, err := w.c.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return 0, nil, io.EOF
		}
		if errors.Is(err, io.EOF) {
			return 0, nil, io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	if typ == websocket.MessageBinary {
		return MessageBinary, data, nil
	}
	return MessageText, data, nil
}

func (w *websocketConn) Write(ctx context.Context, kind MessageKind, data []byte) error {
	typ := websocket.MessageText
	if kind == MessageBinary {
		typ = websocket.MessageBinary
	}
	return w.c.Write(ctx, typ, data)
}

func (w *websocketConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}
