package ridewatch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
)

// ============================================================================
// Transport
// ============================================================================

// Socket is one physical, message-oriented connection. Each Write carries
// exactly one frame.
type Socket interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens a Socket to a fully resolved realtime URL.
type Dialer interface {
	Dial(ctx context.Context, target string) (Socket, error)
}

// WebsocketDialer dials realtime endpoints over WebSocket.
type WebsocketDialer struct {
	HTTPClient *http.Client
	Header     http.Header
	// ReadLimit caps inbound frame size in bytes. Zero keeps the library default.
	ReadLimit int64
}

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context, target string) (Socket, error) {
	opts := &websocket.DialOptions{}
	if d != nil {
		opts.HTTPClient = d.HTTPClient
		opts.HTTPHeader = d.Header
	}

	conn, _, err := websocket.Dial(ctx, target, opts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	if d != nil && d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return &websocketSocket{conn: conn}, nil
}

type websocketSocket struct {
	conn *websocket.Conn
}

func (s *websocketSocket) Read(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.Read(ctx)
	return data, err
}

func (s *websocketSocket) Write(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *websocketSocket) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

// realtimeURL resolves <base>/<path>[?<params>], rewriting http(s) bases to ws(s).
func realtimeURL(base, path string, params url.Values) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}

	target := strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	return target
}
