package ridewatch

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// echoServer upgrades every request and echoes text frames back. Frames
// whose type is "DROP" make the server close the socket.
type echoServer struct {
	*httptest.Server
	upgrader websocket.Upgrader

	accepted atomic.Int32
	mu       sync.Mutex
	queries  []string
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()
	s := &echoServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *echoServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.accepted.Add(1)
	s.mu.Lock()
	s.queries = append(s.queries, r.URL.Path+"?"+r.URL.RawQuery)
	s.mu.Unlock()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(data, &frame)
		if frame.Type == "DROP" {
			return
		}
		if err := conn.WriteMessage(msgType, data); err != nil {
			return
		}
	}
}

func (s *echoServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestRealtimeURLRewritesHTTP(t *testing.T) {
	if got := realtimeURL("https://api.example.com/", "/ws/track/1", nil); got != "wss://api.example.com/ws/track/1" {
		t.Fatalf("realtimeURL = %q", got)
	}
}

func TestWebsocketRoundTrip(t *testing.T) {
	srv := newEchoServer(t)
	c := NewConnection("/ws/track/t1", ActorParams(RoleRider, "r1", ""), &RealtimeConfig{
		BaseURL: srv.URL,
		Logger:  discardLogger(),
	})
	defer c.Close()

	got := make(chan Event, 1)
	c.On("X", NewListener(func(ev Event) { got <- ev }))

	c.Open()
	waitState(t, c, StateOpen)
	if err := c.Send("X", map[string]int{"a": 1}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case ev := <-got:
		if ev.Type != "X" || string(ev.Payload) != `{"a":1}` {
			t.Fatalf("echoed event = %s %s", ev.Type, ev.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no echo received")
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.queries) != 1 || srv.queries[0] != "/ws/track/t1?riderId=r1" {
		t.Fatalf("server saw %v", srv.queries)
	}
}

func TestWebsocketReconnectsAfterServerClose(t *testing.T) {
	srv := newEchoServer(t)
	c := NewConnection("/ws/driver/notifications", nil, &RealtimeConfig{
		BaseURL:            srv.wsURL(),
		ReconnectBaseDelay: 10 * time.Millisecond,
		Logger:             discardLogger(),
	})
	defer c.Close()

	c.Open()
	waitState(t, c, StateOpen)
	if err := c.Send("DROP", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitFor(t, "second accept", func() bool { return srv.accepted.Load() == 2 })
	waitState(t, c, StateOpen)
}

func TestWebsocketDialFailureSchedulesRetry(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := NewConnection("/ws/track/t1", nil, &RealtimeConfig{
		BaseURL:              srv.URL,
		MaxReconnectAttempts: 1,
		ReconnectBaseDelay:   5 * time.Millisecond,
		Logger:               discardLogger(),
	})
	defer c.Close()

	c.Open()
	waitState(t, c, StateFailed)
	if got := c.Attempts(); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
}
