package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeHubWS serves the hub WebSocket handshake: auth_required → auth →
// auth_ok, then answers every id-carrying request with a success
// result. It records subscribe_events requests across all connections.
type fakeHubWS struct {
	upgrader websocket.Upgrader

	mu         sync.Mutex
	subscribes []string
	conns      int
}

func (f *fakeHubWS) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	f.mu.Lock()
	f.conns++
	f.mu.Unlock()

	if err := conn.WriteJSON(map[string]string{"type": "auth_required"}); err != nil {
		return
	}
	var auth map[string]string
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if err := conn.WriteJSON(map[string]string{"type": "auth_ok"}); err != nil {
		return
	}

	for {
		var msg struct {
			ID        int64  `json:"id"`
			Type      string `json:"type"`
			EventType string `json:"event_type"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type == "subscribe_events" {
			f.mu.Lock()
			f.subscribes = append(f.subscribes, msg.EventType)
			f.mu.Unlock()
		}
		resp := map[string]any{
			"id":      msg.ID,
			"type":    "result",
			"success": true,
			"result":  json.RawMessage("null"),
		}
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

func (f *fakeHubWS) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribes)
}

func TestWSClientConnectAndSubscribe(t *testing.T) {
	fake := &fakeHubWS{}
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer srv.Close()

	c := NewWSClient(srv.URL, "test-token", nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Subscribe(ctx, "state_changed"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if got := fake.subscribeCount(); got != 1 {
		t.Errorf("subscribe count = %d, want 1", got)
	}
}

// A reconnect with a tracked subscription must return and re-subscribe
// rather than hanging on its own connection lock.
func TestWSClientReconnectRestoresSubscriptions(t *testing.T) {
	fake := &fakeHubWS{}
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer srv.Close()

	c := NewWSClient(srv.URL, "test-token", nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Subscribe(ctx, "state_changed"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- c.Reconnect(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Reconnect: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Reconnect did not return within 5s")
	}

	// One subscribe from the original connection, one restored.
	if got := fake.subscribeCount(); got != 2 {
		t.Errorf("subscribe count after reconnect = %d, want 2", got)
	}

	fake.mu.Lock()
	conns := fake.conns
	fake.mu.Unlock()
	if conns != 2 {
		t.Errorf("connection count = %d, want 2", conns)
	}
}

// A second reconnect must not duplicate entries in the tracked
// subscription list.
func TestWSClientReconnectTwiceKeepsOneSubscription(t *testing.T) {
	fake := &fakeHubWS{}
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer srv.Close()

	c := NewWSClient(srv.URL, "test-token", nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Subscribe(ctx, "state_changed"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := c.Reconnect(ctx); err != nil {
			t.Fatalf("Reconnect %d: %v", i+1, err)
		}
	}

	// Initial subscribe plus one restore per reconnect.
	if got := fake.subscribeCount(); got != 3 {
		t.Errorf("subscribe count = %d, want 3", got)
	}
}
