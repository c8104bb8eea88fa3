package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// newTestClient builds a client with no network connection; tests read the
// send queue directly.
func newTestClient(hub *Hub, userID uuid.UUID, buffer int) *Client {
	return &Client{
		id:     clientIDCounter.Add(1),
		userID: userID,
		hub:    hub,
		send:   make(chan []byte, buffer),
		logger: zap.NewNop(),
	}
}

func TestHub_RegisterAndPresence(t *testing.T) {
	hub := NewHub(zap.NewNop())
	user := uuid.New()

	if hub.IsConnected(user) {
		t.Fatal("user should start offline")
	}

	a := newTestClient(hub, user, 1)
	b := newTestClient(hub, user, 1)
	if err := hub.Register(a); err != nil {
		t.Fatal(err)
	}
	if err := hub.Register(b); err != nil {
		t.Fatal(err)
	}
	if !hub.IsConnected(user) || hub.ConnectionCount() != 2 || hub.UserCount() != 1 {
		t.Fatalf("connected=%v connections=%d users=%d", hub.IsConnected(user), hub.ConnectionCount(), hub.UserCount())
	}

	hub.Unregister(a)
	if !hub.IsConnected(user) {
		t.Fatal("user still has one connection")
	}
	hub.Unregister(b)
	hub.Unregister(b)
	if hub.IsConnected(user) || hub.ConnectionCount() != 0 {
		t.Fatal("user should be offline after all connections close")
	}
}

func TestHub_OnConnectFiresOnFirstConnectionOnly(t *testing.T) {
	hub := NewHub(zap.NewNop())
	user := uuid.New()

	var fired []uuid.UUID
	hub.OnConnect(func(id uuid.UUID) { fired = append(fired, id) })

	a := newTestClient(hub, user, 1)
	_ = hub.Register(a)
	_ = hub.Register(newTestClient(hub, user, 1))
	if len(fired) != 1 || fired[0] != user {
		t.Fatalf("fired = %v, want one call for %s", fired, user)
	}

	hub.Unregister(a)
	hub.Close()
	hub = NewHub(zap.NewNop())
	hub.OnConnect(func(id uuid.UUID) { fired = append(fired, id) })
	_ = hub.Register(newTestClient(hub, user, 1))
	if len(fired) != 2 {
		t.Fatalf("reconnecting after going offline should fire again, fired %d times", len(fired))
	}
}

func TestHub_Publish(t *testing.T) {
	hub := NewHub(zap.NewNop())
	user := uuid.New()
	other := uuid.New()

	a := newTestClient(hub, user, 1)
	b := newTestClient(hub, user, 1)
	c := newTestClient(hub, other, 1)
	for _, cl := range []*Client{a, b, c} {
		_ = hub.Register(cl)
	}

	n, err := hub.Publish(user, "notification", map[string]string{"title": "Vehicle sold"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("published to %d connections, want 2", n)
	}
	if len(c.send) != 0 {
		t.Fatal("other user's connection should not receive the event")
	}

	var msg Message
	if err := json.Unmarshal(<-a.send, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "notification" {
		t.Fatalf("type = %q", msg.Type)
	}

	if n, _ := hub.Publish(uuid.New(), "notification", nil); n != 0 {
		t.Fatalf("offline user got %d deliveries", n)
	}
}

func TestHub_PublishDropsSlowClient(t *testing.T) {
	hub := NewHub(zap.NewNop())
	user := uuid.New()
	slow := newTestClient(hub, user, 1)
	_ = hub.Register(slow)

	if n, _ := hub.Publish(user, "notification", 1); n != 1 {
		t.Fatalf("first publish n=%d", n)
	}
	if n, _ := hub.Publish(user, "notification", 2); n != 0 {
		t.Fatalf("full queue should not accept, n=%d", n)
	}
	if hub.IsConnected(user) {
		t.Fatal("slow client should be dropped")
	}
}

func TestHub_Close(t *testing.T) {
	hub := NewHub(zap.NewNop())
	user := uuid.New()
	_ = hub.Register(newTestClient(hub, user, 1))

	hub.Close()

	if hub.IsConnected(user) {
		t.Fatal("close should drop all connections")
	}
	if _, err := hub.Publish(user, "notification", nil); err != ErrHubClosed {
		t.Fatalf("expected ErrHubClosed, got %v", err)
	}
	if err := hub.Register(newTestClient(hub, user, 1)); err != ErrHubClosed {
		t.Fatalf("expected ErrHubClosed, got %v", err)
	}
}

func dial(t *testing.T, srv *httptest.Server, query string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	return websocket.DefaultDialer.Dial(url, nil)
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestHandler_EndToEnd(t *testing.T) {
	hub := NewHub(zap.NewNop())
	var mu sync.Mutex
	var reconnected []uuid.UUID
	hub.OnConnect(func(id uuid.UUID) {
		mu.Lock()
		defer mu.Unlock()
		reconnected = append(reconnected, id)
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", NewHandler(hub, []string{"*"}, zap.NewNop()))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	user := uuid.New()
	conn, _, err := dial(t, srv, "?user_id="+user.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if msg := readMessage(t, conn); msg.Type != MessageTypeConnected {
		t.Fatalf("first message = %q, want connected", msg.Type)
	}
	mu.Lock()
	if len(reconnected) != 1 || reconnected[0] != user {
		t.Fatalf("OnConnect calls = %v", reconnected)
	}
	mu.Unlock()

	if n, err := hub.Publish(user, "notification", map[string]string{"title": "Lead assigned"}); err != nil || n != 1 {
		t.Fatalf("publish n=%d err=%v", n, err)
	}
	if msg := readMessage(t, conn); msg.Type != "notification" {
		t.Fatalf("type = %q", msg.Type)
	}

	if err := conn.WriteJSON(Message{Type: MessageTypePing}); err != nil {
		t.Fatal(err)
	}
	if msg := readMessage(t, conn); msg.Type != MessageTypePong {
		t.Fatalf("type = %q, want pong", msg.Type)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for hub.IsConnected(user) {
		if time.Now().After(deadline) {
			t.Fatal("hub should notice the closed connection")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandler_RejectsMissingUser(t *testing.T) {
	srv := httptest.NewServer(NewHandler(NewHub(zap.NewNop()), nil, zap.NewNop()))
	defer srv.Close()

	_, resp, err := dial(t, srv, "?user_id=bogus")
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", resp)
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://crm.dealer.example"})

	tests := []struct {
		origin string
		want   bool
	}{
		{"https://crm.dealer.example", true},
		{"https://evil.example", false},
		{"", true},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := check(r); got != tt.want {
			t.Errorf("origin %q: got %v, want %v", tt.origin, got, tt.want)
		}
	}
}
