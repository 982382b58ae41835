package events

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestHub(t *testing.T) (*Hub, string) {
	t.Helper()
	h := NewHub()
	go h.Run()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialClient(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func clientCount(h *Hub) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if clientCount(h) == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d clients, have %d", n, clientCount(h))
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	return msg
}

func TestHub_BroadcastReachesAllClients(t *testing.T) {
	h, url := newTestHub(t)

	c1 := dialClient(t, url)
	c2 := dialClient(t, url)
	waitForClients(t, h, 2)

	h.Broadcast(Message{Type: "bet_placed", RoundID: "round-20260815-12"})

	for _, conn := range []*websocket.Conn{c1, c2} {
		msg := readMessage(t, conn)
		if msg.Type != "bet_placed" || msg.RoundID != "round-20260815-12" {
			t.Errorf("unexpected message: %+v", msg)
		}
	}
}

func TestHub_SurvivesClientDisconnect(t *testing.T) {
	h, url := newTestHub(t)

	c1 := dialClient(t, url)
	c2 := dialClient(t, url)
	waitForClients(t, h, 2)

	c1.Close()
	waitForClients(t, h, 1)

	// Broadcasting after the disconnect must still reach the live client.
	h.Broadcast(Message{Type: "round_resolved", RoundID: "round-20260815-12", Result: "heads"})

	msg := readMessage(t, c2)
	if msg.Type != "round_resolved" || msg.Result != "heads" {
		t.Errorf("unexpected message: %+v", msg)
	}
}
