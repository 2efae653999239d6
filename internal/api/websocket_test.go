package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialSession(t *testing.T, server *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/session/" + sessionID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial failed (status %d): %v", status, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readType 读取消息直到收到指定类型
func readType(t *testing.T, conn *websocket.Conn, want string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		var msg map[string]interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %q: %v", want, err)
		}
		if msg["type"] == want {
			return msg
		}
	}
}

func waitForClients(t *testing.T, router *Router, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := router.WebSocketManager.GetStatus()["total_connections"].(int); n == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d WebSocket clients", want)
}

func TestSessionWebSocketStreamsEvents(t *testing.T) {
	router, studio := newTestRouter(t)
	server := httptest.NewServer(router.Engine)
	defer server.Close()

	id := createSession(t, router)
	conn := dialSession(t, server, id)

	connected := readType(t, conn, "connected")
	if connected["session_id"] != id {
		t.Errorf("session_id = %v", connected["session_id"])
	}
	readType(t, conn, "snapshot")
	waitForClients(t, router, 1)

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatal(err)
	}
	readType(t, conn, "pong")

	if _, err := studio.SubmitDescription(id, "a ranger with a green cloak"); err != nil {
		t.Fatal(err)
	}
	readType(t, conn, "generation_started")
	readType(t, conn, "generation_completed")

	if err := conn.WriteJSON(map[string]string{"type": "select_view", "view": "back"}); err != nil {
		t.Fatal(err)
	}
	readType(t, conn, "view_selected")

	snapshot, err := studio.Snapshot(id)
	if err != nil {
		t.Fatal(err)
	}
	if snapshot.SelectedView != "back" {
		t.Errorf("selected view = %q", snapshot.SelectedView)
	}
}

func TestSessionWebSocketRejectsBadMessages(t *testing.T) {
	router, _ := newTestRouter(t)
	server := httptest.NewServer(router.Engine)
	defer server.Close()

	id := createSession(t, router)
	conn := dialSession(t, server, id)
	readType(t, conn, "snapshot")

	if err := conn.WriteJSON(map[string]string{"type": "select_view", "view": "top"}); err != nil {
		t.Fatal(err)
	}
	readType(t, conn, "error")

	if err := conn.WriteJSON(map[string]string{"type": "dance"}); err != nil {
		t.Fatal(err)
	}
	msg := readType(t, conn, "error")
	if text, _ := msg["error"].(string); !strings.Contains(text, "dance") {
		t.Errorf("unexpected error message: %v", msg)
	}
}

func TestSessionWebSocketUnknownSession(t *testing.T) {
	router, _ := newTestRouter(t)
	server := httptest.NewServer(router.Engine)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/session/missing"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial should fail for an unknown session")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %v", resp)
	}
}
