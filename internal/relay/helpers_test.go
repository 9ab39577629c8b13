package relay

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newSocketPair upgrades a loopback websocket and returns both ends.
func newSocketPair(t *testing.T) (server *websocket.Conn, client *websocket.Conn) {
	t.Helper()

	serverCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("test upgrade failed: %v", err)
			return
		}
		serverCh <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("test dial failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	select {
	case server = <-serverCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server side of socket pair")
	}
	t.Cleanup(func() { _ = server.Close() })

	return server, client
}

// newTestConnection wraps a fresh server-side socket in a relay Connection
// and returns the client end for assertions.
func newTestConnection(t *testing.T, roomID, memberID, origin string) (*Connection, *websocket.Conn) {
	t.Helper()

	server, client := newSocketPair(t)
	conn := NewConnection(server, roomID, memberID, origin, 16, time.Second)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, client
}

// readText reads one text frame from the client end.
func readText(t *testing.T, conn *websocket.Conn, timeout time.Duration) ([]byte, bool) {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, false
	}
	return data, true
}
