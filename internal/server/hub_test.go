package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PapaMarky/pi-camera-control-sub002/internal/clock"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/timesync"
)

// dialHub stands up a hub behind an httptest server and connects one
// client to it.
func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil reads messages until one of the wanted type arrives. The
// write pump batches messages with newline separators, so each frame may
// carry several.
func readUntil(t *testing.T, conn *websocket.Conn, wantType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	_ = conn.SetReadDeadline(deadline)
	for time.Now().Before(deadline) {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read waiting for %q: %v", wantType, err)
		}
		for _, line := range bytes.Split(frame, []byte{'\n'}) {
			var msg map[string]any
			if err := json.Unmarshal(line, &msg); err != nil {
				continue
			}
			if msg["type"] == wantType {
				return msg
			}
		}
	}
	t.Fatalf("no %q message arrived", wantType)
	return nil
}

func waitForHub(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHub_WelcomeAndAPClassification(t *testing.T) {
	// The test client arrives from 127.0.0.1, inside the "AP subnet".
	hub := NewHub("127.0.0.0/8")
	hub.SetWelcome(func(clientID string) any {
		return map[string]any{"type": "welcome", "clientId": clientID}
	})
	go hub.Run()

	conn := dialHub(t, hub)
	welcome := readUntil(t, conn, "welcome")
	clientID, _ := welcome["clientId"].(string)
	if clientID == "" {
		t.Fatal("welcome message must carry the client id")
	}

	waitForHub(t, "registration", func() bool { return hub.ClientCount() == 1 })
	if got := len(hub.ClientsOn(timesync.InterfaceAP)); got != 1 {
		t.Fatalf("ap clients = %d, want 1", got)
	}
	if got := len(hub.ClientsOn(timesync.InterfaceWLAN)); got != 0 {
		t.Fatalf("wlan clients = %d, want 0", got)
	}
	if counts := hub.CountsByInterface(); counts[timesync.InterfaceAP] != 1 {
		t.Fatalf("counts = %v", counts)
	}

	// The hub doubles as the time-sync client directory.
	tc, ok := hub.Client(clientID)
	if !ok {
		t.Fatal("directory lookup by id failed")
	}
	if err := tc.RequestTime("req-1"); err != nil {
		t.Fatalf("RequestTime: %v", err)
	}
	req := readUntil(t, conn, "time-sync-request")
	if req["requestId"] != "req-1" {
		t.Errorf("requestId = %v", req["requestId"])
	}
}

func TestHub_WlanClassificationOutsideAPSubnet(t *testing.T) {
	hub := NewHub("10.0.0.0/8")
	go hub.Run()

	_ = dialHub(t, hub)
	waitForHub(t, "registration", func() bool { return hub.ClientCount() == 1 })
	if got := len(hub.ClientsOn(timesync.InterfaceWLAN)); got != 1 {
		t.Fatalf("wlan clients = %d, want 1", got)
	}
}

func TestHub_PingPong(t *testing.T) {
	hub := NewHub("127.0.0.0/8")
	d := NewDispatcher(clock.New(), nil, nil, nil, nil)
	hub.SetHandler(d.Handle)
	go hub.Run()

	conn := dialHub(t, hub)
	waitForHub(t, "registration", func() bool { return hub.ClientCount() == 1 })
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	readUntil(t, conn, "pong")
}

func TestHub_BroadcastReachesAllClients(t *testing.T) {
	hub := NewHub("127.0.0.0/8")
	go hub.Run()

	a := dialHub(t, hub)
	b := dialHub(t, hub)
	waitForHub(t, "both clients", func() bool { return hub.ClientCount() == 2 })

	hub.Broadcast(map[string]any{"type": "status_update"})
	readUntil(t, a, "status_update")
	readUntil(t, b, "status_update")
}

func TestHub_DisconnectLeavesDirectory(t *testing.T) {
	hub := NewHub("127.0.0.0/8")
	go hub.Run()

	conn := dialHub(t, hub)
	waitForHub(t, "registration", func() bool { return hub.ClientCount() == 1 })
	_ = conn.Close()
	waitForHub(t, "deregistration", func() bool { return hub.ClientCount() == 0 })
	if got := len(hub.ClientsOn(timesync.InterfaceAP)); got != 0 {
		t.Fatalf("stale directory entry after disconnect: %d", got)
	}
}
