package server

import (
	"io"
	"log/slog"
	"testing"

	"github.com/PapaMarky/pi-camera-control-sub002/internal/bus"
)

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	b, err := bus.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("bus: %v", err)
	}
	t.Cleanup(b.Stop)
	return b
}

func wiredHub(t *testing.T, b *bus.Bus) *Hub {
	t.Helper()
	hub := NewHub("192.168.4.0/24")
	go hub.Run()
	if err := WireBus(b, hub); err != nil {
		t.Fatalf("wire: %v", err)
	}
	return hub
}

func TestWireBus_SessionEventsUseTimelapseEnvelope(t *testing.T) {
	b := newTestBus(t)
	hub := wiredHub(t, b)
	conn := dialHub(t, hub)
	waitForHub(t, "registration", func() bool { return hub.ClientCount() == 1 })

	if err := b.Publish(bus.SubjectSessionPrefix+"photo_taken", map[string]any{
		"type": "photo_taken", "shotNumber": 1,
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	_ = b.Flush()

	msg := readUntil(t, conn, "timelapse_event")
	if msg["eventType"] != "photo_taken" {
		t.Errorf("eventType = %v, want photo_taken", msg["eventType"])
	}
	payload, _ := msg["payload"].(map[string]any)
	if payload["type"] != "photo_taken" || payload["shotNumber"] != float64(1) {
		t.Errorf("payload = %v", payload)
	}
	if ts, _ := msg["timestamp"].(string); ts == "" {
		t.Error("envelope has no timestamp")
	}
}

func TestWireBus_CameraEventsUseDiscoveryEnvelope(t *testing.T) {
	b := newTestBus(t)
	hub := wiredHub(t, b)
	conn := dialHub(t, hub)
	waitForHub(t, "registration", func() bool { return hub.ClientCount() == 1 })

	if err := b.Publish(bus.SubjectCameraConnected, map[string]any{"uuid": "cam-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	_ = b.Flush()

	msg := readUntil(t, conn, "discovery_event")
	if msg["eventType"] != bus.SubjectCameraConnected {
		t.Errorf("eventType = %v, want %s", msg["eventType"], bus.SubjectCameraConnected)
	}
	payload, _ := msg["payload"].(map[string]any)
	if payload["uuid"] != "cam-1" {
		t.Errorf("payload = %v", payload)
	}
}
