package server

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/PapaMarky/pi-camera-control-sub002/internal/bus"
)

// busEnvelope wraps a bus payload for the WebSocket fabric. Clients only
// ever see the closed set of envelope types; the originating subject
// travels in eventType.
type busEnvelope struct {
	Type      string          `json:"type"`
	EventType string          `json:"eventType,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

func wireEnvelope(msgType, eventType string, data []byte) ([]byte, error) {
	return json.Marshal(busEnvelope{
		Type:      msgType,
		EventType: eventType,
		Timestamp: time.Now(),
		Payload:   data,
	})
}

// WireBus fans bus subjects out to all WebSocket clients. Camera
// lifecycle, report lifecycle, time-sync state, and the activity log
// each get their own envelope type so the UI can route them. Session
// events ride the timelapse_event envelope with the session-relative
// event type ("photo_taken", "completed", ...) as eventType.
func WireBus(b *bus.Bus, hub *Hub) error {
	forward := func(msgType, trimPrefix string) func(subject string, data []byte) {
		return func(subject string, data []byte) {
			env, err := wireEnvelope(msgType, strings.TrimPrefix(subject, trimPrefix), data)
			if err != nil {
				return
			}
			hub.BroadcastRaw(env)
		}
	}

	if err := b.Subscribe("camera.>", forward("discovery_event", "")); err != nil {
		return err
	}
	if err := b.Subscribe("report.>", forward("timelapse_event", "")); err != nil {
		return err
	}
	if err := b.Subscribe(bus.SubjectTimeSyncStatus, forward("time-sync-status", "")); err != nil {
		return err
	}
	if err := b.Subscribe(bus.SubjectActivityLog, forward("activity_log", "")); err != nil {
		return err
	}
	return b.Subscribe(bus.SubjectSessionPrefix+">",
		forward("timelapse_event", bus.SubjectSessionPrefix))
}
