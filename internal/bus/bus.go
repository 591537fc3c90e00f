// Package bus provides the internal pub/sub fabric linking the camera,
// session, and time-sync subsystems, backed by an embedded NATS server.
// The composition root owns the bus; subsystems publish typed events to
// it and never reference each other directly.
package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Subjects carried on the bus. Payloads are JSON.
const (
	// Discovery & camera lifecycle.
	SubjectCameraDiscovered      = "camera.discovered"
	SubjectCameraConnected       = "camera.connected"
	SubjectCameraOffline         = "camera.offline"
	SubjectCameraIPChanged       = "camera.ip_changed"
	SubjectCameraError           = "camera.error"
	SubjectPrimaryChanged        = "camera.primary_changed"
	SubjectPrimaryDisconnected   = "camera.primary_disconnected"

	// Intervalometer session lifecycle (suffix is the session event type).
	SubjectSessionPrefix = "session."

	// Report manager.
	SubjectReportSaved          = "report.saved"
	SubjectReportDeleted        = "report.deleted"
	SubjectUnsavedSessionFound  = "report.unsaved_found"
	SubjectSessionDiscarded     = "report.session_discarded"

	// Time sync.
	SubjectTimeSyncStatus   = "timesync.status"
	SubjectActivityLog      = "activity.log"
)

// Bus is an embedded NATS server plus a connection to it.
type Bus struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger

	subsMu sync.Mutex
	subs   []*nats.Subscription
}

// New starts an embedded NATS server on a random loopback port and
// connects to it.
func New(logger *slog.Logger) (*Bus, error) {
	opts := &server.Options{
		Host:   "127.0.0.1",
		Port:   server.RANDOM_PORT,
		NoSigs: true,
		NoLog:  true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready after 2s")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connect to embedded NATS: %w", err)
	}

	b := &Bus{
		server: ns,
		conn:   nc,
		logger: logger.With("component", "bus"),
	}
	b.logger.Info("Event bus started", "url", ns.ClientURL())
	return b, nil
}

// Publish marshals v as JSON and publishes it on subject.
func (b *Bus) Publish(subject string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	return b.conn.Publish(subject, payload)
}

// Subscribe registers handler for subject. Wildcards are allowed
// ("session.>" receives every session event).
func (b *Bus) Subscribe(subject string, handler func(subject string, data []byte)) error {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return err
	}
	b.subsMu.Lock()
	b.subs = append(b.subs, sub)
	b.subsMu.Unlock()
	return nil
}

// Flush waits for all published messages to be processed by the server.
// Tests use it to make event delivery deterministic.
func (b *Bus) Flush() error {
	return b.conn.Flush()
}

// Stop drains the connection and shuts the server down.
func (b *Bus) Stop() {
	b.subsMu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.subsMu.Unlock()

	_ = b.conn.Drain()
	b.server.Shutdown()
	b.logger.Info("Event bus stopped")
}
