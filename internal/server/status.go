package server

import (
	"context"
	"time"

	"github.com/PapaMarky/pi-camera-control-sub002/internal/clock"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/config"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/discovery"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/reports"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/system"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/timesync"
)

// storageProbeTimeout bounds the camera storage/battery round trip made
// for each status broadcast.
const storageProbeTimeout = 5 * time.Second

// CameraDirectory is the slice of the discovery registry the status
// broadcaster reads.
type CameraDirectory interface {
	Records() []discovery.Record
	Primary() (discovery.Record, bool)
}

// TimeSyncStatus exposes the time-sync snapshot.
type TimeSyncStatus interface {
	Status() timesync.Info
}

// Broadcaster assembles periodic status_update messages for all
// connected clients: camera state, host health, session progress, and
// the time-sync proxy state in one snapshot.
type Broadcaster struct {
	clk      clock.Clock
	cfg      *config.Config
	hub      *Hub
	registry CameraDirectory
	cameras  discovery.CameraResolver
	sessions *reports.Manager
	tsync    TimeSyncStatus
	sysmon   *system.Monitor
}

// NewBroadcaster creates the status broadcaster.
func NewBroadcaster(clk clock.Clock, cfg *config.Config, hub *Hub,
	registry CameraDirectory, cameras discovery.CameraResolver,
	sessions *reports.Manager, tsync TimeSyncStatus, sysmon *system.Monitor) *Broadcaster {
	return &Broadcaster{
		clk:      clk,
		cfg:      cfg,
		hub:      hub,
		registry: registry,
		cameras:  cameras,
		sessions: sessions,
		tsync:    tsync,
		sysmon:   sysmon,
	}
}

// Run broadcasts a status snapshot on the configured cadence until ctx
// is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := b.clk.NewTicker(b.cfg.StatusInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			b.BroadcastNow()
		}
	}
}

// BroadcastNow pushes a snapshot to every connected client immediately.
func (b *Broadcaster) BroadcastNow() {
	b.hub.Broadcast(b.Snapshot())
}

// Welcome builds the first message a newly connected client receives.
func (b *Broadcaster) Welcome(clientID string) any {
	snap := b.Snapshot()
	snap["type"] = "welcome"
	snap["clientId"] = clientID
	return snap
}

// Snapshot assembles the current status_update payload.
func (b *Broadcaster) Snapshot() map[string]any {
	snap := map[string]any{
		"type":      "status_update",
		"timestamp": b.clk.Now(),
	}

	camera := map[string]any{"connected": false}
	if rec, ok := b.registry.Primary(); ok {
		camera["uuid"] = rec.UUID
		camera["ipAddress"] = rec.IPAddress
		camera["port"] = rec.Port
		camera["modelName"] = rec.ModelName
		camera["status"] = rec.Status
		camera["connected"] = rec.Status == discovery.StatusConnected
	}
	snap["camera"] = camera
	snap["cameras"] = b.registry.Records()

	host := b.sysmon.Status()
	snap["power"] = map[string]any{
		"uptimeSeconds":     host.UptimeSeconds,
		"temperatureC":      host.TemperatureC,
		"memoryUsedPercent": host.MemoryUsedPercent,
	}
	snap["network"] = map[string]any{
		"interfaces": host.Interfaces,
		"clients":    b.hub.CountsByInterface(),
	}

	if client, err := b.cameras.PrimaryClient(); err == nil && client.ConnectionStatus().Connected {
		ctx, cancel := context.WithTimeout(context.Background(), storageProbeTimeout)
		if storage, err := client.StorageInfo(ctx); err == nil {
			snap["storage"] = storage
		}
		if battery, err := client.Battery(ctx); err == nil {
			snap["battery"] = battery
		}
		cancel()
	}

	if session, ok := b.sessions.Active(); ok {
		state, opts, stats := session.Snapshot()
		snap["intervalometer"] = map[string]any{
			"sessionId":           session.ID,
			"title":               opts.Title,
			"state":               state,
			"options":             opts,
			"stats":               stats,
			"averageShotDuration": stats.AverageShotDuration(),
		}
	}
	if u, ok := b.sessions.Unsaved(); ok {
		snap["unsavedSession"] = map[string]any{
			"sessionId": u.SessionID,
			"title":     u.CompletionData.Title,
			"reason":    u.CompletionData.Reason,
		}
	}

	snap["timesync"] = b.tsync.Status()
	return snap
}
