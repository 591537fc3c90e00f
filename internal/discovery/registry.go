package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PapaMarky/pi-camera-control-sub002/internal/bus"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/clock"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/database"
)

// Status is a camera record's lifecycle state.
type Status string

const (
	StatusDiscovered Status = "discovered"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusOffline    Status = "offline"
	StatusError      Status = "error"
)

// primaryFlapTolerance is how long an offline primary keeps its flag
// before demotion, so a transient drop does not churn the primary.
const primaryFlapTolerance = 30 * time.Second

// Record is one discovered camera. The uuid is the stable identity; the
// address may change between sightings of the same device.
type Record struct {
	UUID         string    `json:"uuid"`
	IPAddress    string    `json:"ipAddress"`
	Port         int       `json:"port"`
	ModelName    string    `json:"modelName,omitempty"`
	Status       Status    `json:"status"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Primary      bool      `json:"primary"`
	LastSeenAt   time.Time `json:"lastSeenAt"`
}

// Publisher is the slice of the event bus the registry needs.
type Publisher interface {
	Publish(subject string, v any) error
}

// CameraEvent is the payload for camera lifecycle subjects.
type CameraEvent struct {
	UUID      string `json:"uuid"`
	IPAddress string `json:"ipAddress"`
	Port      int    `json:"port"`
	ModelName string `json:"modelName,omitempty"`
	Status    Status `json:"status"`
}

// IPChangeEvent is the payload for camera.ip_changed.
type IPChangeEvent struct {
	UUID  string `json:"uuid"`
	OldIP string `json:"oldIp"`
	NewIP string `json:"newIp"`
	Port  int    `json:"port"`
}

// Registry owns the camera records. At most one record holds the primary
// flag at a time; promotion and demotion always go through here so the
// invariant cannot be violated by callers.
type Registry struct {
	clk    clock.Clock
	pub    Publisher
	db     *database.DB
	logger *slog.Logger

	mu           sync.Mutex
	records      map[string]*Record
	cancelDemote func()
}

// NewRegistry creates a registry. db may be nil, in which case records
// live only in memory.
func NewRegistry(clk clock.Clock, pub Publisher, db *database.DB) *Registry {
	return &Registry{
		clk:     clk,
		pub:     pub,
		db:      db,
		logger:  slog.Default().With("component", "camera-registry"),
		records: make(map[string]*Record),
	}
}

// Load restores persisted records. Restored cameras start offline and
// unflagged; they are re-promoted once a live connection is made.
func (r *Registry) Load(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	rows, err := r.db.QueryContext(ctx,
		"SELECT uuid, ip_address, port, model_name, capabilities, last_seen_at FROM cameras")
	if err != nil {
		return fmt.Errorf("load camera registry: %w", err)
	}
	defer rows.Close()

	r.mu.Lock()
	defer r.mu.Unlock()
	for rows.Next() {
		var rec Record
		var model, caps string
		var lastSeen int64
		if err := rows.Scan(&rec.UUID, &rec.IPAddress, &rec.Port, &model, &caps, &lastSeen); err != nil {
			return err
		}
		rec.ModelName = model
		if caps != "" {
			rec.Capabilities = strings.Split(caps, ",")
		}
		rec.LastSeenAt = time.Unix(lastSeen, 0)
		rec.Status = StatusOffline
		r.records[rec.UUID] = &rec
	}
	if err := rows.Err(); err != nil {
		return err
	}
	r.logger.Info("Camera registry loaded", "cameras", len(r.records))
	return nil
}

// Observe folds an SSDP sighting (or manual add) into the registry. It
// returns the record and whether it is newly created. An existing uuid
// seen at a new address keeps its record; camera.ip_changed is emitted
// so dependents rebind without losing identity.
func (r *Registry) Observe(ann Announcement) (Record, bool) {
	r.mu.Lock()
	rec, exists := r.records[ann.UUID]
	now := r.clk.Now()
	var ipChanged string
	if !exists {
		rec = &Record{
			UUID:         ann.UUID,
			IPAddress:    ann.IP,
			Port:         ann.Port,
			ModelName:    ann.ModelName,
			Status:       StatusDiscovered,
			Capabilities: ann.Services,
		}
		r.records[ann.UUID] = rec
	} else if rec.IPAddress != ann.IP {
		ipChanged = rec.IPAddress
		rec.IPAddress = ann.IP
		rec.Port = ann.Port
	}
	if ann.ModelName != "" {
		rec.ModelName = ann.ModelName
	}
	if len(ann.Services) > 0 {
		rec.Capabilities = ann.Services
	}
	rec.LastSeenAt = now
	snapshot := *rec
	r.mu.Unlock()

	r.persist(snapshot)
	if !exists {
		r.logger.Info("Camera discovered", "uuid", snapshot.UUID, "ip", snapshot.IPAddress)
		r.publish(bus.SubjectCameraDiscovered, snapshot)
	}
	if ipChanged != "" {
		r.logger.Info("Camera IP changed",
			"uuid", snapshot.UUID, "old", ipChanged, "new", snapshot.IPAddress)
		_ = r.pub.Publish(bus.SubjectCameraIPChanged, IPChangeEvent{
			UUID:  snapshot.UUID,
			OldIP: ipChanged,
			NewIP: snapshot.IPAddress,
			Port:  snapshot.Port,
		})
	}
	return snapshot, !exists
}

// SetStatus updates a record's lifecycle state and applies the primary
// policy: a camera that becomes connected is promoted when no primary
// exists; a primary that goes offline is demoted only after the flap
// tolerance elapses without recovery.
func (r *Registry) SetStatus(uuid string, status Status) {
	r.mu.Lock()
	rec, ok := r.records[uuid]
	if !ok || rec.Status == status {
		r.mu.Unlock()
		return
	}
	rec.Status = status
	snapshot := *rec

	var promote bool
	switch status {
	case StatusConnected:
		if rec.Primary && r.cancelDemote != nil {
			// The primary came back within the flap window.
			r.cancelDemote()
			r.cancelDemote = nil
		}
		promote = r.primaryLocked() == nil
	case StatusOffline, StatusError:
		if rec.Primary && r.cancelDemote == nil {
			uuidCopy := uuid
			r.cancelDemote = clock.AfterFunc(r.clk, primaryFlapTolerance,
				func() { r.demoteIfStillOffline(uuidCopy) })
		}
	}
	r.mu.Unlock()

	r.persist(snapshot)
	switch status {
	case StatusConnected:
		r.publish(bus.SubjectCameraConnected, snapshot)
	case StatusOffline:
		r.publish(bus.SubjectCameraOffline, snapshot)
	case StatusError:
		r.publish(bus.SubjectCameraError, snapshot)
	}
	if promote {
		r.SetPrimary(uuid)
	}
}

// SetPrimary flags uuid as the primary camera, clearing any previous
// holder. Manual selection through the API lands here too.
func (r *Registry) SetPrimary(uuid string) error {
	r.mu.Lock()
	rec, ok := r.records[uuid]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown camera %q", uuid)
	}
	if rec.Primary {
		r.mu.Unlock()
		return nil
	}
	for _, other := range r.records {
		other.Primary = false
	}
	rec.Primary = true
	if r.cancelDemote != nil {
		r.cancelDemote()
		r.cancelDemote = nil
	}
	snapshot := *rec
	r.mu.Unlock()

	r.persist(snapshot)
	r.logger.Info("Primary camera changed", "uuid", snapshot.UUID, "ip", snapshot.IPAddress)
	r.publish(bus.SubjectPrimaryChanged, snapshot)
	return nil
}

// demoteIfStillOffline runs when the flap tolerance expires. If the
// primary has not recovered it loses the flag and the healthiest
// remaining camera, if any, is promoted.
func (r *Registry) demoteIfStillOffline(uuid string) {
	r.mu.Lock()
	r.cancelDemote = nil
	rec, ok := r.records[uuid]
	if !ok || !rec.Primary || rec.Status == StatusConnected {
		r.mu.Unlock()
		return
	}
	rec.Primary = false
	snapshot := *rec
	next := r.nextHealthiestLocked()
	r.mu.Unlock()

	r.persist(snapshot)
	r.logger.Warn("Primary camera disconnected", "uuid", snapshot.UUID)
	r.publish(bus.SubjectPrimaryDisconnected, snapshot)
	if next != "" {
		_ = r.SetPrimary(next)
	}
}

// nextHealthiestLocked picks the best non-primary candidate: connected
// beats discovered, and more recently seen wins ties.
func (r *Registry) nextHealthiestLocked() string {
	var candidates []*Record
	for _, rec := range r.records {
		if rec.Status == StatusConnected || rec.Status == StatusDiscovered {
			candidates = append(candidates, rec)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		if (ci.Status == StatusConnected) != (cj.Status == StatusConnected) {
			return ci.Status == StatusConnected
		}
		return ci.LastSeenAt.After(cj.LastSeenAt)
	})
	return candidates[0].UUID
}

// Primary returns the current primary record, if any. Callers must not
// cache the result; the primary can change between calls.
func (r *Registry) Primary() (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec := r.primaryLocked(); rec != nil {
		return *rec, true
	}
	return Record{}, false
}

func (r *Registry) primaryLocked() *Record {
	for _, rec := range r.records {
		if rec.Primary {
			return rec
		}
	}
	return nil
}

// Get returns one record by uuid.
func (r *Registry) Get(uuid string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[uuid]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Records returns all records sorted by uuid for stable output.
func (r *Registry) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

func (r *Registry) publish(subject string, rec Record) {
	if err := r.pub.Publish(subject, CameraEvent{
		UUID:      rec.UUID,
		IPAddress: rec.IPAddress,
		Port:      rec.Port,
		ModelName: rec.ModelName,
		Status:    rec.Status,
	}); err != nil {
		r.logger.Error("Failed to publish camera event", "subject", subject, "error", err)
	}
}

func (r *Registry) persist(rec Record) {
	if r.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cameras (uuid, ip_address, port, model_name, status, capabilities, is_primary, last_seen_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, strftime('%s','now'), strftime('%s','now'))
		ON CONFLICT(uuid) DO UPDATE SET
			ip_address = excluded.ip_address,
			port = excluded.port,
			model_name = excluded.model_name,
			status = excluded.status,
			capabilities = excluded.capabilities,
			is_primary = excluded.is_primary,
			last_seen_at = excluded.last_seen_at,
			updated_at = excluded.updated_at`,
		rec.UUID, rec.IPAddress, rec.Port, rec.ModelName, string(rec.Status),
		strings.Join(rec.Capabilities, ","), boolInt(rec.Primary), rec.LastSeenAt.Unix())
	if err != nil {
		r.logger.Error("Failed to persist camera record", "uuid", rec.UUID, "error", err)
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
