package discovery

import (
	"context"
	"log/slog"
	"sync"

	"github.com/PapaMarky/pi-camera-control-sub002/internal/ccapi"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/clock"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/database"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/errcode"
	"github.com/google/uuid"
)

// CameraResolver resolves the primary camera on every use. Consumers
// must call it each time instead of caching the client: the primary can
// change between operations.
type CameraResolver interface {
	PrimaryClient() (*ccapi.Client, error)
}

// Service runs discovery end to end: the SSDP listener feeds the
// registry, and each registered camera gets a CCAPI client whose
// connection state feeds back into the registry.
type Service struct {
	registry *Registry
	ssdp     *SSDP
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[string]*ccapi.Client
	cancels map[string]context.CancelFunc
	ctx     context.Context
}

// NewService creates the discovery service.
func NewService(clk clock.Clock, pub Publisher, db *database.DB) *Service {
	return &Service{
		registry: NewRegistry(clk, pub, db),
		ssdp:     NewSSDP(),
		logger:   slog.Default().With("component", "discovery"),
		clients:  make(map[string]*ccapi.Client),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Registry exposes the camera record store.
func (s *Service) Registry() *Registry { return s.registry }

// Start restores persisted records and begins listening. It returns
// once the listener is running; discovery continues until ctx is
// cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if err := s.registry.Load(ctx); err != nil {
		return err
	}
	// Restored cameras get reconnect attempts straight away.
	for _, rec := range s.registry.Records() {
		s.connect(ctx, rec)
	}

	go func() {
		if err := s.ssdp.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("SSDP listener stopped", "error", err)
		}
	}()
	go s.consume(ctx)
	return nil
}

func (s *Service) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ann := <-s.ssdp.Announcements():
			rec, _ := s.registry.Observe(ann)
			s.connect(ctx, rec)
		}
	}
}

// connect ensures a client exists for rec and probes it. A sighting at
// a new address replaces the old client so in-flight work fails fast and
// retries against the new address.
func (s *Service) connect(ctx context.Context, rec Record) {
	s.mu.Lock()
	existing, ok := s.clients[rec.UUID]
	if ok && existing.ConnectionStatus().IP == rec.IPAddress {
		client := existing
		s.mu.Unlock()
		if !client.ConnectionStatus().Connected {
			go s.probe(ctx, rec.UUID, client)
		}
		return
	}
	if ok {
		s.cancels[rec.UUID]()
	}
	uuidCopy := rec.UUID
	client := ccapi.NewClient(rec.IPAddress, rec.Port, func() {
		s.registry.SetStatus(uuidCopy, StatusOffline)
	})
	monCtx, cancel := context.WithCancel(ctx)
	s.clients[rec.UUID] = client
	s.cancels[rec.UUID] = cancel
	s.mu.Unlock()

	go client.Monitor(monCtx)
	go s.probe(ctx, rec.UUID, client)
}

func (s *Service) probe(ctx context.Context, uuid string, client *ccapi.Client) {
	s.registry.SetStatus(uuid, StatusConnecting)
	if err := client.Connect(ctx); err != nil {
		s.logger.Warn("Camera connect failed", "uuid", uuid, "error", err)
		s.registry.SetStatus(uuid, StatusOffline)
		return
	}
	s.registry.SetStatus(uuid, StatusConnected)
}

// AddManual registers a camera at a known address without waiting for an
// SSDP announcement. The record gets a synthetic uuid until the device
// descriptor is seen.
func (s *Service) AddManual(ctx context.Context, ip string, port int) Record {
	if port == 0 {
		port = defaultCCAPIPort
	}
	rec, _ := s.registry.Observe(Announcement{
		UUID: "manual-" + uuid.NewString(),
		IP:   ip,
		Port: port,
	})
	s.connect(ctx, rec)
	return rec
}

// Scan triggers an immediate SSDP search ahead of the periodic cadence.
func (s *Service) Scan() {
	s.ssdp.Search()
}

// SetPrimary selects the primary camera by uuid.
func (s *Service) SetPrimary(uuid string) error {
	return s.registry.SetPrimary(uuid)
}

// PrimaryClient resolves the current primary camera's client.
func (s *Service) PrimaryClient() (*ccapi.Client, error) {
	rec, ok := s.registry.Primary()
	if !ok {
		return nil, errcode.New(errcode.CameraOffline, "discovery", "primaryClient",
			"no primary camera")
	}
	s.mu.Lock()
	client, ok := s.clients[rec.UUID]
	s.mu.Unlock()
	if !ok {
		return nil, errcode.New(errcode.CameraOffline, "discovery", "primaryClient",
			"primary camera has no client")
	}
	return client, nil
}
