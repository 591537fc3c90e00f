package timesync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/PapaMarky/pi-camera-control-sub002/internal/bus"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/clock"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/errcode"
	"github.com/google/uuid"
)

const serviceComponent = "timesync"

// driftGate is the threshold below which clocks are left alone. Steps
// smaller than this are within the noise of a browser round trip.
const driftGate = time.Second

// Interface names for connected clients. Access-point clients outrank
// Wi-Fi-client-mode clients as time sources.
const (
	InterfaceAP   = "ap"
	InterfaceWLAN = "wlan"
)

// TimeClient is a connected browser client able to answer a time
// request over its WebSocket.
type TimeClient interface {
	ID() string
	Address() string
	Interface() string
	RequestTime(requestID string) error
}

// ClientDirectory is the live set of connected clients, owned by the
// broadcast fabric.
type ClientDirectory interface {
	Client(id string) (TimeClient, bool)
	ClientsOn(iface string) []TimeClient
}

// CameraClock is the slice of the camera client used for clock work.
type CameraClock interface {
	CameraDateTime(ctx context.Context) (time.Time, error)
	SetCameraDateTime(ctx context.Context, t time.Time) error
}

// CameraClockSource resolves the primary camera's clock on every use.
type CameraClockSource interface {
	ResolveCameraClock() (CameraClock, error)
}

// Publisher is the slice of the event bus the service needs.
type Publisher interface {
	Publish(subject string, v any) error
}

// ActivityEvent is a human-readable time-sync activity line for the UI.
type ActivityEvent struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Service coordinates host clock, camera clock, and browser clients. It
// is the only writer of the proxy state.
type Service struct {
	clk     clock.Clock
	host    HostClock
	dir     ClientDirectory
	cameras CameraClockSource
	pub     Publisher
	logger  *slog.Logger

	mu              sync.Mutex
	state           *ProxyState
	currentClientID string
	cancelResync    func()
}

// NewService creates the time-sync service.
func NewService(clk clock.Clock, host HostClock, dir ClientDirectory,
	cameras CameraClockSource, pub Publisher) *Service {
	return &Service{
		clk:     clk,
		host:    host,
		dir:     dir,
		cameras: cameras,
		pub:     pub,
		logger:  slog.Default().With("component", serviceComponent),
		state:   NewProxyState(clk),
	}
}

// Stop cancels the resync timer.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancelResync
	s.cancelResync = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Status expires a stale state and returns the current snapshot.
func (s *Service) Status() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Expire()
	return s.state.Snapshot()
}

func stateFor(iface string) State {
	if iface == InterfaceAP {
		return StateAPClient
	}
	return StateWLANClient
}

// HandleClientConnected applies the connection rules: an existing
// ap-client state ignores new ap clients outright, and a still-valid
// state ignores lower-or-equal-priority wlan arrivals. Anything else
// adopts the new client optimistically.
func (s *Service) HandleClientConnected(c TimeClient) {
	iface := c.Interface()
	s.mu.Lock()
	st := s.state.State()
	valid := s.state.IsValid()
	switch {
	case iface == InterfaceAP && st == StateAPClient:
		s.mu.Unlock()
		s.logger.Debug("Ignoring ap client; ap proxy already held", "client", c.ID())
		return
	case iface == InterfaceWLAN && st == StateAPClient && valid:
		s.mu.Unlock()
		s.logger.Debug("Ignoring wlan client; valid ap proxy outranks it", "client", c.ID())
		return
	case iface == InterfaceWLAN && st == StateWLANClient && valid:
		s.mu.Unlock()
		return
	}
	s.adoptLocked(c)
	s.mu.Unlock()
	s.requestTime(c)
}

// adoptLocked switches the proxy state to c and arms the resync timer.
func (s *Service) adoptLocked(c TimeClient) {
	s.state.UpdateState(stateFor(c.Interface()), c.Address())
	s.currentClientID = c.ID()
	s.restartResyncLocked()
	s.logger.Info("Time proxy state updated",
		"state", string(s.state.State()), "client", c.Address())
}

func (s *Service) restartResyncLocked() {
	if s.cancelResync != nil {
		s.cancelResync()
	}
	interval := s.state.RecommendedResyncInterval()
	s.cancelResync = clock.AfterFunc(s.clk, interval, s.resync)
}

func (s *Service) requestTime(c TimeClient) {
	requestID := uuid.NewString()
	if err := c.RequestTime(requestID); err != nil {
		s.logger.Warn("Time request failed", "client", c.ID(), "error", err)
	}
}

// HandleTimeResponse processes a client's {clientTime, timezone} answer.
// Drift beyond the gate steps the host clock; the sync is recorded and
// acquiredAt refreshed to the actual sync moment. A connected camera is
// then synced from the now-fresh host clock.
func (s *Service) HandleTimeResponse(ctx context.Context, clientID string, clientTime time.Time, timezone string) error {
	hostNow := s.clk.Now()
	drift := hostNow.Sub(clientTime)

	if drift.Abs() > driftGate {
		if err := s.host.SetSystemTime(ctx, clientTime); err != nil {
			s.logger.Error("Failed to set host clock", "error", err)
			s.activity("error", fmt.Sprintf("Failed to set system time: %v", err))
			return err
		}
		if timezone != "" {
			if err := s.host.SetTimezone(ctx, timezone); err != nil {
				s.logger.Warn("Failed to set timezone", "timezone", timezone, "error", err)
			}
		}
		s.activity("info", fmt.Sprintf("System time adjusted by %.1fs from client", drift.Seconds()))
	}

	s.mu.Lock()
	s.state.RecordSync(float64(drift.Milliseconds()))
	s.state.Touch()
	if clientID != "" {
		s.currentClientID = clientID
	}
	snapshot := s.state.Snapshot()
	s.mu.Unlock()

	_ = s.pub.Publish(bus.SubjectTimeSyncStatus, snapshot)

	if err := s.syncCameraFromHost(ctx); err != nil &&
		errcode.CodeOf(err) != errcode.CameraOffline {
		s.logger.Warn("Camera clock sync failed", "error", err)
	}
	return nil
}

// resync fires on the resync timer and walks the failover cascade.
func (s *Service) resync() {
	s.mu.Lock()
	st := s.state.State()
	curID := s.currentClientID
	s.mu.Unlock()
	if st == StateNone {
		return
	}
	iface := InterfaceWLAN
	if st == StateAPClient {
		iface = InterfaceAP
	}

	// 1. The original client is still here: refresh from it.
	if c, ok := s.dir.Client(curID); ok && c.Interface() == iface {
		s.mu.Lock()
		s.restartResyncLocked()
		s.mu.Unlock()
		s.requestTime(c)
		return
	}
	// 2. Another client on the same interface: fresh adoption.
	if others := s.dir.ClientsOn(iface); len(others) > 0 {
		s.adopt(others[0])
		return
	}
	// 3. ap state but only wlan clients remain: fail over down.
	if st == StateAPClient {
		if others := s.dir.ClientsOn(InterfaceWLAN); len(others) > 0 {
			s.adopt(others[0])
			return
		}
	}
	// 4. wlan state and an ap client appeared: switch up.
	if st == StateWLANClient {
		if others := s.dir.ClientsOn(InterfaceAP); len(others) > 0 {
			s.adopt(others[0])
			return
		}
	}
	// 5. Nobody to ask. Stop the timer; the state expires on its own.
	s.mu.Lock()
	if s.cancelResync != nil {
		s.cancelResync()
		s.cancelResync = nil
	}
	s.mu.Unlock()
	s.logger.Info("No clients available for resync; letting proxy state age out")
}

func (s *Service) adopt(c TimeClient) {
	s.mu.Lock()
	s.adoptLocked(c)
	s.mu.Unlock()
	s.requestTime(c)
}

// HandleCameraConnected runs the camera-connection time policy. With a
// client available, the client is asked for fresh time and the camera
// follows via the response path. With a valid proxy state, the camera
// is set from the host. With neither, the host borrows the camera's RTC
// and the proxy state stays none.
func (s *Service) HandleCameraConnected(ctx context.Context) {
	if c := s.anyClient(); c != nil {
		s.requestTime(c)
		return
	}

	s.mu.Lock()
	s.state.Expire()
	valid := s.state.IsValid()
	s.mu.Unlock()

	if valid {
		if err := s.syncCameraFromHost(ctx); err != nil {
			s.logger.Warn("Camera clock sync failed", "error", err)
		}
		return
	}

	cam, err := s.cameras.ResolveCameraClock()
	if err != nil {
		return
	}
	camTime, err := cam.CameraDateTime(ctx)
	if err != nil {
		s.logger.Warn("Failed to read camera clock", "error", err)
		return
	}
	drift := camTime.Sub(s.clk.Now())
	if drift.Abs() <= driftGate {
		return
	}
	if err := s.host.SetSystemTime(ctx, camTime); err != nil {
		s.logger.Error("Failed to borrow camera time", "error", err)
		s.activity("error", fmt.Sprintf("Failed to set system time from camera: %v", err))
		return
	}
	s.activity("info", fmt.Sprintf("System time set from camera clock (%.1fs adjustment)", drift.Seconds()))
	// The host is not acting as a proxy, merely borrowing the camera's
	// RTC; the state stays none.
}

// syncCameraFromHost pushes the host clock to the camera when the host
// is a valid proxy and the camera has drifted past the gate.
func (s *Service) syncCameraFromHost(ctx context.Context) error {
	s.mu.Lock()
	valid := s.state.IsValid()
	s.mu.Unlock()
	if !valid {
		return nil
	}
	cam, err := s.cameras.ResolveCameraClock()
	if err != nil {
		return err
	}
	camTime, err := cam.CameraDateTime(ctx)
	if err != nil {
		return err
	}
	hostNow := s.clk.Now()
	if camTime.Sub(hostNow).Abs() <= driftGate {
		return nil
	}
	if err := cam.SetCameraDateTime(ctx, hostNow); err != nil {
		return err
	}
	s.activity("info", fmt.Sprintf("Camera clock adjusted by %.1fs", camTime.Sub(hostNow).Seconds()))
	return nil
}

func (s *Service) anyClient() TimeClient {
	if clients := s.dir.ClientsOn(InterfaceAP); len(clients) > 0 {
		return clients[0]
	}
	if clients := s.dir.ClientsOn(InterfaceWLAN); len(clients) > 0 {
		return clients[0]
	}
	return nil
}

func (s *Service) activity(level, message string) {
	_ = s.pub.Publish(bus.SubjectActivityLog, ActivityEvent{
		Level:     level,
		Message:   message,
		Timestamp: s.clk.Now(),
	})
}
