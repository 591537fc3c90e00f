package intervalometer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/PapaMarky/pi-camera-control-sub002/internal/bus"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/ccapi"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/clock"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/errcode"
	"github.com/google/uuid"
)

const component = "intervalometer"

// failureRateMinShots and failureRateThreshold form the abort guard: a
// session with more than five shots taken and a majority failed stops
// with an error rather than burning the night on a broken setup.
const (
	failureRateMinShots  = 5
	failureRateThreshold = 0.5
)

// overtimeTolerance absorbs timer wake-up latency: on the system clock
// every sleep returns slightly after its deadline, and a shot that close
// to nominal is on schedule, not overtime.
const overtimeTolerance = 100 * time.Millisecond

// State is a session's lifecycle state.
type State string

const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateStopped   State = "stopped"
	StateCompleted State = "completed"
	StateError     State = "error"
)

// terminal reports whether s is absorbing.
func (s State) terminal() bool {
	return s == StateStopped || s == StateCompleted || s == StateError
}

// Camera is what a session needs from the camera client.
type Camera interface {
	ConnectionStatus() ccapi.ConnectionStatus
	CameraSettings(ctx context.Context) (map[string]ccapi.Setting, error)
	ValidateInterval(ctx context.Context, seconds float64) (ccapi.IntervalCheck, error)
	TakePhoto(ctx context.Context) error
	WaitForShot(ctx context.Context, deadline time.Duration) ([]string, error)
	PauseInfoPolling()
	ResumeInfoPolling()
	PauseConnectionMonitoring()
	ResumeConnectionMonitoring()
}

// CameraSource resolves the camera on every use. The session never
// caches the returned handle across shots; the primary camera may change
// mid-session.
type CameraSource interface {
	ResolveCamera() (Camera, error)
}

// Publisher is the slice of the event bus sessions publish to.
type Publisher interface {
	Publish(subject string, v any) error
}

// Event is one session lifecycle event. Every event carries a snapshot
// of the session's stats at emission time.
type Event struct {
	Type       string    `json:"type"`
	SessionID  string    `json:"sessionId"`
	Title      string    `json:"title"`
	Timestamp  time.Time `json:"timestamp"`
	ShotNumber int       `json:"shotNumber,omitempty"`
	Filename   string    `json:"filename,omitempty"`
	// OvertimeSeconds is set on photo_overtime events.
	OvertimeSeconds float64 `json:"overtimeSeconds,omitempty"`
	Reason          string  `json:"reason,omitempty"`
	// NeedsUserDecision is set on terminal events when the report
	// auto-save failed and the session is parked for save/discard.
	NeedsUserDecision bool  `json:"needsUserDecision,omitempty"`
	Stats             Stats `json:"stats"`
}

// Completion is everything the report manager needs after a terminal
// transition.
type Completion struct {
	SessionID      string                   `json:"sessionId"`
	Title          string                   `json:"title"`
	State          State                    `json:"state"`
	Options        Options                  `json:"options"`
	Stats          Stats                    `json:"stats"`
	CameraInfo     ccapi.ConnectionStatus   `json:"cameraInfo"`
	CameraSettings map[string]ccapi.Setting `json:"cameraSettings"`
	Reason         string                   `json:"reason"`
}

// Session is one timelapse run. At most one session is in
// running or paused state process-wide; the manager enforces that.
type Session struct {
	ID string

	clk    clock.Clock
	source CameraSource
	pub    Publisher
	logger *slog.Logger

	opts Options

	// onTerminal runs exactly once, after the terminal event's stats are
	// final but before the terminal event is published, so the publisher
	// can flag needsUserDecision on the event itself.
	onTerminal func(Completion) (needsUserDecision bool)

	mu             sync.Mutex
	state          State
	stats          Stats
	reason         string
	totalShots     int
	cameraInfo     ccapi.ConnectionStatus
	cameraSettings map[string]ccapi.Setting

	cancelRun  context.CancelFunc
	waitCancel context.CancelFunc
	resumeCh   chan struct{}
	done       chan struct{}
}

// New creates a session in the created state. onTerminal may be nil.
func New(clk clock.Clock, source CameraSource, pub Publisher, opts Options,
	onTerminal func(Completion) bool) (*Session, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	return &Session{
		ID:         id,
		clk:        clk,
		source:     source,
		pub:        pub,
		logger:     slog.Default().With("component", component, "session", id),
		opts:       opts,
		onTerminal: onTerminal,
		state:      StateCreated,
		done:       make(chan struct{}),
	}, nil
}

// Snapshot returns the session's current state, options, and stats.
func (s *Session) Snapshot() (State, Options, Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.opts, s.stats
}

// Completion returns the terminal payload. Valid only after Done is
// closed.
func (s *Session) Completion() Completion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completionLocked()
}

func (s *Session) completionLocked() Completion {
	return Completion{
		SessionID:      s.ID,
		Title:          s.opts.Title,
		State:          s.state,
		Options:        s.opts,
		Stats:          s.stats,
		CameraInfo:     s.cameraInfo,
		CameraSettings: s.cameraSettings,
		Reason:         s.reason,
	}
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start validates the camera and interval, captures camera info for the
// report, pauses background probes, and arms the scheduler. The first
// shot fires immediately.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateCreated {
		state := s.state
		s.mu.Unlock()
		return errcode.New(errcode.OperationFailed, component, "start",
			fmt.Sprintf("session is %s, not created", state))
	}
	s.mu.Unlock()

	camera, err := s.source.ResolveCamera()
	if err != nil {
		return err
	}
	if status := camera.ConnectionStatus(); !status.Connected {
		return errcode.New(errcode.CameraOffline, component, "start", "camera is not connected")
	}
	check, err := camera.ValidateInterval(ctx, s.opts.Interval)
	if err != nil {
		return err
	}
	if !check.Valid {
		return errcode.New(errcode.ValidationFailed, component, "start", check.Reason)
	}
	settings, err := camera.CameraSettings(ctx)
	if err != nil {
		return err
	}

	camera.PauseInfoPolling()
	camera.PauseConnectionMonitoring()

	runCtx, cancel := context.WithCancel(context.Background())
	start := s.clk.Now()

	s.mu.Lock()
	s.state = StateRunning
	s.cameraInfo = camera.ConnectionStatus()
	s.cameraSettings = settings
	s.stats.StartTime = start
	s.totalShots = s.opts.effectiveTotalShots(start)
	s.cancelRun = cancel
	s.mu.Unlock()

	s.logger.Info("Session started",
		"title", s.opts.Title, "interval", s.opts.Interval, "totalShots", s.totalShots)
	s.emit(Event{Type: "started"})
	go s.run(runCtx)
	return nil
}

// Pause cancels the next scheduled shot. An in-flight shot is not
// affected; it completes and then the scheduler parks.
func (s *Session) Pause() error {
	s.mu.Lock()
	if s.state != StateRunning {
		state := s.state
		s.mu.Unlock()
		return errcode.New(errcode.OperationFailed, component, "pause",
			fmt.Sprintf("session is %s, not running", state))
	}
	s.state = StatePaused
	s.resumeCh = make(chan struct{})
	cancelWait := s.waitCancel
	s.mu.Unlock()

	if cancelWait != nil {
		cancelWait()
	}
	s.logger.Info("Session paused")
	s.emit(Event{Type: "paused"})
	return nil
}

// Resume re-arms the scheduler. A shot whose nominal time passed during
// the pause fires immediately with overtime accounting.
func (s *Session) Resume() error {
	s.mu.Lock()
	if s.state != StatePaused {
		state := s.state
		s.mu.Unlock()
		return errcode.New(errcode.OperationFailed, component, "resume",
			fmt.Sprintf("session is %s, not paused", state))
	}
	s.state = StateRunning
	resumed := s.resumeCh
	s.resumeCh = nil
	s.mu.Unlock()

	close(resumed)
	s.logger.Info("Session resumed")
	s.emit(Event{Type: "resumed"})
	return nil
}

// Stop ends the session. The next timer is cancelled and an in-flight
// shot's completion wait is abandoned; the shutter command already
// dispatched cannot be recalled. Stop returns after the scheduler has
// fully wound down.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return nil
	}
	if s.state == StateCreated {
		s.mu.Unlock()
		s.finish(StateStopped, "Stopped before start")
		return nil
	}
	if s.state == StatePaused {
		// Unpark the scheduler so it can observe the cancellation.
		close(s.resumeCh)
		s.resumeCh = nil
		s.state = StateRunning
	}
	cancel := s.cancelRun
	s.mu.Unlock()

	cancel()
	<-s.done
	return nil
}

// run is the scheduler loop. Shot n (1-indexed) is due at
// startTime + (n-1) x interval; the loop never skips an index and never
// lets drift accumulate, firing late shots immediately with overtime
// accounting.
func (s *Session) run(ctx context.Context) {
	interval := s.opts.interval()
	deadline := ccapi.ShotDeadline(interval)

	for n := 1; ; n++ {
		s.mu.Lock()
		nominal := s.stats.StartTime.Add(time.Duration(n-1) * interval)
		nominalCopy := nominal
		s.stats.NextShotTime = &nominalCopy
		s.mu.Unlock()

		if err := s.waitUntil(ctx, nominal); err != nil {
			s.finish(StateStopped, "Stopped by user")
			return
		}

		overtime := s.clk.Now().Sub(nominal)
		if overtime <= overtimeTolerance {
			overtime = 0
		}
		s.shoot(ctx, n, overtime, deadline)
		if ctx.Err() != nil {
			s.finish(StateStopped, "Stopped by user")
			return
		}

		if done, state, reason := s.checkStopConditions(); done {
			s.finish(state, reason)
			return
		}
	}
}

// waitUntil sleeps to the shot's nominal time, parking while paused. A
// nil return means the shot should fire now.
func (s *Session) waitUntil(ctx context.Context, t time.Time) error {
	for {
		s.mu.Lock()
		if s.state == StatePaused {
			resumed := s.resumeCh
			s.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-resumed:
				continue
			}
		}
		waitCtx, cancel := context.WithCancel(ctx)
		s.waitCancel = cancel
		s.mu.Unlock()

		err := s.clk.SleepUntil(waitCtx, t)
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			// The wait was cancelled by a pause; park and re-arm.
			continue
		}
		return nil
	}
}

// shoot runs the serial per-shot procedure: shutter, completion wait,
// stats update, event emission. A session never has two in-flight shots.
func (s *Session) shoot(ctx context.Context, n int, overtime time.Duration, deadline time.Duration) {
	s.mu.Lock()
	s.stats.CurrentShot = n
	s.mu.Unlock()

	shotStart := s.clk.Now()
	var filename string
	var files []string

	camera, err := s.source.ResolveCamera()
	if err == nil {
		err = camera.TakePhoto(ctx)
	}
	if err == nil {
		files, err = camera.WaitForShot(ctx, deadline)
	}
	duration := s.clk.Now().Sub(shotStart)

	if ctx.Err() != nil && err != nil {
		// Stop abandoned the wait; don't count the aborted shot.
		return
	}

	s.mu.Lock()
	s.stats.ShotsTaken++
	if err != nil {
		s.stats.ShotsFailed++
		s.stats.Errors = append(s.stats.Errors, ShotError{
			ShotNumber: n,
			Error:      err.Error(),
			Timestamp:  s.clk.Now(),
		})
	} else {
		filename = ccapi.CanonicalFilename(files)
		s.stats.ShotsSuccessful++
		s.stats.LastShotDurationSeconds = duration.Seconds()
		s.stats.TotalShotDurationSeconds += duration.Seconds()
		if s.stats.FirstImageName == "" {
			s.stats.FirstImageName = filename
		}
		s.stats.LastImageName = filename
	}
	if overtime > 0 {
		s.stats.OvertimeShots++
		s.stats.TotalOvertimeSeconds += overtime.Seconds()
		if ot := overtime.Seconds(); ot > s.stats.MaxOvertimeSeconds {
			s.stats.MaxOvertimeSeconds = ot
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("Shot failed", "shot", n, "error", err)
		s.emit(Event{Type: "photo_failed", ShotNumber: n, Reason: err.Error()})
	} else {
		s.logger.Info("Shot taken", "shot", n, "filename", filename,
			"duration", duration.Seconds())
		s.emit(Event{Type: "photo_taken", ShotNumber: n, Filename: filename})
	}
	if overtime > 0 {
		s.emit(Event{Type: "photo_overtime", ShotNumber: n, OvertimeSeconds: overtime.Seconds()})
	}
}

// checkStopConditions applies the failure-rate guard and the session's
// stop condition, in that order.
func (s *Session) checkStopConditions() (bool, State, string) {
	s.mu.Lock()
	taken, failed := s.stats.ShotsTaken, s.stats.ShotsFailed
	total := s.totalShots
	s.mu.Unlock()

	if taken > failureRateMinShots &&
		float64(failed)/float64(taken) > failureRateThreshold {
		return true, StateError, "High failure rate detected"
	}
	if total > 0 && taken >= total {
		return true, StateCompleted, "Shot limit reached"
	}
	if s.opts.StopTime != nil && !s.clk.Now().Before(*s.opts.StopTime) {
		return true, StateCompleted, "Stop time reached"
	}
	return false, "", ""
}

// finish performs the terminal transition exactly once: stats are
// closed, background probes resume, the report hook runs, and the
// terminal event is published.
func (s *Session) finish(state State, reason string) {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.reason = reason
	end := s.clk.Now()
	s.stats.EndTime = &end
	s.stats.NextShotTime = nil
	completion := s.completionLocked()
	s.mu.Unlock()

	if camera, err := s.source.ResolveCamera(); err == nil {
		camera.ResumeInfoPolling()
		camera.ResumeConnectionMonitoring()
	}

	needsDecision := false
	if s.onTerminal != nil {
		needsDecision = s.onTerminal(completion)
	}

	s.logger.Info("Session finished", "state", string(state), "reason", reason,
		"shots", completion.Stats.ShotsTaken, "failed", completion.Stats.ShotsFailed)
	s.emit(Event{Type: string(state), Reason: reason, NeedsUserDecision: needsDecision})
	close(s.done)
}

func (s *Session) emit(ev Event) {
	s.mu.Lock()
	ev.SessionID = s.ID
	ev.Title = s.opts.Title
	ev.Timestamp = s.clk.Now()
	ev.Stats = s.stats
	s.mu.Unlock()

	if err := s.pub.Publish(bus.SubjectSessionPrefix+ev.Type, ev); err != nil {
		s.logger.Error("Failed to publish session event", "type", ev.Type, "error", err)
	}
}
