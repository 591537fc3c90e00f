package reports

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/PapaMarky/pi-camera-control-sub002/internal/bus"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/clock"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/errcode"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/intervalometer"
)

const managerComponent = "session-manager"

// Publisher is the slice of the event bus the manager needs.
type Publisher interface {
	Publish(subject string, v any) error
}

// UnsavedFoundEvent announces a parked session discovered at boot.
type UnsavedFoundEvent struct {
	SessionID string `json:"sessionId"`
	Title     string `json:"title"`
	Reason    string `json:"reason"`
}

// Manager owns the single active session slot and terminal-state
// persistence. On any terminal transition it stages the completion
// payload in the unsaved-session slot first, then attempts the report
// save; a failed save leaves the parked payload for the user to decide.
type Manager struct {
	clk    clock.Clock
	source intervalometer.CameraSource
	pub    Publisher
	store  *Store
	logger *slog.Logger

	mu      sync.Mutex
	active  *intervalometer.Session
	unsaved *UnsavedSession
}

// NewManager creates the session/report manager.
func NewManager(clk clock.Clock, source intervalometer.CameraSource, pub Publisher, store *Store) *Manager {
	return &Manager{
		clk:    clk,
		source: source,
		pub:    pub,
		store:  store,
		logger: slog.Default().With("component", managerComponent),
	}
}

// Start performs boot-time recovery: if an unsaved session survives from
// a previous run, it is surfaced so the UI can offer save/discard.
func (m *Manager) Start(context.Context) error {
	u, found, err := m.store.ReadUnsaved()
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	m.mu.Lock()
	m.unsaved = &u
	m.mu.Unlock()

	m.logger.Info("Unsaved session found from previous run",
		"session", u.SessionID, "title", u.CompletionData.Title)
	_ = m.pub.Publish(bus.SubjectUnsavedSessionFound, UnsavedFoundEvent{
		SessionID: u.SessionID,
		Title:     u.CompletionData.Title,
		Reason:    u.CompletionData.Reason,
	})
	return nil
}

// CreateAndStart creates a session and starts it. Fails while another
// session is running or paused.
func (m *Manager) CreateAndStart(ctx context.Context, opts intervalometer.Options) (*intervalometer.Session, error) {
	m.mu.Lock()
	if m.active != nil {
		state, _, _ := m.active.Snapshot()
		if state == intervalometer.StateRunning || state == intervalometer.StatePaused {
			m.mu.Unlock()
			return nil, errcode.New(errcode.OperationFailed, managerComponent, "createSession",
				fmt.Sprintf("a session is already %s", state))
		}
	}
	m.mu.Unlock()

	session, err := intervalometer.New(m.clk, m.source, m.pub, opts, m.handleTerminal)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.active = session
	m.mu.Unlock()

	if err := session.Start(ctx); err != nil {
		m.mu.Lock()
		if m.active == session {
			m.active = nil
		}
		m.mu.Unlock()
		return nil, err
	}
	return session, nil
}

// Active returns the session currently occupying the slot, terminal or
// not, and whether one exists.
func (m *Manager) Active() (*intervalometer.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, m.active != nil
}

// StopActive stops the active session if one is running or paused.
func (m *Manager) StopActive() error {
	session, ok := m.Active()
	if !ok {
		return errcode.New(errcode.OperationFailed, managerComponent, "stopSession",
			"no active session")
	}
	return session.Stop()
}

// handleTerminal runs on the session goroutine at terminal transition.
// The completion payload is parked in the unsaved slot before the save
// attempt so the auto-save always has a payload, even if it races a
// crash. The return value flags whether the user must decide.
func (m *Manager) handleTerminal(c intervalometer.Completion) bool {
	u := UnsavedSession{
		SessionID:      c.SessionID,
		CompletionData: c,
		RecordedAt:     m.clk.Now(),
	}
	m.mu.Lock()
	m.unsaved = &u
	m.mu.Unlock()
	if err := m.store.WriteUnsaved(u); err != nil {
		m.logger.Error("Failed to park unsaved session", "session", c.SessionID, "error", err)
	}

	report := BuildReport(c, "", m.clk.Now())
	if err := m.store.Save(report); err != nil {
		m.logger.Error("Report auto-save failed; awaiting user decision",
			"session", c.SessionID, "error", err)
		return true
	}

	m.clearUnsaved(c.SessionID)
	_ = m.pub.Publish(bus.SubjectReportSaved, report)
	return false
}

// SaveSessionReport saves the parked session as a report, optionally
// overriding its title, and clears the unsaved slot.
func (m *Manager) SaveSessionReport(sessionID, title string) (Report, error) {
	m.mu.Lock()
	u := m.unsaved
	m.mu.Unlock()
	if u == nil || u.SessionID != sessionID {
		return Report{}, errcode.New(errcode.SessionNotFound, managerComponent, "saveSessionReport",
			fmt.Sprintf("no unsaved session %q", sessionID))
	}

	report := BuildReport(u.CompletionData, title, m.clk.Now())
	if err := m.store.Save(report); err != nil {
		return Report{}, err
	}
	m.clearUnsaved(sessionID)
	_ = m.pub.Publish(bus.SubjectReportSaved, report)
	return report, nil
}

// DiscardSession drops the parked session without saving a report.
func (m *Manager) DiscardSession(sessionID string) error {
	m.mu.Lock()
	u := m.unsaved
	m.mu.Unlock()
	if u == nil || u.SessionID != sessionID {
		return errcode.New(errcode.SessionNotFound, managerComponent, "discardSession",
			fmt.Sprintf("no unsaved session %q", sessionID))
	}
	m.clearUnsaved(sessionID)
	m.logger.Info("Unsaved session discarded", "session", sessionID)
	_ = m.pub.Publish(bus.SubjectSessionDiscarded, map[string]string{"sessionId": sessionID})
	return nil
}

// Unsaved returns the parked session awaiting a decision, if any.
func (m *Manager) Unsaved() (UnsavedSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsaved == nil {
		return UnsavedSession{}, false
	}
	return *m.unsaved, true
}

// Reports exposes the underlying store for read/update/delete.
func (m *Manager) Reports() *Store { return m.store }

func (m *Manager) clearUnsaved(sessionID string) {
	m.mu.Lock()
	if m.unsaved != nil && m.unsaved.SessionID == sessionID {
		m.unsaved = nil
	}
	m.mu.Unlock()
	if err := m.store.ClearUnsaved(); err != nil {
		m.logger.Warn("Failed to clear unsaved session file", "error", err)
	}
}
