package reports

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/PapaMarky/pi-camera-control-sub002/internal/errcode"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/intervalometer"
	"github.com/google/renameio/v2"
)

const storeComponent = "report-store"

// UnsavedSession is the parked terminal payload awaiting a user
// save/discard decision, persisted so it survives restarts.
type UnsavedSession struct {
	SessionID      string                     `json:"sessionId"`
	CompletionData intervalometer.Completion  `json:"completionData"`
	RecordedAt     time.Time                  `json:"recordedAt"`
}

// Store is the on-disk report library:
//
//	<root>/reports/<reportId>.json   one file per report
//	<root>/unsaved-session.json      zero or one parked session
//
// Writes go through an atomic rename so a crash mid-write never leaves a
// truncated report behind.
type Store struct {
	root   string
	logger *slog.Logger
}

// NewStore creates the store rooted at dataDir/timelapse-reports.
func NewStore(dataDir string) (*Store, error) {
	root := filepath.Join(dataDir, "timelapse-reports")
	if err := os.MkdirAll(filepath.Join(root, "reports"), 0o755); err != nil {
		return nil, fmt.Errorf("create report directory: %w", err)
	}
	return &Store{
		root:   root,
		logger: slog.Default().With("component", storeComponent),
	}, nil
}

func (s *Store) reportPath(id string) string {
	return filepath.Join(s.root, "reports", id+".json")
}

func (s *Store) unsavedPath() string {
	return filepath.Join(s.root, "unsaved-session.json")
}

// Save writes one report. The filename is the report id.
func (s *Store) Save(r Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errcode.Wrap(errcode.OperationFailed, storeComponent, "saveReport", err)
	}
	if err := renameio.WriteFile(s.reportPath(r.ID), data, 0o644); err != nil {
		return errcode.Wrap(errcode.OperationFailed, storeComponent, "saveReport", err)
	}
	s.logger.Info("Report saved", "id", r.ID, "title", r.Title)
	return nil
}

// Get reads one report by id.
func (s *Store) Get(id string) (Report, error) {
	data, err := os.ReadFile(s.reportPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Report{}, errcode.New(errcode.SessionNotFound, storeComponent, "getReport",
				fmt.Sprintf("report %q not found", id))
		}
		return Report{}, errcode.Wrap(errcode.OperationFailed, storeComponent, "getReport", err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return Report{}, errcode.Wrap(errcode.OperationFailed, storeComponent, "getReport", err)
	}
	return r, nil
}

// List returns all reports, newest start time first. Unreadable files
// are logged and skipped rather than failing the whole listing.
func (s *Store) List() ([]Report, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "reports"))
	if err != nil {
		return nil, errcode.Wrap(errcode.OperationFailed, storeComponent, "listReports", err)
	}
	var out []Report
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		r, err := s.Get(id)
		if err != nil {
			s.logger.Warn("Skipping unreadable report", "file", entry.Name(), "error", err)
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out, nil
}

// Delete removes a report. Deleting a report that does not exist
// succeeds; delete is idempotent.
func (s *Store) Delete(id string) error {
	err := os.Remove(s.reportPath(id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errcode.Wrap(errcode.OperationFailed, storeComponent, "deleteReport", err)
	}
	if err == nil {
		s.logger.Info("Report deleted", "id", id)
	}
	return nil
}

// UpdateTitle changes the only mutable field of a saved report. savedAt
// is preserved so re-applying the same title leaves the file unchanged.
func (s *Store) UpdateTitle(id, title string) (Report, error) {
	if strings.TrimSpace(title) == "" {
		return Report{}, errcode.New(errcode.InvalidParameter, storeComponent, "updateReportTitle",
			"title must not be empty")
	}
	r, err := s.Get(id)
	if err != nil {
		return Report{}, err
	}
	if r.Title == title {
		return r, nil
	}
	r.Title = title
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return Report{}, errcode.Wrap(errcode.OperationFailed, storeComponent, "updateReportTitle", err)
	}
	if err := renameio.WriteFile(s.reportPath(id), data, 0o644); err != nil {
		return Report{}, errcode.Wrap(errcode.OperationFailed, storeComponent, "updateReportTitle", err)
	}
	s.logger.Info("Report title updated", "id", id, "title", title)
	return r, nil
}

// WriteUnsaved parks a terminal session payload for a later user
// decision.
func (s *Store) WriteUnsaved(u UnsavedSession) error {
	data, err := json.MarshalIndent(u, "", "  ")
	if err != nil {
		return errcode.Wrap(errcode.OperationFailed, storeComponent, "writeUnsavedSession", err)
	}
	if err := renameio.WriteFile(s.unsavedPath(), data, 0o644); err != nil {
		return errcode.Wrap(errcode.OperationFailed, storeComponent, "writeUnsavedSession", err)
	}
	return nil
}

// ReadUnsaved returns the parked session, if one exists.
func (s *Store) ReadUnsaved() (UnsavedSession, bool, error) {
	data, err := os.ReadFile(s.unsavedPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return UnsavedSession{}, false, nil
		}
		return UnsavedSession{}, false, errcode.Wrap(errcode.OperationFailed, storeComponent,
			"readUnsavedSession", err)
	}
	var u UnsavedSession
	if err := json.Unmarshal(data, &u); err != nil {
		return UnsavedSession{}, false, errcode.Wrap(errcode.OperationFailed, storeComponent,
			"readUnsavedSession", err)
	}
	return u, true, nil
}

// ClearUnsaved removes the parked session file; idempotent.
func (s *Store) ClearUnsaved() error {
	err := os.Remove(s.unsavedPath())
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errcode.Wrap(errcode.OperationFailed, storeComponent, "clearUnsavedSession", err)
	}
	return nil
}
