package reports

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/PapaMarky/pi-camera-control-sub002/internal/ccapi"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/errcode"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/intervalometer"
)

var storeEpoch = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

func sampleCompletion() intervalometer.Completion {
	end := storeEpoch.Add(10 * time.Minute)
	return intervalometer.Completion{
		SessionID: "sess-1",
		Title:     "Moonrise",
		State:     intervalometer.StateCompleted,
		Options: intervalometer.Options{
			Interval: 5, StopCondition: intervalometer.StopShots, TotalShots: 120, Title: "Moonrise",
		},
		Stats: intervalometer.Stats{
			StartTime:       storeEpoch,
			EndTime:         &end,
			ShotsTaken:      120,
			ShotsSuccessful: 120,
			CurrentShot:     120,
			FirstImageName:  "IMG_0001.JPG",
			LastImageName:   "IMG_0120.JPG",
		},
		CameraInfo:     ccapi.ConnectionStatus{Connected: true, IP: "192.0.2.10", Port: 443, Model: "EOS R50"},
		CameraSettings: map[string]ccapi.Setting{"tv": {Value: "1/200"}},
		Reason:         "Shot limit reached",
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestStore_SaveReadResaveIsByteIdentical(t *testing.T) {
	s := newTestStore(t)
	report := BuildReport(sampleCompletion(), "", storeEpoch.Add(11*time.Minute))
	if err := s.Save(report); err != nil {
		t.Fatalf("Save: %v", err)
	}

	first, err := os.ReadFile(s.reportPath(report.ID))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}

	reread, err := s.Get(report.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := s.Save(reread); err != nil {
		t.Fatalf("re-Save: %v", err)
	}
	second, err := os.ReadFile(s.reportPath(report.ID))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("save/read/re-save must produce an identical file")
	}
}

func TestStore_ReportInvariants(t *testing.T) {
	report := BuildReport(sampleCompletion(), "", storeEpoch.Add(11*time.Minute))
	if report.EndTime.Before(report.StartTime) {
		t.Error("endTime must be >= startTime")
	}
	if got := report.EndTime.Sub(report.StartTime).Round(time.Second).Seconds(); got != report.Duration {
		t.Errorf("duration = %v, want %v", report.Duration, got)
	}
	if report.Metadata.Version != "2.0" {
		t.Errorf("version = %q, want 2.0", report.Metadata.Version)
	}
	if report.Metadata.CompletionReason != "Shot limit reached" {
		t.Errorf("completionReason = %q", report.Metadata.CompletionReason)
	}
}

func TestStore_UpdateTitleIdempotent(t *testing.T) {
	s := newTestStore(t)
	report := BuildReport(sampleCompletion(), "", storeEpoch)
	if err := s.Save(report); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := s.UpdateTitle(report.ID, "New Title"); err != nil {
		t.Fatalf("UpdateTitle: %v", err)
	}
	after, _ := os.ReadFile(s.reportPath(report.ID))

	if _, err := s.UpdateTitle(report.ID, "New Title"); err != nil {
		t.Fatalf("second UpdateTitle: %v", err)
	}
	again, _ := os.ReadFile(s.reportPath(report.ID))
	if !bytes.Equal(after, again) {
		t.Error("re-applying the same title must leave the file unchanged")
	}

	if _, err := s.UpdateTitle(report.ID, "   "); errcode.CodeOf(err) != errcode.InvalidParameter {
		t.Errorf("whitespace title: %v", err)
	}
	if _, err := s.UpdateTitle("report-missing", "X"); errcode.CodeOf(err) != errcode.SessionNotFound {
		t.Errorf("missing report: %v", err)
	}
}

func TestStore_DeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	report := BuildReport(sampleCompletion(), "", storeEpoch)
	if err := s.Save(report); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Delete(report.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(report.ID); err != nil {
		t.Errorf("deleting a deleted report must succeed: %v", err)
	}
	if err := s.Delete("report-never-existed"); err != nil {
		t.Errorf("deleting a non-existent report must succeed: %v", err)
	}
}

func TestStore_ReadsLegacySchema(t *testing.T) {
	s := newTestStore(t)
	legacy := `{
		"id": "report-legacy",
		"sessionId": "sess-old",
		"title": "Old Capture",
		"startTime": "2025-01-01T00:00:00Z",
		"endTime": "2025-01-01T01:00:00Z",
		"duration": 3600,
		"status": "completed",
		"settings": {"interval": 10, "stopCondition": "shots", "totalShots": 360, "title": "Old Capture"},
		"results": {"startTime": "2025-01-01T00:00:00Z", "shotsTaken": 360, "shotsSuccessful": 360,
			"shotsFailed": 0, "currentShot": 360, "overtimeShots": 0, "totalOvertimeSeconds": 0,
			"maxOvertimeSeconds": 0, "lastShotDurationSeconds": 1, "totalShotDurationSeconds": 360},
		"metadata": {"completionReason": "Shot limit reached", "savedAt": "2025-01-01T01:00:05Z", "version": "1.0"}
	}`
	path := s.reportPath("report-legacy")
	if err := os.WriteFile(path, []byte(legacy), 0o644); err != nil {
		t.Fatalf("write legacy file: %v", err)
	}

	r, err := s.Get("report-legacy")
	if err != nil {
		t.Fatalf("Get legacy: %v", err)
	}
	if r.Intervalometer.Interval != 10 || r.Intervalometer.TotalShots != 360 {
		t.Errorf("legacy settings not migrated: %+v", r.Intervalometer)
	}
	if r.Title != "Old Capture" {
		t.Errorf("title = %q", r.Title)
	}
}

func TestStore_ListSortsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	older := BuildReport(sampleCompletion(), "older", storeEpoch)
	newerCompletion := sampleCompletion()
	newerCompletion.Stats.StartTime = storeEpoch.Add(time.Hour)
	newer := BuildReport(newerCompletion, "newer", storeEpoch.Add(time.Hour))
	for _, r := range []Report{older, newer} {
		if err := s.Save(r); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	// A stray non-report file must not break listing.
	if err := os.WriteFile(filepath.Join(s.root, "reports", "junk.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	list, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("listed %d reports, want 2", len(list))
	}
	if list[0].Title != "newer" {
		t.Errorf("list[0] = %q, want newest first", list[0].Title)
	}
}
