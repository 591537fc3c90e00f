// Package reports persists timelapse session outcomes as JSON files and
// manages the single active session slot, including the unsaved-session
// recovery path after a failed auto-save.
package reports

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/PapaMarky/pi-camera-control-sub002/internal/ccapi"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/intervalometer"
	"github.com/google/uuid"
)

// reportVersion is the current on-disk schema version. Legacy files
// (which carried the session options under "settings") are still
// readable; writers emit only this version.
const reportVersion = "2.0"

// Metadata describes how and when a report was saved.
type Metadata struct {
	CompletionReason string    `json:"completionReason"`
	SavedAt          time.Time `json:"savedAt"`
	Version          string    `json:"version"`
}

// Report is the immutable snapshot of a finished session. Only the
// title may change after the file is written.
type Report struct {
	ID             string                   `json:"id"`
	SessionID      string                   `json:"sessionId"`
	Title          string                   `json:"title"`
	StartTime      time.Time                `json:"startTime"`
	EndTime        time.Time                `json:"endTime"`
	// Duration is endTime - startTime in whole seconds.
	Duration       float64                  `json:"duration"`
	Status         string                   `json:"status"`
	Intervalometer intervalometer.Options   `json:"intervalometer"`
	CameraInfo     ccapi.ConnectionStatus   `json:"cameraInfo"`
	CameraSettings map[string]ccapi.Setting `json:"cameraSettings"`
	Results        intervalometer.Stats     `json:"results"`
	Metadata       Metadata                 `json:"metadata"`
}

// reportWire mirrors Report plus the legacy "settings" key so both
// schema generations decode.
type reportWire struct {
	ID             string                    `json:"id"`
	SessionID      string                    `json:"sessionId"`
	Title          string                    `json:"title"`
	StartTime      time.Time                 `json:"startTime"`
	EndTime        time.Time                 `json:"endTime"`
	Duration       float64                   `json:"duration"`
	Status         string                    `json:"status"`
	Intervalometer *intervalometer.Options   `json:"intervalometer"`
	LegacySettings *intervalometer.Options   `json:"settings"`
	CameraInfo     ccapi.ConnectionStatus    `json:"cameraInfo"`
	CameraSettings map[string]ccapi.Setting  `json:"cameraSettings"`
	Results        intervalometer.Stats      `json:"results"`
	Metadata       Metadata                  `json:"metadata"`
}

// UnmarshalJSON accepts both the current schema and the legacy one that
// stored the session options under "settings". Migration happens on
// read; the next save rewrites the file in the current schema.
func (r *Report) UnmarshalJSON(data []byte) error {
	var wire reportWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	r.ID = wire.ID
	r.SessionID = wire.SessionID
	r.Title = wire.Title
	r.StartTime = wire.StartTime
	r.EndTime = wire.EndTime
	r.Duration = wire.Duration
	r.Status = wire.Status
	r.CameraInfo = wire.CameraInfo
	r.CameraSettings = wire.CameraSettings
	r.Results = wire.Results
	r.Metadata = wire.Metadata
	switch {
	case wire.Intervalometer != nil:
		r.Intervalometer = *wire.Intervalometer
	case wire.LegacySettings != nil:
		r.Intervalometer = *wire.LegacySettings
	}
	return nil
}

// NewReportID returns a fresh report identifier.
func NewReportID() string {
	return "report-" + uuid.NewString()
}

// BuildReport assembles a report from a session's terminal payload.
// title overrides the session title when non-blank.
func BuildReport(c intervalometer.Completion, title string, savedAt time.Time) Report {
	if strings.TrimSpace(title) == "" {
		title = c.Title
	}
	start := c.Stats.StartTime
	end := start
	if c.Stats.EndTime != nil {
		end = *c.Stats.EndTime
	}
	return Report{
		ID:             NewReportID(),
		SessionID:      c.SessionID,
		Title:          title,
		StartTime:      start,
		EndTime:        end,
		Duration:       end.Sub(start).Round(time.Second).Seconds(),
		Status:         string(c.State),
		Intervalometer: c.Options,
		CameraInfo:     c.CameraInfo,
		CameraSettings: c.CameraSettings,
		Results:        c.Stats,
		Metadata: Metadata{
			CompletionReason: c.Reason,
			SavedAt:          savedAt,
			Version:          reportVersion,
		},
	}
}
