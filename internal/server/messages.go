package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/PapaMarky/pi-camera-control-sub002/internal/clock"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/discovery"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/errcode"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/intervalometer"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/reports"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/timesync"
)

// cameraOpTimeout bounds camera round trips triggered by client
// messages.
const cameraOpTimeout = 30 * time.Second

// Dispatcher routes inbound WebSocket messages to the subsystems and
// writes the reply onto the sending client's connection. Broadcasts
// (session events, status updates) travel separately via the hub.
type Dispatcher struct {
	clk      clock.Clock
	cameras  discovery.CameraResolver
	sessions *reports.Manager
	tsync    *timesync.Service
	status   func() any
	logger   *slog.Logger
}

// NewDispatcher creates the WebSocket message dispatcher. status
// provides the current status_update payload for get_status replies.
func NewDispatcher(clk clock.Clock, cameras discovery.CameraResolver,
	sessions *reports.Manager, tsync *timesync.Service, status func() any) *Dispatcher {
	return &Dispatcher{
		clk:      clk,
		cameras:  cameras,
		sessions: sessions,
		tsync:    tsync,
		status:   status,
		logger:   slog.Default().With("component", "ws-dispatch"),
	}
}

type inboundMessage struct {
	Type string `json:"type"`
}

type startPayload struct {
	Interval      float64 `json:"interval"`
	Shots         int     `json:"shots"`
	StopTime      string  `json:"stopTime"`
	StopCondition string  `json:"stopCondition"`
	Title         string  `json:"title"`
}

type reportPayload struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type sessionPayload struct {
	SessionID string `json:"sessionId"`
	Title     string `json:"title"`
}

type timeResponsePayload struct {
	RequestID  string `json:"requestId"`
	ClientTime string `json:"clientTime"`
	Timezone   string `json:"timezone"`
}

// Handle dispatches one inbound message from c. Errors are sent back to
// the same client as error envelopes; they never fan out.
func (d *Dispatcher) Handle(c *Client, data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError(errcode.New(errcode.InvalidParameter, "ws-dispatch", "handleMessage",
			"message is not valid JSON"))
		return
	}

	switch msg.Type {
	case "ping":
		_ = c.sendJSON(map[string]any{"type": "pong", "timestamp": d.clk.Now()})

	case "get_status":
		_ = c.sendJSON(d.status())

	case "take_photo":
		d.takePhoto(c)

	case "get_camera_settings":
		d.cameraSettings(c)

	case "validate_interval":
		d.validateInterval(c, data)

	case "start_intervalometer", "start_intervalometer_with_title":
		d.startSession(c, data)

	case "pause_intervalometer":
		d.controlSession(c, (*intervalometer.Session).Pause)

	case "resume_intervalometer":
		d.controlSession(c, (*intervalometer.Session).Resume)

	case "stop_intervalometer":
		if err := d.sessions.StopActive(); err != nil {
			c.sendError(err)
		}

	case "get_timelapse_reports":
		d.listReports(c)

	case "get_timelapse_report":
		d.getReport(c, data)

	case "update_report_title":
		d.updateReportTitle(c, data)

	case "delete_timelapse_report":
		d.deleteReport(c, data)

	case "save_session_as_report":
		d.saveSession(c, data)

	case "discard_session":
		d.discardSession(c, data)

	case "get_unsaved_session":
		d.unsavedSession(c)

	case "time-sync-response":
		d.timeResponse(c, data)

	default:
		c.sendError(errcode.New(errcode.InvalidParameter, "ws-dispatch", "handleMessage",
			"unknown message type "+msg.Type))
	}
}

func (d *Dispatcher) takePhoto(c *Client) {
	client, err := d.cameras.PrimaryClient()
	if err != nil {
		c.sendError(err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cameraOpTimeout)
	defer cancel()
	if err := client.TakePhoto(ctx); err != nil {
		c.sendError(err)
		return
	}
	_ = c.sendJSON(map[string]any{"type": "photo_taken", "timestamp": d.clk.Now()})
}

func (d *Dispatcher) cameraSettings(c *Client) {
	client, err := d.cameras.PrimaryClient()
	if err != nil {
		c.sendError(err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cameraOpTimeout)
	defer cancel()
	settings, err := client.CameraSettings(ctx)
	if err != nil {
		c.sendError(err)
		return
	}
	_ = c.sendJSON(map[string]any{
		"type":      "camera_settings",
		"timestamp": d.clk.Now(),
		"settings":  settings,
	})
}

func (d *Dispatcher) validateInterval(c *Client, data []byte) {
	var p startPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.sendError(errcode.Wrap(errcode.InvalidParameter, "ws-dispatch", "validateInterval", err))
		return
	}
	client, err := d.cameras.PrimaryClient()
	if err != nil {
		c.sendError(err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cameraOpTimeout)
	defer cancel()
	check, err := client.ValidateInterval(ctx, p.Interval)
	if err != nil {
		c.sendError(err)
		return
	}
	_ = c.sendJSON(map[string]any{
		"type":       "interval_validation",
		"timestamp":  d.clk.Now(),
		"validation": check,
	})
}

func (d *Dispatcher) startSession(c *Client, data []byte) {
	var p startPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.sendError(errcode.Wrap(errcode.InvalidParameter, "ws-dispatch", "startIntervalometer", err))
		return
	}
	opts, err := buildOptions(d.clk.Now(), p)
	if err != nil {
		c.sendError(err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cameraOpTimeout)
	defer cancel()
	session, err := d.sessions.CreateAndStart(ctx, opts)
	if err != nil {
		c.sendError(err)
		return
	}
	_ = c.sendJSON(map[string]any{
		"type":      "intervalometer_started",
		"timestamp": d.clk.Now(),
		"sessionId": session.ID,
		"title":     opts.Title,
		"options":   opts,
	})
}

func (d *Dispatcher) controlSession(c *Client, op func(*intervalometer.Session) error) {
	session, ok := d.sessions.Active()
	if !ok {
		c.sendError(errcode.New(errcode.OperationFailed, "ws-dispatch", "controlSession",
			"no active session"))
		return
	}
	if err := op(session); err != nil {
		c.sendError(err)
	}
}

func (d *Dispatcher) listReports(c *Client) {
	list, err := d.sessions.Reports().List()
	if err != nil {
		c.sendError(err)
		return
	}
	_ = c.sendJSON(map[string]any{
		"type":      "timelapse_reports",
		"timestamp": d.clk.Now(),
		"reports":   list,
	})
}

func (d *Dispatcher) getReport(c *Client, data []byte) {
	var p reportPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ID == "" {
		c.sendError(errcode.New(errcode.MissingParameter, "ws-dispatch", "getReport", "id is required"))
		return
	}
	report, err := d.sessions.Reports().Get(p.ID)
	if err != nil {
		c.sendError(err)
		return
	}
	_ = c.sendJSON(map[string]any{
		"type":      "timelapse_report",
		"timestamp": d.clk.Now(),
		"report":    report,
	})
}

func (d *Dispatcher) updateReportTitle(c *Client, data []byte) {
	var p reportPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ID == "" {
		c.sendError(errcode.New(errcode.MissingParameter, "ws-dispatch", "updateReportTitle", "id is required"))
		return
	}
	report, err := d.sessions.Reports().UpdateTitle(p.ID, p.Title)
	if err != nil {
		c.sendError(err)
		return
	}
	_ = c.sendJSON(map[string]any{
		"type":      "report_updated",
		"timestamp": d.clk.Now(),
		"report":    report,
	})
}

func (d *Dispatcher) deleteReport(c *Client, data []byte) {
	var p reportPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ID == "" {
		c.sendError(errcode.New(errcode.MissingParameter, "ws-dispatch", "deleteReport", "id is required"))
		return
	}
	if err := d.sessions.Reports().Delete(p.ID); err != nil {
		c.sendError(err)
		return
	}
	_ = c.sendJSON(map[string]any{
		"type":      "report_deleted",
		"timestamp": d.clk.Now(),
		"id":        p.ID,
	})
}

func (d *Dispatcher) saveSession(c *Client, data []byte) {
	var p sessionPayload
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == "" {
		c.sendError(errcode.New(errcode.MissingParameter, "ws-dispatch", "saveSession", "sessionId is required"))
		return
	}
	report, err := d.sessions.SaveSessionReport(p.SessionID, p.Title)
	if err != nil {
		c.sendError(err)
		return
	}
	_ = c.sendJSON(map[string]any{
		"type":      "report_saved",
		"timestamp": d.clk.Now(),
		"report":    report,
	})
}

func (d *Dispatcher) discardSession(c *Client, data []byte) {
	var p sessionPayload
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == "" {
		c.sendError(errcode.New(errcode.MissingParameter, "ws-dispatch", "discardSession", "sessionId is required"))
		return
	}
	if err := d.sessions.DiscardSession(p.SessionID); err != nil {
		c.sendError(err)
		return
	}
	_ = c.sendJSON(map[string]any{
		"type":      "session_discarded",
		"timestamp": d.clk.Now(),
		"sessionId": p.SessionID,
	})
}

func (d *Dispatcher) unsavedSession(c *Client) {
	reply := map[string]any{
		"type":      "unsaved_session",
		"timestamp": d.clk.Now(),
	}
	if u, ok := d.sessions.Unsaved(); ok {
		reply["session"] = u
	}
	_ = c.sendJSON(reply)
}

func (d *Dispatcher) timeResponse(c *Client, data []byte) {
	var p timeResponsePayload
	if err := json.Unmarshal(data, &p); err != nil || p.ClientTime == "" {
		c.sendError(errcode.New(errcode.MissingParameter, "ws-dispatch", "timeSyncResponse",
			"clientTime is required"))
		return
	}
	clientTime, err := time.Parse(time.RFC3339Nano, p.ClientTime)
	if err != nil {
		c.sendError(errcode.Wrap(errcode.InvalidParameter, "ws-dispatch", "timeSyncResponse", err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cameraOpTimeout)
	defer cancel()
	if err := d.tsync.HandleTimeResponse(ctx, c.ID(), clientTime, p.Timezone); err != nil {
		c.sendError(err)
	}
}

// HandleClientConnected forwards a new client to the time-sync service.
func (d *Dispatcher) HandleClientConnected(c *Client) {
	d.tsync.HandleClientConnected(c)
}

var _ timesync.TimeClient = (*Client)(nil)

// buildOptions turns a start payload into session options. A missing
// stopCondition is inferred: explicit shots wins, then stopTime, then
// unlimited.
func buildOptions(now time.Time, p startPayload) (intervalometer.Options, error) {
	opts := intervalometer.Options{
		Interval:      p.Interval,
		TotalShots:    p.Shots,
		Title:         p.Title,
		StopCondition: intervalometer.StopCondition(p.StopCondition),
	}
	if p.StopTime != "" {
		t, err := parseStopTime(now, p.StopTime)
		if err != nil {
			return intervalometer.Options{}, err
		}
		opts.StopTime = &t
	}
	if opts.StopCondition == "" {
		switch {
		case opts.TotalShots > 0:
			opts.StopCondition = intervalometer.StopShots
		case opts.StopTime != nil:
			opts.StopCondition = intervalometer.StopAtTime
		default:
			opts.StopCondition = intervalometer.StopUnlimited
		}
	}
	if err := opts.Validate(); err != nil {
		return intervalometer.Options{}, err
	}
	return opts, nil
}

// parseStopTime accepts an absolute RFC 3339 timestamp or a bare
// "HH:MM"/"HH:MM:SS" clock time, resolved to its next occurrence. A
// clock time earlier than now means tomorrow: overnight timelapses
// routinely stop after midnight.
func parseStopTime(now time.Time, s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	var clockPart time.Time
	var err error
	if clockPart, err = time.Parse("15:04:05", s); err != nil {
		if clockPart, err = time.Parse("15:04", s); err != nil {
			return time.Time{}, errcode.New(errcode.InvalidParameter, "ws-dispatch", "parseStopTime",
				"stopTime must be RFC 3339 or HH:MM")
		}
	}
	t := time.Date(now.Year(), now.Month(), now.Day(),
		clockPart.Hour(), clockPart.Minute(), clockPart.Second(), 0, now.Location())
	if !t.After(now) {
		t = t.Add(24 * time.Hour)
	}
	return t, nil
}
