package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/PapaMarky/pi-camera-control-sub002/internal/ccapi"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/clock"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/config"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/discovery"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/errcode"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/intervalometer"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/logging"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/reports"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/system"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/timesync"
)

const handlerComponent = "api"

// CameraAdmin is the slice of the discovery service the REST surface
// drives: resolving, selecting, and manually adding cameras.
type CameraAdmin interface {
	PrimaryClient() (*ccapi.Client, error)
	SetPrimary(uuid string) error
	AddManual(ctx context.Context, ip string, port int) discovery.Record
	Scan()
}

// TimeAdmin is the slice of the time-sync service the REST surface
// drives.
type TimeAdmin interface {
	Status() timesync.Info
	HandleTimeResponse(ctx context.Context, clientID string, clientTime time.Time, timezone string) error
}

// Server carries the REST handler dependencies.
type Server struct {
	clk      clock.Clock
	cfg      *config.Config
	hub      *Hub
	cameras  CameraAdmin
	registry CameraDirectory
	sessions *reports.Manager
	tsync    TimeAdmin
	sysmon   *system.Monitor
	logs     *logging.RingBuffer
	logger   *slog.Logger
}

// NewServer creates the REST handler set. logs may be nil when log
// capture is not wired.
func NewServer(clk clock.Clock, cfg *config.Config, hub *Hub, cameras CameraAdmin,
	registry CameraDirectory, sessions *reports.Manager, tsync TimeAdmin,
	sysmon *system.Monitor, logs *logging.RingBuffer) *Server {
	return &Server{
		clk:      clk,
		cfg:      cfg,
		hub:      hub,
		cameras:  cameras,
		registry: registry,
		sessions: sessions,
		tsync:    tsync,
		sysmon:   sysmon,
		logs:     logs,
		logger:   slog.Default().With("component", handlerComponent),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": s.clk.Now(),
		"clients":   s.hub.ClientCount(),
	})
}

// --- camera ---

func (s *Server) handleCameraStatus(w http.ResponseWriter, r *http.Request) {
	client, err := s.cameras.PrimaryClient()
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, client.ConnectionStatus())
}

func (s *Server) handleCameraSettings(w http.ResponseWriter, r *http.Request) {
	client, err := s.cameras.PrimaryClient()
	if err != nil {
		Error(w, err)
		return
	}
	settings, err := client.CameraSettings(r.Context())
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"settings": settings})
}

func (s *Server) handleCameraConfigure(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Setting string `json:"setting"`
		Value   string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Setting == "" {
		Error(w, errcode.New(errcode.MissingParameter, handlerComponent, "configureCamera",
			"setting is required"))
		return
	}
	client, err := s.cameras.PrimaryClient()
	if err != nil {
		Error(w, err)
		return
	}
	if err := client.SetCameraSetting(r.Context(), body.Setting, body.Value); err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"setting": body.Setting, "value": body.Value})
}

func (s *Server) handleCameraBattery(w http.ResponseWriter, r *http.Request) {
	client, err := s.cameras.PrimaryClient()
	if err != nil {
		Error(w, err)
		return
	}
	battery, err := client.Battery(r.Context())
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, battery)
}

func (s *Server) handleCameraStorage(w http.ResponseWriter, r *http.Request) {
	client, err := s.cameras.PrimaryClient()
	if err != nil {
		Error(w, err)
		return
	}
	storage, err := client.StorageInfo(r.Context())
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, storage)
}

func (s *Server) handleCameraReconnect(w http.ResponseWriter, r *http.Request) {
	client, err := s.cameras.PrimaryClient()
	if err != nil {
		Error(w, err)
		return
	}
	if err := client.Connect(r.Context()); err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, client.ConnectionStatus())
}

func (s *Server) handleTakePhoto(w http.ResponseWriter, r *http.Request) {
	client, err := s.cameras.PrimaryClient()
	if err != nil {
		Error(w, err)
		return
	}
	if err := client.TakePhoto(r.Context()); err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"taken": true, "timestamp": s.clk.Now()})
}

func (s *Server) handleValidateInterval(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Interval float64 `json:"interval"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Interval <= 0 {
		Error(w, errcode.New(errcode.InvalidParameter, handlerComponent, "validateInterval",
			"interval must be a positive number of seconds"))
		return
	}
	client, err := s.cameras.PrimaryClient()
	if err != nil {
		Error(w, err)
		return
	}
	check, err := client.ValidateInterval(r.Context(), body.Interval)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, check)
}

// --- intervalometer ---

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var p startPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		Error(w, errcode.Wrap(errcode.InvalidParameter, handlerComponent, "startSession", err))
		return
	}
	opts, err := buildOptions(s.clk.Now(), p)
	if err != nil {
		Error(w, err)
		return
	}
	session, err := s.sessions.CreateAndStart(r.Context(), opts)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"sessionId": session.ID,
		"title":     opts.Title,
		"options":   opts,
	})
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.StopActive(); err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"stopped": true})
}

func (s *Server) handleSessionPause(w http.ResponseWriter, r *http.Request) {
	s.controlSession(w, (*intervalometer.Session).Pause)
}

func (s *Server) handleSessionResume(w http.ResponseWriter, r *http.Request) {
	s.controlSession(w, (*intervalometer.Session).Resume)
}

func (s *Server) controlSession(w http.ResponseWriter, op func(*intervalometer.Session) error) {
	session, ok := s.sessions.Active()
	if !ok {
		Error(w, errcode.New(errcode.OperationFailed, handlerComponent, "controlSession",
			"no active session"))
		return
	}
	if err := op(session); err != nil {
		Error(w, err)
		return
	}
	state, _, _ := session.Snapshot()
	JSON(w, http.StatusOK, map[string]any{"sessionId": session.ID, "state": state})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessions.Active()
	if !ok {
		JSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	state, opts, stats := session.Snapshot()
	JSON(w, http.StatusOK, map[string]any{
		"active":              !stateTerminal(state),
		"sessionId":           session.ID,
		"title":               opts.Title,
		"state":               state,
		"options":             opts,
		"stats":               stats,
		"averageShotDuration": stats.AverageShotDuration(),
	})
}

func stateTerminal(state intervalometer.State) bool {
	switch state {
	case intervalometer.StateCompleted, intervalometer.StateStopped, intervalometer.StateError:
		return true
	}
	return false
}

// --- timelapse reports ---

func (s *Server) handleReportList(w http.ResponseWriter, r *http.Request) {
	list, err := s.sessions.Reports().List()
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"reports": list})
}

func (s *Server) handleReportGet(w http.ResponseWriter, r *http.Request) {
	report, err := s.sessions.Reports().Get(chi.URLParam(r, "id"))
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, report)
}

func (s *Server) handleReportUpdateTitle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		Error(w, errcode.Wrap(errcode.InvalidParameter, handlerComponent, "updateReportTitle", err))
		return
	}
	report, err := s.sessions.Reports().UpdateTitle(chi.URLParam(r, "id"), body.Title)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, report)
}

func (s *Server) handleReportDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sessions.Reports().Delete(id); err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (s *Server) handleSessionSave(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	// An empty body keeps the session's own title.
	_ = json.NewDecoder(r.Body).Decode(&body)
	report, err := s.sessions.SaveSessionReport(chi.URLParam(r, "id"), body.Title)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, report)
}

func (s *Server) handleSessionDiscard(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sessions.DiscardSession(id); err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"discarded": id})
}

func (s *Server) handleUnsavedSession(w http.ResponseWriter, r *http.Request) {
	u, ok := s.sessions.Unsaved()
	if !ok {
		JSON(w, http.StatusOK, map[string]any{"present": false})
		return
	}
	JSON(w, http.StatusOK, map[string]any{"present": true, "session": u})
}

// --- discovery ---

func (s *Server) handleDiscoveryCameras(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{"cameras": s.registry.Records()})
}

func (s *Server) handleDiscoveryStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"cameras": s.registry.Records()}
	if rec, ok := s.registry.Primary(); ok {
		status["primary"] = rec
	}
	JSON(w, http.StatusOK, status)
}

func (s *Server) handleDiscoveryScan(w http.ResponseWriter, r *http.Request) {
	s.cameras.Scan()
	JSON(w, http.StatusAccepted, map[string]any{"scanning": true})
}

func (s *Server) handleDiscoveryPrimary(w http.ResponseWriter, r *http.Request) {
	if err := s.cameras.SetPrimary(chi.URLParam(r, "uuid")); err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"primary": chi.URLParam(r, "uuid")})
}

func (s *Server) handleDiscoveryConnect(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IP   string `json:"ip"`
		Port int    `json:"port"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.IP == "" {
		Error(w, errcode.New(errcode.MissingParameter, handlerComponent, "connectCamera",
			"ip is required"))
		return
	}
	rec := s.cameras.AddManual(r.Context(), body.IP, body.Port)
	JSON(w, http.StatusOK, rec)
}

// --- system ---

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, s.sysmon.Status())
}

func (s *Server) handleSystemLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		JSON(w, http.StatusOK, map[string]any{"logs": []logging.Entry{}})
		return
	}
	count := 200
	if v := r.URL.Query().Get("count"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			count = n
		}
	}
	JSON(w, http.StatusOK, map[string]any{"logs": s.logs.Recent(count)})
}

func (s *Server) handleTimeGet(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"time":     s.clk.Now(),
		"timesync": s.tsync.Status(),
	})
}

func (s *Server) handleTimeSet(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Time     string `json:"time"`
		Timezone string `json:"timezone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Time == "" {
		Error(w, errcode.New(errcode.MissingParameter, handlerComponent, "setTime",
			"time is required"))
		return
	}
	t, err := time.Parse(time.RFC3339Nano, body.Time)
	if err != nil {
		Error(w, errcode.Wrap(errcode.InvalidParameter, handlerComponent, "setTime", err))
		return
	}
	if err := s.tsync.HandleTimeResponse(r.Context(), "", t, body.Timezone); err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"time": s.clk.Now(), "timesync": s.tsync.Status()})
}
