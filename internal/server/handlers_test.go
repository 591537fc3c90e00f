package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

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

var apiEpoch = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

type fakeCameraAdmin struct {
	client  *ccapi.Client
	err     error
	primary string
	added   []string
	scans   int
}

func (f *fakeCameraAdmin) PrimaryClient() (*ccapi.Client, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.client, nil
}

func (f *fakeCameraAdmin) SetPrimary(uuid string) error {
	f.primary = uuid
	return nil
}

func (f *fakeCameraAdmin) AddManual(_ context.Context, ip string, port int) discovery.Record {
	f.added = append(f.added, ip)
	return discovery.Record{UUID: "manual-test", IPAddress: ip, Port: port}
}

func (f *fakeCameraAdmin) Scan() { f.scans++ }

type fakeDirectory struct {
	records []discovery.Record
}

func (f *fakeDirectory) Records() []discovery.Record { return f.records }
func (f *fakeDirectory) Primary() (discovery.Record, bool) {
	for _, r := range f.records {
		if r.Primary {
			return r, true
		}
	}
	return discovery.Record{}, false
}

type fakeTimeAdmin struct {
	responses []time.Time
	zones     []string
}

func (f *fakeTimeAdmin) Status() timesync.Info {
	return timesync.Info{State: timesync.StateNone}
}

func (f *fakeTimeAdmin) HandleTimeResponse(_ context.Context, _ string, t time.Time, tz string) error {
	f.responses = append(f.responses, t)
	f.zones = append(f.zones, tz)
	return nil
}

// offlineSource fails every camera resolution so session starts map to
// the no-camera error path.
type offlineSource struct{}

func (offlineSource) ResolveCamera() (intervalometer.Camera, error) {
	return nil, errcode.New(errcode.CameraOffline, "test", "resolve", "no camera")
}

type apiPub struct{}

func (apiPub) Publish(string, any) error { return nil }

type apiFixture struct {
	srv     *httptest.Server
	cameras *fakeCameraAdmin
	tsync   *fakeTimeAdmin
	manager *reports.Manager
	clk     *clock.FakeClock
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	clk := clock.NewFake(apiEpoch)
	store, err := reports.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	manager := reports.NewManager(clk, offlineSource{}, apiPub{}, store)
	cfg, err := config.Load("/nonexistent/config.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cameras := &fakeCameraAdmin{err: errcode.New(errcode.CameraOffline, "discovery", "primaryClient", "no primary camera")}
	registry := &fakeDirectory{}
	tadmin := &fakeTimeAdmin{}
	hub := NewHub(cfg.Network.APCIDR)
	go hub.Run()

	logs := logging.NewRingBuffer(64)
	s := NewServer(clk, cfg, hub, cameras, registry, manager, tadmin, system.NewMonitor(), logs)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &apiFixture{srv: srv, cameras: cameras, tsync: tadmin, manager: manager, clk: clk}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestAPI_Health(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "healthy" {
		t.Errorf("body = %v", body)
	}
}

func TestAPI_CameraOfflineMapsTo503(t *testing.T) {
	f := newAPIFixture(t)
	for _, path := range []string{"/api/camera/status", "/api/camera/settings", "/api/camera/battery"} {
		resp, body := f.do(t, http.MethodGet, path, nil)
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d, want 503", path, resp.StatusCode)
		}
		if errorCode(body) != string(errcode.CameraOffline) {
			t.Errorf("%s code = %q", path, errorCode(body))
		}
		// REST errors use the same envelope as WebSocket error frames.
		if body["type"] != "error" {
			t.Errorf("%s type = %v, want error", path, body["type"])
		}
		if ts, _ := body["timestamp"].(string); ts == "" {
			t.Errorf("%s error envelope has no timestamp", path)
		}
	}
	resp, body := f.do(t, http.MethodPost, "/api/camera/photo", nil)
	if resp.StatusCode != http.StatusServiceUnavailable || errorCode(body) != string(errcode.CameraOffline) {
		t.Errorf("photo: status=%d code=%q", resp.StatusCode, errorCode(body))
	}
}

func TestAPI_ReportLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	end := apiEpoch.Add(time.Hour)
	report := reports.BuildReport(intervalometer.Completion{
		SessionID: "session-1",
		Title:     "Night Sky",
		State:     intervalometer.StateCompleted,
		Stats:     intervalometer.Stats{StartTime: apiEpoch, EndTime: &end},
		Reason:    "Shot limit reached",
	}, "", apiEpoch.Add(time.Hour))
	if err := f.manager.Reports().Save(report); err != nil {
		t.Fatalf("seed report: %v", err)
	}

	resp, body := f.do(t, http.MethodGet, "/api/timelapse/reports", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	list, _ := body["reports"].([]any)
	if len(list) != 1 {
		t.Fatalf("reports = %v", body)
	}

	resp, body = f.do(t, http.MethodGet, "/api/timelapse/reports/"+report.ID, nil)
	if resp.StatusCode != http.StatusOK || body["title"] != "Night Sky" {
		t.Fatalf("get: status=%d body=%v", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodPut, "/api/timelapse/reports/"+report.ID+"/title",
		map[string]string{"title": "Renamed"})
	if resp.StatusCode != http.StatusOK || body["title"] != "Renamed" {
		t.Fatalf("rename: status=%d body=%v", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodPut, "/api/timelapse/reports/"+report.ID+"/title",
		map[string]string{"title": "  "})
	if resp.StatusCode != http.StatusBadRequest || errorCode(body) != string(errcode.InvalidParameter) {
		t.Fatalf("blank title: status=%d code=%q", resp.StatusCode, errorCode(body))
	}

	resp, _ = f.do(t, http.MethodDelete, "/api/timelapse/reports/"+report.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	resp, body = f.do(t, http.MethodGet, "/api/timelapse/reports/"+report.ID, nil)
	if resp.StatusCode != http.StatusNotFound || errorCode(body) != string(errcode.SessionNotFound) {
		t.Fatalf("get deleted: status=%d code=%q", resp.StatusCode, errorCode(body))
	}
}

func TestAPI_StartSessionValidationAndCameraErrors(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/intervalometer/start",
		map[string]any{"interval": -1})
	if resp.StatusCode != http.StatusBadRequest || errorCode(body) != string(errcode.InvalidParameter) {
		t.Fatalf("bad interval: status=%d code=%q", resp.StatusCode, errorCode(body))
	}

	// A valid request with no camera maps to 503.
	resp, body = f.do(t, http.MethodPost, "/api/intervalometer/start",
		map[string]any{"interval": 5, "title": "Test"})
	if resp.StatusCode != http.StatusServiceUnavailable || errorCode(body) != string(errcode.CameraOffline) {
		t.Fatalf("no camera: status=%d code=%q", resp.StatusCode, errorCode(body))
	}

	resp, _ = f.do(t, http.MethodGet, "/api/intervalometer/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status endpoint = %d", resp.StatusCode)
	}
}

func TestAPI_SessionSaveDiscardWithoutUnsaved(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/timelapse/unsaved-session", nil)
	if resp.StatusCode != http.StatusOK || body["present"] != false {
		t.Fatalf("unsaved: status=%d body=%v", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodPost, "/api/timelapse/sessions/ghost/save", nil)
	if resp.StatusCode != http.StatusNotFound || errorCode(body) != string(errcode.SessionNotFound) {
		t.Fatalf("save ghost: status=%d code=%q", resp.StatusCode, errorCode(body))
	}
	resp, body = f.do(t, http.MethodPost, "/api/timelapse/sessions/ghost/discard", nil)
	if resp.StatusCode != http.StatusNotFound || errorCode(body) != string(errcode.SessionNotFound) {
		t.Fatalf("discard ghost: status=%d code=%q", resp.StatusCode, errorCode(body))
	}
}

func TestAPI_SystemTime(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/system/time", map[string]string{})
	if resp.StatusCode != http.StatusBadRequest || errorCode(body) != string(errcode.MissingParameter) {
		t.Fatalf("empty body: status=%d code=%q", resp.StatusCode, errorCode(body))
	}

	resp, _ = f.do(t, http.MethodPost, "/api/system/time",
		map[string]string{"time": "2026-08-25T12:34:56Z", "timezone": "America/Los_Angeles"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set time status = %d", resp.StatusCode)
	}
	if len(f.tsync.responses) != 1 || !f.tsync.responses[0].Equal(time.Date(2026, 8, 25, 12, 34, 56, 0, time.UTC)) {
		t.Fatalf("time responses = %v", f.tsync.responses)
	}
	if f.tsync.zones[0] != "America/Los_Angeles" {
		t.Fatalf("zones = %v", f.tsync.zones)
	}

	resp, body = f.do(t, http.MethodGet, "/api/system/time", nil)
	if resp.StatusCode != http.StatusOK || body["timesync"] == nil {
		t.Fatalf("get time: status=%d body=%v", resp.StatusCode, body)
	}
}

func TestAPI_SystemLogs(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.do(t, http.MethodGet, "/api/system/logs?count=10", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logs status = %d", resp.StatusCode)
	}
	if _, ok := body["logs"]; !ok {
		t.Fatalf("body = %v", body)
	}
}

func TestAPI_Discovery(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/discovery/cameras", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cameras status = %d", resp.StatusCode)
	}
	if _, ok := body["cameras"]; !ok {
		t.Fatalf("body = %v", body)
	}

	resp, _ = f.do(t, http.MethodPost, "/api/discovery/primary/cam-1", nil)
	if resp.StatusCode != http.StatusOK || f.cameras.primary != "cam-1" {
		t.Fatalf("primary: status=%d primary=%q", resp.StatusCode, f.cameras.primary)
	}

	resp, body = f.do(t, http.MethodPost, "/api/discovery/connect",
		map[string]any{"ip": "192.168.1.50", "port": 443})
	if resp.StatusCode != http.StatusOK || body["ipAddress"] != "192.168.1.50" {
		t.Fatalf("connect: status=%d body=%v", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodPost, "/api/discovery/connect", map[string]any{"port": 443})
	if resp.StatusCode != http.StatusBadRequest || errorCode(body) != string(errcode.MissingParameter) {
		t.Fatalf("missing ip: status=%d code=%q", resp.StatusCode, errorCode(body))
	}

	resp, _ = f.do(t, http.MethodPost, "/api/discovery/scan", nil)
	if resp.StatusCode != http.StatusAccepted || f.cameras.scans != 1 {
		t.Fatalf("scan: status=%d scans=%d", resp.StatusCode, f.cameras.scans)
	}
}
