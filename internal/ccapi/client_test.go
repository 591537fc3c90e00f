package ccapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PapaMarky/pi-camera-control-sub002/internal/errcode"
)

// fakeCamera is an httptest-backed CCAPI endpoint.
type fakeCamera struct {
	mux      *http.ServeMux
	server   *httptest.Server
	settings map[string]Setting
	busy     atomic.Bool
	datetime time.Time
}

func newFakeCamera(t *testing.T) *fakeCamera {
	t.Helper()
	f := &fakeCamera{
		mux: http.NewServeMux(),
		settings: map[string]Setting{
			"tv":  {Value: "1/200", Ability: []string{"1/400", "1/200", "1/100"}},
			"iso": {Value: "400", Ability: []string{"100", "200", "400", "800"}},
		},
		datetime: time.Date(2026, 8, 25, 10, 0, 0, 0, time.FixedZone("", 9*3600)),
	}

	f.mux.HandleFunc("GET /ccapi/ver100/deviceinformation", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"productname": "Canon EOS R6"})
	})
	f.mux.HandleFunc("GET /ccapi/ver100/shooting/settings", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, f.settings)
	})
	f.mux.HandleFunc("PUT /ccapi/ver100/shooting/settings/{key}", func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("key")
		var body struct {
			Value string `json:"value"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		s, ok := f.settings[key]
		if !ok {
			http.Error(w, `{"message":"unknown setting"}`, http.StatusBadRequest)
			return
		}
		s.Value = body.Value
		f.settings[key] = s
		w.WriteHeader(http.StatusOK)
	})
	f.mux.HandleFunc("POST /ccapi/ver100/shooting/control/shutterbutton", func(w http.ResponseWriter, r *http.Request) {
		if f.busy.Load() {
			http.Error(w, `{"message":"Device busy"}`, http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	f.mux.HandleFunc("GET /ccapi/ver100/devicestatus/storage", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"storagelist": []map[string]any{{
				"name":             "card1",
				"maxsize":          64000000000,
				"spacesize":        32000000000,
				"contentsnumber":   120,
				"accesscapability": "readwrite",
			}},
		})
	})
	f.mux.HandleFunc("GET /ccapi/ver100/functions/datetime", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"datetime": f.datetime.Format(time.RFC1123Z), "dst": false})
	})
	f.mux.HandleFunc("PUT /ccapi/ver100/functions/datetime", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			DateTime string `json:"datetime"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		t, err := time.Parse(time.RFC1123Z, body.DateTime)
		if err != nil {
			http.Error(w, `{"message":"bad datetime"}`, http.StatusBadRequest)
			return
		}
		f.datetime = t
		w.WriteHeader(http.StatusOK)
	})

	f.server = httptest.NewTLSServer(f.mux)
	t.Cleanup(f.server.Close)
	return f
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, f *fakeCamera) *Client {
	t.Helper()
	c := NewClient("192.0.2.1", 443, nil)
	c.SetBaseURL(f.server.URL + "/ccapi/ver100")
	return c
}

func TestClient_ConnectRecordsModel(t *testing.T) {
	f := newFakeCamera(t)
	c := newTestClient(t, f)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	status := c.ConnectionStatus()
	if !status.Connected {
		t.Error("expected connected after Connect")
	}
	if status.Model != "Canon EOS R6" {
		t.Errorf("model = %q", status.Model)
	}
}

func TestClient_SetCameraSetting(t *testing.T) {
	f := newFakeCamera(t)
	c := newTestClient(t, f)
	ctx := context.Background()

	if err := c.SetCameraSetting(ctx, "iso", "800"); err != nil {
		t.Fatalf("SetCameraSetting valid value: %v", err)
	}

	err := c.SetCameraSetting(ctx, "iso", "12800")
	if errcode.CodeOf(err) != errcode.ValidationFailed {
		t.Errorf("value outside ability: expected VALIDATION_FAILED, got %v", err)
	}

	err = c.SetCameraSetting(ctx, "nonexistent", "1")
	if errcode.CodeOf(err) != errcode.ValidationFailed {
		t.Errorf("unknown setting: expected VALIDATION_FAILED, got %v", err)
	}
}

func TestClient_TakePhotoBusy(t *testing.T) {
	f := newFakeCamera(t)
	c := newTestClient(t, f)
	ctx := context.Background()

	if err := c.TakePhoto(ctx); err != nil {
		t.Fatalf("TakePhoto: %v", err)
	}

	f.busy.Store(true)
	err := c.TakePhoto(ctx)
	if errcode.CodeOf(err) != errcode.CameraBusy {
		t.Errorf("expected CAMERA_BUSY, got %v", err)
	}
}

func TestClient_StorageInfo(t *testing.T) {
	f := newFakeCamera(t)
	c := newTestClient(t, f)

	info, err := c.StorageInfo(context.Background())
	if err != nil {
		t.Fatalf("StorageInfo: %v", err)
	}
	if !info.Mounted || info.TotalBytes != 64000000000 || info.ContentCount != 120 {
		t.Errorf("unexpected storage info: %+v", info)
	}
}

func TestClient_StorageInfoNoCard(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ccapi/ver100/devicestatus/storage", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"storagelist": []any{}})
	})
	server := httptest.NewTLSServer(mux)
	defer server.Close()

	c := NewClient("192.0.2.1", 443, nil)
	c.SetBaseURL(server.URL + "/ccapi/ver100")

	info, err := c.StorageInfo(context.Background())
	if err != nil {
		t.Fatalf("StorageInfo: %v", err)
	}
	if info.Mounted {
		t.Error("empty storagelist should report not mounted")
	}
	if info.TotalBytes != 0 || info.FreeBytes != 0 || info.ContentCount != 0 {
		t.Errorf("byte counts should be zero with no card: %+v", info)
	}
}

func TestClient_DateTimeRoundTrip(t *testing.T) {
	f := newFakeCamera(t)
	c := newTestClient(t, f)
	ctx := context.Background()

	want := time.Date(2026, 8, 25, 15, 30, 0, 0, time.UTC)
	if err := c.SetCameraDateTime(ctx, want); err != nil {
		t.Fatalf("SetCameraDateTime: %v", err)
	}
	got, err := c.CameraDateTime(ctx)
	if err != nil {
		t.Fatalf("CameraDateTime: %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("datetime round trip: want %v, got %v", want, got)
	}
}

func TestClient_TransportFailureMarksLost(t *testing.T) {
	var lost atomic.Int32
	c := NewClient("192.0.2.1", 443, func() { lost.Add(1) })
	// Point at a closed port so every attempt fails at the transport level.
	c.SetBaseURL("https://127.0.0.1:1/ccapi/ver100")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// One call burns the full retry budget and trips the lost threshold.
	err := c.TakePhoto(ctx)
	if errcode.CodeOf(err) != errcode.CameraOffline {
		t.Fatalf("expected CAMERA_OFFLINE, got %v", err)
	}
	if lost.Load() != 1 {
		t.Errorf("onLost calls = %d, want exactly 1", lost.Load())
	}

	// Further failures must not re-notify.
	_ = c.TakePhoto(ctx)
	if lost.Load() != 1 {
		t.Errorf("onLost re-fired, calls = %d", lost.Load())
	}
}

func TestClient_ValidateInterval(t *testing.T) {
	f := newFakeCamera(t)
	c := newTestClient(t, f)
	ctx := context.Background()

	check, err := c.ValidateInterval(ctx, 5)
	if err != nil {
		t.Fatalf("ValidateInterval: %v", err)
	}
	if !check.Valid {
		t.Errorf("5s interval with 1/200 shutter should be valid: %s", check.Reason)
	}

	// 4s shutter needs more than a 3s interval.
	f.settings["tv"] = Setting{Value: `4"`, Ability: []string{`4"`}}
	check, err = c.ValidateInterval(ctx, 3)
	if err != nil {
		t.Fatalf("ValidateInterval: %v", err)
	}
	if check.Valid {
		t.Error("3s interval with 4s shutter should be invalid")
	}

	check, _ = c.ValidateInterval(ctx, -1)
	if check.Valid {
		t.Error("negative interval should be invalid")
	}
}

func TestParseShutterSeconds(t *testing.T) {
	tests := []struct {
		value string
		want  float64
		ok    bool
	}{
		{"1/200", 0.005, true},
		{"1/4", 0.25, true},
		{`15"`, 15, true},
		{`0"5`, 0.5, true},
		{`2"5`, 2.5, true},
		{"bulb", 0, false},
		{"", 0, false},
		{"garbage", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseShutterSeconds(tt.value)
		if ok != tt.ok {
			t.Errorf("parseShutterSeconds(%q) ok = %v, want %v", tt.value, ok, tt.ok)
			continue
		}
		if ok && (got < tt.want-1e-9 || got > tt.want+1e-9) {
			t.Errorf("parseShutterSeconds(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestErrcodeRetryable(t *testing.T) {
	if !errcode.Retryable(errcode.CameraOffline) {
		t.Error("CAMERA_OFFLINE should be retryable")
	}
	if errcode.Retryable(errcode.ValidationFailed) {
		t.Error("VALIDATION_FAILED should not be retryable")
	}
	var e error = errcode.New(errcode.CameraBusy, "x", "y", "z")
	var target *errcode.Error
	if !errors.As(e, &target) {
		t.Error("errcode.Error should satisfy errors.As")
	}
}
