package ccapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PapaMarky/pi-camera-control-sub002/internal/errcode"
)

const (
	component = "ccapi-client"

	// transportAttempts is the per-call retry budget for transport errors.
	transportAttempts = 3

	// lostThreshold is the number of consecutive failed calls after which
	// the connection is considered lost and the owner is notified.
	lostThreshold = 3

	// shutterMarginSeconds is added to the shutter time when validating an
	// interval, covering image processing and card write time.
	shutterMarginSeconds = 1.0

	monitorInterval = 30 * time.Second
)

// Client is a typed HTTPS/JSON client for one camera. Cameras present
// self-signed certificates, so chain validation is disabled; keep-alive is
// mandatory because the camera handles few concurrent connections.
type Client struct {
	ip     string
	port   int
	base   string
	http   *http.Client
	logger *slog.Logger

	mu          sync.Mutex
	model       string
	connected   bool
	failures    int
	lostNotified bool
	infoPaused  bool
	monPaused   bool

	onLost func()

	events *EventPoller
}

// NewClient creates a client for the camera at ip:port. onLost is invoked
// once when three consecutive transport failures mark the connection lost;
// it may be nil.
func NewClient(ip string, port int, onLost func()) *Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		MaxIdleConns:    2,
		IdleConnTimeout: 90 * time.Second,
	}
	c := &Client{
		ip:     ip,
		port:   port,
		base:   fmt.Sprintf("https://%s:%d/ccapi/ver100", ip, port),
		http:   &http.Client{Transport: transport},
		logger: slog.Default().With("component", component, "camera", ip),
		onLost: onLost,
	}
	c.events = newEventPoller(c)
	return c
}

// SetBaseURL overrides the CCAPI base URL. Used by tests to point the
// client at a local fake camera.
func (c *Client) SetBaseURL(base string) {
	c.base = strings.TrimRight(base, "/")
}

// Events returns the camera's event poller. Exactly one long-poll is held
// per camera at a time.
func (c *Client) Events() *EventPoller { return c.events }

// Connect probes the camera root endpoint and records the model name.
func (c *Client) Connect(ctx context.Context) error {
	var info struct {
		ProductName string `json:"productname"`
	}
	if err := c.do(ctx, http.MethodGet, "/deviceinformation", nil, &info); err != nil {
		return err
	}
	c.mu.Lock()
	c.model = info.ProductName
	c.connected = true
	c.failures = 0
	c.lostNotified = false
	c.mu.Unlock()
	return nil
}

// ConnectionStatus reports the client's current view of the camera.
func (c *Client) ConnectionStatus() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionStatus{
		Connected: c.connected,
		IP:        c.ip,
		Port:      c.port,
		Model:     c.model,
	}
}

// CameraSettings returns all shooting settings with their abilities.
func (c *Client) CameraSettings(ctx context.Context) (map[string]Setting, error) {
	settings := make(map[string]Setting)
	if err := c.do(ctx, http.MethodGet, "/shooting/settings", nil, &settings); err != nil {
		return nil, err
	}
	return settings, nil
}

// SetCameraSetting changes one setting. The value is checked against the
// setting's ability list before the camera is asked to apply it.
func (c *Client) SetCameraSetting(ctx context.Context, key, value string) error {
	settings, err := c.CameraSettings(ctx)
	if err != nil {
		return err
	}
	current, ok := settings[key]
	if !ok {
		return errcode.New(errcode.ValidationFailed, component, "setCameraSetting",
			fmt.Sprintf("unknown setting %q", key))
	}
	if len(current.Ability) > 0 && !contains(current.Ability, value) {
		return errcode.New(errcode.ValidationFailed, component, "setCameraSetting",
			fmt.Sprintf("value %q not accepted for %q", value, key))
	}
	body := map[string]string{"value": value}
	return c.do(ctx, http.MethodPut, "/shooting/settings/"+key, body, nil)
}

// TakePhoto presses the shutter. Completion of the shot (the file landing
// on storage) is observed separately through the event poller.
func (c *Client) TakePhoto(ctx context.Context) error {
	body := map[string]bool{"af": true}
	err := c.do(ctx, http.MethodPost, "/shooting/control/shutterbutton", body, nil)
	if err != nil {
		var e *errcode.Error
		if errors.As(err, &e) && e.Code == errcode.CameraBusy {
			return err
		}
		if errcode.CodeOf(err) == errcode.CameraOffline {
			return err
		}
		return errcode.Wrap(errcode.PhotoFailed, component, "takePhoto", err)
	}
	return nil
}

// ValidateInterval checks a proposed interval (seconds) against the
// camera's current shutter speed plus a processing margin.
func (c *Client) ValidateInterval(ctx context.Context, seconds float64) (IntervalCheck, error) {
	if seconds <= 0 {
		return IntervalCheck{Valid: false, Reason: "interval must be positive"}, nil
	}
	settings, err := c.CameraSettings(ctx)
	if err != nil {
		return IntervalCheck{}, err
	}
	tv, ok := settings["tv"]
	if !ok {
		return IntervalCheck{Valid: true}, nil
	}
	shutter, ok := parseShutterSeconds(tv.Value)
	if !ok {
		return IntervalCheck{Valid: true}, nil
	}
	if seconds < shutter+shutterMarginSeconds {
		return IntervalCheck{
			Valid: false,
			Reason: fmt.Sprintf("interval %.1fs too short for %.1fs shutter plus processing",
				seconds, shutter),
		}, nil
	}
	return IntervalCheck{Valid: true}, nil
}

// StorageInfo reports the camera's storage card state. An empty
// storagelist from the camera means no card is mounted.
func (c *Client) StorageInfo(ctx context.Context) (StorageInfo, error) {
	var list storageList
	if err := c.do(ctx, http.MethodGet, "/devicestatus/storage", nil, &list); err != nil {
		return StorageInfo{}, err
	}
	if len(list.StorageList) == 0 {
		return StorageInfo{Mounted: false}, nil
	}
	first := list.StorageList[0]
	return StorageInfo{
		Mounted:      true,
		TotalBytes:   first.MaxSize,
		FreeBytes:    first.SpaceSize,
		ContentCount: first.ContentsNumber,
		AccessMode:   first.AccessCapability,
	}, nil
}

// Battery reports the camera battery state.
func (c *Client) Battery(ctx context.Context) (BatteryInfo, error) {
	var info BatteryInfo
	if err := c.do(ctx, http.MethodGet, "/devicestatus/battery", nil, &info); err != nil {
		return BatteryInfo{}, err
	}
	return info, nil
}

// CameraDateTime reads the camera's clock.
func (c *Client) CameraDateTime(ctx context.Context) (time.Time, error) {
	var body datetimeBody
	if err := c.do(ctx, http.MethodGet, "/functions/datetime", nil, &body); err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(cameraDateTimeLayout, body.DateTime)
	if err != nil {
		return time.Time{}, errcode.Wrap(errcode.OperationFailed, component, "getCameraDateTime", err)
	}
	return t, nil
}

// SetCameraDateTime sets the camera's clock.
func (c *Client) SetCameraDateTime(ctx context.Context, t time.Time) error {
	body := datetimeBody{DateTime: t.Format(cameraDateTimeLayout)}
	return c.do(ctx, http.MethodPut, "/functions/datetime", body, nil)
}

// PauseInfoPolling suspends background settings/storage probes so they do
// not interleave with long exposures.
func (c *Client) PauseInfoPolling() { c.setPaused(&c.infoPaused, true) }

// ResumeInfoPolling resumes background settings/storage probes.
func (c *Client) ResumeInfoPolling() { c.setPaused(&c.infoPaused, false) }

// PauseConnectionMonitoring suspends the keep-alive connection probe.
func (c *Client) PauseConnectionMonitoring() { c.setPaused(&c.monPaused, true) }

// ResumeConnectionMonitoring resumes the keep-alive connection probe.
func (c *Client) ResumeConnectionMonitoring() { c.setPaused(&c.monPaused, false) }

func (c *Client) setPaused(flag *bool, v bool) {
	c.mu.Lock()
	*flag = v
	c.mu.Unlock()
}

// Monitor probes the camera periodically until ctx is cancelled, keeping
// the connection state fresh. Probes are skipped while monitoring is
// paused by an active session.
func (c *Client) Monitor(ctx context.Context) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			paused := c.monPaused
			c.mu.Unlock()
			if paused {
				continue
			}
			probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := c.do(probeCtx, http.MethodGet, "/deviceinformation", nil, nil)
			cancel()
			if err != nil {
				c.logger.Warn("connection probe failed", "error", err)
			}
		}
	}
}

// do performs one CCAPI call with transport retries. Protocol rejections
// (4xx/5xx) are returned without retry; each failed transport attempt
// feeds the consecutive-failure counter.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var lastErr error
	for attempt := 0; attempt < transportAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 250 * time.Millisecond
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(backoff):
			}
		}
		err := c.doOnce(ctx, method, path, in, out)
		if err == nil {
			c.recordSuccess()
			return nil
		}
		var e *errcode.Error
		if errors.As(err, &e) && !errcode.Retryable(e.Code) {
			// Protocol rejection. The camera is alive and talking.
			c.recordSuccess()
			return err
		}
		c.recordTransportFailure()
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = errcode.New(errcode.CameraOffline, component, path, "camera unreachable")
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errcode.Wrap(errcode.OperationFailed, component, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return errcode.Wrap(errcode.OperationFailed, component, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errcode.Wrap(errcode.CameraOffline, component, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return errcode.Wrap(errcode.OperationFailed, component, path, err)
			}
		}
		return nil
	case resp.StatusCode == http.StatusServiceUnavailable:
		return errcode.New(errcode.CameraBusy, component, path, "camera rejected the request (busy)")
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		msg := readErrorMessage(resp.Body)
		return errcode.New(errcode.ValidationFailed, component, path, msg)
	default:
		msg := readErrorMessage(resp.Body)
		return errcode.New(errcode.OperationFailed, component, path,
			fmt.Sprintf("camera returned %d: %s", resp.StatusCode, msg))
	}
}

// recordTransportFailure counts a consecutive transport failure and, on
// the third in a row, flags the connection lost exactly once.
func (c *Client) recordTransportFailure() {
	c.mu.Lock()
	c.failures++
	lost := c.failures >= lostThreshold && !c.lostNotified
	if lost {
		c.lostNotified = true
		c.connected = false
	}
	c.mu.Unlock()

	if lost {
		c.logger.Warn("connection lost after consecutive transport failures",
			"failures", lostThreshold)
		if c.onLost != nil {
			c.onLost()
		}
	}
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.lostNotified = false
	c.connected = true
	c.mu.Unlock()
}

func readErrorMessage(r io.Reader) string {
	var body struct {
		Message string `json:"message"`
	}
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	if json.Unmarshal(data, &body) == nil && body.Message != "" {
		return body.Message
	}
	return strings.TrimSpace(string(data))
}

// parseShutterSeconds parses Canon shutter speed values: "1/200" for
// fractions, `0"5` for 0.5s, `15"` for 15s.
func parseShutterSeconds(value string) (float64, bool) {
	value = strings.TrimSpace(value)
	if value == "" || value == "bulb" {
		return 0, false
	}
	if num, den, ok := strings.Cut(value, "/"); ok {
		n, err1 := strconv.ParseFloat(num, 64)
		d, err2 := strconv.ParseFloat(den, 64)
		if err1 != nil || err2 != nil || d == 0 {
			return 0, false
		}
		return n / d, true
	}
	if whole, frac, ok := strings.Cut(value, `"`); ok {
		w, err := strconv.ParseFloat(whole, 64)
		if err != nil {
			return 0, false
		}
		if frac == "" {
			return w, true
		}
		f, err := strconv.ParseFloat("0."+frac, 64)
		if err != nil {
			return 0, false
		}
		return w + f, true
	}
	s, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, false
	}
	return s, true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

