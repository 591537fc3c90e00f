package timesync

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/PapaMarky/pi-camera-control-sub002/internal/errcode"
)

const hostClockComponent = "host-clock"

// HostClock sets the operating system clock and timezone. Setting the
// clock needs root (or the right capability); failures surface as
// PERMISSION_DENIED so callers can report them meaningfully.
type HostClock interface {
	SetSystemTime(ctx context.Context, t time.Time) error
	SetTimezone(ctx context.Context, tz string) error
}

// NewHostClock returns the platform host clock: a date/timedatectl
// backed implementation on Linux, an unsupported stub elsewhere.
func NewHostClock() HostClock {
	if runtime.GOOS == "linux" {
		return &linuxHostClock{logger: slog.Default().With("component", hostClockComponent)}
	}
	return unsupportedHostClock{}
}

type linuxHostClock struct {
	logger *slog.Logger
}

func (h *linuxHostClock) SetSystemTime(ctx context.Context, t time.Time) error {
	stamp := t.UTC().Format("2006-01-02 15:04:05")
	cmd := exec.CommandContext(ctx, "date", "-u", "-s", stamp)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errcode.New(errcode.PermissionDenied, hostClockComponent, "setSystemTime",
			fmt.Sprintf("date -s failed: %v: %s", err, strings.TrimSpace(string(out))))
	}
	h.logger.Info("Host clock set", "time", stamp)
	return nil
}

func (h *linuxHostClock) SetTimezone(ctx context.Context, tz string) error {
	if strings.TrimSpace(tz) == "" {
		return errcode.New(errcode.InvalidParameter, hostClockComponent, "setTimezone",
			"timezone must not be empty")
	}
	cmd := exec.CommandContext(ctx, "timedatectl", "set-timezone", tz)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errcode.New(errcode.PermissionDenied, hostClockComponent, "setTimezone",
			fmt.Sprintf("timedatectl failed: %v: %s", err, strings.TrimSpace(string(out))))
	}
	h.logger.Info("Host timezone set", "timezone", tz)
	return nil
}

type unsupportedHostClock struct{}

func (unsupportedHostClock) SetSystemTime(context.Context, time.Time) error {
	return errcode.New(errcode.OperationFailed, hostClockComponent, "setSystemTime",
		"setting the system clock is not supported on this platform")
}

func (unsupportedHostClock) SetTimezone(context.Context, string) error {
	return errcode.New(errcode.OperationFailed, hostClockComponent, "setTimezone",
		"setting the timezone is not supported on this platform")
}
