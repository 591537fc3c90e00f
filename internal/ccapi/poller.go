package ccapi

import (
	"context"
	"errors"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/PapaMarky/pi-camera-control-sub002/internal/errcode"
)

const pollerComponent = "event-poller"

// pollRequestTimeout bounds each individual long-poll request. The camera
// holds the request open until an event arrives or its own timeout, so the
// poll is reposted until the shot completes or the caller's deadline hits.
const pollRequestTimeout = 30 * time.Second

// EventPoller long-polls a camera's event channel for the "added contents"
// notification that follows each shot. One poll is in flight per camera at
// a time; a new shot must not start a wait before the previous wait has
// resolved or timed out.
type EventPoller struct {
	client *Client
	mu     sync.Mutex
	busy   bool
}

func newEventPoller(c *Client) *EventPoller {
	return &EventPoller{client: c}
}

// WaitForShot blocks until the camera reports the files produced by the
// current shot, the per-shot deadline elapses (CAMERA_TIMEOUT), or ctx is
// cancelled. The returned list preserves camera order; RAW+JPEG shots
// yield two entries.
func (p *EventPoller) WaitForShot(ctx context.Context, deadline time.Duration) ([]string, error) {
	p.mu.Lock()
	if p.busy {
		p.mu.Unlock()
		return nil, errcode.New(errcode.OperationFailed, pollerComponent, "waitForShot",
			"previous shot's event poll has not resolved")
	}
	p.busy = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.busy = false
		p.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	for {
		pollCtx, pollCancel := context.WithTimeout(ctx, pollRequestTimeout)
		var payload eventPayload
		err := p.client.doOnce(pollCtx, http.MethodGet, "/event/polling?continue=on", nil, &payload)
		pollCancel()

		switch {
		case err == nil:
			if len(payload.AddedContents) > 0 {
				return payload.AddedContents, nil
			}
			// Poll returned without contents; repost.
		case ctx.Err() != nil:
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, errcode.New(errcode.CameraTimeout, pollerComponent, "waitForShot",
					"shot did not complete before deadline")
			}
			return nil, ctx.Err()
		default:
			if errcode.CodeOf(err) == errcode.CameraOffline {
				return nil, err
			}
			// Transient poll error; repost until the deadline decides.
		}
	}
}

// WaitForShot is a convenience forward to the client's event poller.
func (c *Client) WaitForShot(ctx context.Context, deadline time.Duration) ([]string, error) {
	return c.events.WaitForShot(ctx, deadline)
}

// CanonicalFilename returns the basename of the first file a shot
// produced, which is recorded as the shot's canonical filename.
func CanonicalFilename(files []string) string {
	if len(files) == 0 {
		return ""
	}
	return path.Base(files[0])
}

// ShotDeadline computes the per-shot completion deadline for an interval:
// max(8 x interval, 30s).
func ShotDeadline(interval time.Duration) time.Duration {
	wait := 8 * interval
	if wait < 30*time.Second {
		wait = 30 * time.Second
	}
	return wait
}
