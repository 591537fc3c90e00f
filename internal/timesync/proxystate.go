// Package timesync keeps the host and camera clocks aligned using
// connected browser clients as the ultimate wall-clock source. The host
// has no RTC battery, so its authority to act as a time proxy is a
// claim that decays: it holds only while a recent client sync is inside
// the validity window.
package timesync

import (
	"math"
	"time"

	"github.com/PapaMarky/pi-camera-control-sub002/internal/clock"
)

// State is the host's time-proxy state.
type State string

const (
	StateNone       State = "none"
	StateAPClient   State = "ap-client"
	StateWLANClient State = "wlan-client"
)

const (
	// defaultValidityWindow is the floor below which the validity window
	// never shrinks, and the starting window before drift is measured.
	defaultValidityWindow = 10 * time.Minute

	// maxValidityWindow caps adaptive growth when measured drift is tiny.
	maxValidityWindow = 24 * time.Hour

	minResyncInterval = 5 * time.Minute

	// maxDriftObservations bounds the rolling drift history.
	maxDriftObservations = 20

	// initializationGap marks an observation as initialization: the first
	// after boot, or any following a gap over an hour, reflects RTC loss
	// rather than free-run drift and is excluded from rate computation.
	initializationGap = time.Hour

	// maxAcceptableDriftMs is the cumulative drift the adaptive validity
	// window is sized against.
	maxAcceptableDriftMs = 1000.0

	// driftSafetyScale shortens the computed window for safety margin.
	driftSafetyScale = 0.8
)

type driftObservation struct {
	DriftMs         float64   `json:"driftMs"`
	IntervalSeconds float64   `json:"intervalSeconds"`
	Initialization  bool      `json:"initialization"`
	At              time.Time `json:"at"`
}

// Info is the read-only snapshot exposed to the broadcast fabric.
type Info struct {
	State               State      `json:"state"`
	AcquiredAt          *time.Time `json:"acquiredAt,omitempty"`
	ClientAddress       string     `json:"clientAddress,omitempty"`
	Valid               bool       `json:"valid"`
	ValidityWindow      float64    `json:"validityWindowSeconds"`
	ResyncInterval      float64    `json:"resyncIntervalSeconds"`
	DriftRatePPM        float64    `json:"driftRatePpm"`
	ObservationCount    int        `json:"observationCount"`
	LastSyncDriftMs     float64    `json:"lastSyncDriftMs"`
}

// ProxyState is the pure time-proxy state machine. It performs no I/O;
// only the TimeSync service mutates it.
type ProxyState struct {
	clk clock.Clock

	state         State
	acquiredAt    time.Time
	clientAddress string

	lastSyncAt   time.Time
	observations []driftObservation
}

// NewProxyState creates the state machine in state none.
func NewProxyState(clk clock.Clock) *ProxyState {
	return &ProxyState{clk: clk, state: StateNone}
}

// State returns the current proxy state.
func (p *ProxyState) State() State { return p.state }

// ClientAddress returns the address of the client backing the current
// state, if any.
func (p *ProxyState) ClientAddress() string { return p.clientAddress }

// UpdateState sets the proxy state and stamps acquiredAt.
func (p *ProxyState) UpdateState(state State, clientAddress string) {
	p.state = state
	p.clientAddress = clientAddress
	if state == StateNone {
		p.acquiredAt = time.Time{}
		p.clientAddress = ""
		return
	}
	p.acquiredAt = p.clk.Now()
}

// Touch refreshes acquiredAt to the actual sync moment.
func (p *ProxyState) Touch() {
	if p.state != StateNone {
		p.acquiredAt = p.clk.Now()
	}
}

// IsValid reports whether the host may act as a time proxy: a non-none
// state acquired strictly less than the validity window ago.
func (p *ProxyState) IsValid() bool {
	if p.state == StateNone || p.acquiredAt.IsZero() {
		return false
	}
	return p.clk.Now().Sub(p.acquiredAt) < p.RecommendedStateValidity()
}

// Expire transitions to none iff the state is no longer valid.
// Idempotent; a valid state is left untouched.
func (p *ProxyState) Expire() {
	if p.IsValid() {
		return
	}
	p.state = StateNone
	p.acquiredAt = time.Time{}
	p.clientAddress = ""
}

// RecordSync appends a drift observation. The interval since the
// previous sync determines whether the observation is usable for rate
// computation: the first after boot, or any after a gap over an hour,
// is flagged initialization.
func (p *ProxyState) RecordSync(driftMs float64) {
	now := p.clk.Now()
	var interval time.Duration
	init := p.lastSyncAt.IsZero()
	if !init {
		interval = now.Sub(p.lastSyncAt)
		if interval > initializationGap {
			init = true
		}
	}
	p.lastSyncAt = now

	p.observations = append(p.observations, driftObservation{
		DriftMs:         driftMs,
		IntervalSeconds: interval.Seconds(),
		Initialization:  init,
		At:              now,
	})
	if len(p.observations) > maxDriftObservations {
		p.observations = p.observations[len(p.observations)-maxDriftObservations:]
	}
}

// driftRatePPM computes the measured drift rate in parts per million
// from non-initialization observations. Returns 0 when fewer than two
// usable observations exist.
func (p *ProxyState) driftRatePPM() float64 {
	var sumDriftMs, sumIntervalSec float64
	usable := 0
	for _, obs := range p.observations {
		if obs.Initialization {
			continue
		}
		usable++
		sumDriftMs += math.Abs(obs.DriftMs)
		sumIntervalSec += obs.IntervalSeconds
	}
	if usable < 2 || sumIntervalSec <= 0 {
		return 0
	}
	return (sumDriftMs / (sumIntervalSec * 1000)) * 1e6
}

// RecommendedStateValidity returns the adaptive validity window: the
// interval at which cumulative drift would reach the acceptable bound,
// scaled for safety, never below the 10-minute floor.
func (p *ProxyState) RecommendedStateValidity() time.Duration {
	rate := p.driftRatePPM()
	if rate <= 0 {
		return defaultValidityWindow
	}
	// rate ppm means rate microseconds of drift per second of free run.
	secondsToBound := (maxAcceptableDriftMs * 1000) / rate
	validity := time.Duration(secondsToBound * driftSafetyScale * float64(time.Second))
	if validity < defaultValidityWindow {
		return defaultValidityWindow
	}
	if validity > maxValidityWindow {
		return maxValidityWindow
	}
	return validity
}

// RecommendedResyncInterval is half the validity window, floored at five
// minutes.
func (p *ProxyState) RecommendedResyncInterval() time.Duration {
	interval := p.RecommendedStateValidity() / 2
	if interval < minResyncInterval {
		return minResyncInterval
	}
	return interval
}

// Snapshot returns the read-only view for broadcasting.
func (p *ProxyState) Snapshot() Info {
	info := Info{
		State:            p.state,
		ClientAddress:    p.clientAddress,
		Valid:            p.IsValid(),
		ValidityWindow:   p.RecommendedStateValidity().Seconds(),
		ResyncInterval:   p.RecommendedResyncInterval().Seconds(),
		DriftRatePPM:     p.driftRatePPM(),
		ObservationCount: len(p.observations),
	}
	if !p.acquiredAt.IsZero() {
		at := p.acquiredAt
		info.AcquiredAt = &at
	}
	if n := len(p.observations); n > 0 {
		info.LastSyncDriftMs = p.observations[n-1].DriftMs
	}
	return info
}
