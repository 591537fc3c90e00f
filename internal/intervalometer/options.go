// Package intervalometer runs timelapse sessions: shots scheduled at
// absolute wall-clock times, with overtime accounting when a shot runs
// past the next slot, and a failure-rate guard that aborts sessions that
// are mostly failing.
package intervalometer

import (
	"math"
	"time"

	"github.com/PapaMarky/pi-camera-control-sub002/internal/errcode"
)

// StopCondition selects how a session ends.
type StopCondition string

const (
	StopUnlimited StopCondition = "unlimited"
	StopShots     StopCondition = "shots"
	StopAtTime    StopCondition = "time"
)

// Options is the immutable input to a session.
type Options struct {
	// Interval between shots in seconds.
	Interval      float64       `json:"interval"`
	StopCondition StopCondition `json:"stopCondition"`
	TotalShots    int           `json:"totalShots,omitempty"`
	StopTime      *time.Time    `json:"stopTime,omitempty"`
	Title         string        `json:"title"`
}

// Validate checks options before a session is created.
func (o Options) Validate() error {
	const op = "createSession"
	if o.Interval <= 0 {
		return errcode.New(errcode.InvalidParameter, component, op, "interval must be positive")
	}
	switch o.StopCondition {
	case StopUnlimited:
	case StopShots:
		if o.TotalShots <= 0 {
			return errcode.New(errcode.InvalidParameter, component, op,
				"stop condition \"shots\" requires totalShots > 0")
		}
	case StopAtTime:
		if o.StopTime == nil {
			return errcode.New(errcode.InvalidParameter, component, op,
				"stop condition \"time\" requires stopTime")
		}
	case "":
		return errcode.New(errcode.MissingParameter, component, op, "stopCondition is required")
	default:
		return errcode.New(errcode.InvalidParameter, component, op,
			"unknown stop condition "+string(o.StopCondition))
	}
	return nil
}

func (o Options) interval() time.Duration {
	return time.Duration(o.Interval * float64(time.Second))
}

// effectiveTotalShots resolves the shot limit at actual start time. A
// stopTime without an explicit totalShots derives one so progress can be
// reported against a known total.
func (o Options) effectiveTotalShots(start time.Time) int {
	if o.TotalShots > 0 {
		return o.TotalShots
	}
	if o.StopTime == nil {
		return 0
	}
	remaining := o.StopTime.Sub(start)
	if remaining <= 0 {
		return 1
	}
	return int(math.Ceil(remaining.Seconds() / o.Interval))
}

// ShotError is one failed shot in a session's error log.
type ShotError struct {
	ShotNumber int       `json:"shotNumber"`
	Error      string    `json:"error"`
	Timestamp  time.Time `json:"timestamp"`
}

// Stats are the session's mutable counters. The session owns them
// exclusively; everyone else sees copies.
type Stats struct {
	StartTime                time.Time   `json:"startTime"`
	EndTime                  *time.Time  `json:"endTime,omitempty"`
	ShotsTaken               int         `json:"shotsTaken"`
	ShotsSuccessful          int         `json:"shotsSuccessful"`
	ShotsFailed              int         `json:"shotsFailed"`
	CurrentShot              int         `json:"currentShot"`
	NextShotTime             *time.Time  `json:"nextShotTime,omitempty"`
	FirstImageName           string      `json:"firstImageName,omitempty"`
	LastImageName            string      `json:"lastImageName,omitempty"`
	OvertimeShots            int         `json:"overtimeShots"`
	TotalOvertimeSeconds     float64     `json:"totalOvertimeSeconds"`
	MaxOvertimeSeconds       float64     `json:"maxOvertimeSeconds"`
	LastShotDurationSeconds  float64     `json:"lastShotDurationSeconds"`
	TotalShotDurationSeconds float64     `json:"totalShotDurationSeconds"`
	Errors                   []ShotError `json:"errors,omitempty"`
}

// AverageShotDuration is the mean duration of successful shots, in
// seconds. Zero when nothing has succeeded yet.
func (s Stats) AverageShotDuration() float64 {
	if s.ShotsSuccessful == 0 {
		return 0
	}
	return s.TotalShotDurationSeconds / float64(s.ShotsSuccessful)
}
