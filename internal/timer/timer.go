// Package timer tracks elapsed and remaining time of a question across
// play/pause/stop transitions. It performs no I/O; callers pass the clock.
package timer

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Status is the state of a question timer.
type Status string

const (
	Play  Status = "play"
	Pause Status = "pause"
	Stop  Status = "stop"
)

var (
	// ErrAlreadyRunning is returned by Start on a playing timer with time left.
	ErrAlreadyRunning = errors.New("timer already running")
	// ErrNoTimeLeft is returned when resuming a paused timer that has run out.
	ErrNoTimeLeft = errors.New("paused timer has no time left")
	// ErrNotRunning is returned by Pause on a timer that is not playing.
	ErrNotRunning = errors.New("timer not running")
)

// ParseStatus validates a wire status string.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(raw); s {
	case Play, Pause, Stop:
		return s, nil
	default:
		return "", fmt.Errorf("unknown timer status %q", raw)
	}
}

// QuestionTimer holds the time left as of LastUpdate. While playing, the true
// remaining time is TimeLeft minus the time elapsed since LastUpdate.
type QuestionTimer struct {
	Status      Status     `json:"status"`
	TimeLeft    float64    `json:"timeLeft"`
	InitialTime float64    `json:"initialTime"`
	LastUpdate  *time.Time `json:"lastUpdate,omitempty"`
}

// New returns a stopped timer seeded with initialSeconds.
func New(initialSeconds float64) *QuestionTimer {
	if initialSeconds < 0 {
		initialSeconds = 0
	}
	return &QuestionTimer{Status: Stop, TimeLeft: initialSeconds, InitialTime: initialSeconds}
}

// Start plays the timer. From Stop it restarts at InitialTime; from Pause it
// resumes with the frozen remaining time.
func (t *QuestionTimer) Start(now time.Time) error {
	switch t.Status {
	case Play:
		if t.TimeLeft > 0 {
			return ErrAlreadyRunning
		}
		t.TimeLeft = t.InitialTime
	case Pause:
		if t.TimeLeft <= 0 {
			return ErrNoTimeLeft
		}
	default:
		t.TimeLeft = t.InitialTime
	}
	t.Status = Play
	t.LastUpdate = &now
	return nil
}

// Pause freezes the remaining time.
func (t *QuestionTimer) Pause(now time.Time) error {
	if t.Status != Play || t.LastUpdate == nil {
		return ErrNotRunning
	}
	t.TimeLeft = t.RemainingAt(now)
	t.Status = Pause
	t.LastUpdate = nil
	return nil
}

// Stop resets the timer to its initial time.
func (t *QuestionTimer) Stop() {
	t.Status = Stop
	t.TimeLeft = t.InitialTime
	t.LastUpdate = nil
}

// RemainingAt projects the remaining time at now without mutating t.
func (t QuestionTimer) RemainingAt(now time.Time) float64 {
	left := t.TimeLeft
	if t.Status == Play && t.LastUpdate != nil {
		left -= now.Sub(*t.LastUpdate).Seconds()
	}
	return clamp(left, 0, math.Max(t.InitialTime, 0))
}

// Set edits the duration. The initial time follows the new value; a playing
// timer keeps running from now with the new remaining time.
func (t *QuestionTimer) Set(seconds float64, now time.Time) {
	if seconds < 0 {
		seconds = 0
	}
	t.InitialTime = seconds
	t.TimeLeft = seconds
	if t.Status == Play {
		t.LastUpdate = &now
	}
}

// Sync forces the remaining time to timeLeft under status, as when a linked
// session mirrors another session's timer. InitialTime grows when needed so
// the remaining time never exceeds it.
func (t *QuestionTimer) Sync(status Status, timeLeft float64, now time.Time) {
	if timeLeft < 0 {
		timeLeft = 0
	}
	if timeLeft > t.InitialTime {
		t.InitialTime = timeLeft
	}
	t.Status = status
	t.TimeLeft = timeLeft
	t.LastUpdate = nil
	switch status {
	case Play:
		t.LastUpdate = &now
	case Stop:
		t.TimeLeft = t.InitialTime
	}
}

// Elapsed is how long the timer has been consumed at now.
func (t QuestionTimer) Elapsed(now time.Time) time.Duration {
	used := t.InitialTime - t.RemainingAt(now)
	if t.Status == Stop {
		used = 0
	}
	return time.Duration(used * float64(time.Second))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
