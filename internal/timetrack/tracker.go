// Package timetrack accumulates active working time for an open task
// across start/pause/resume events. The periodic checkpoint that persists
// the running total lives in the session layer; this type only owns the
// clock arithmetic and the state machine.
package timetrack

import (
	"time"

	"checkline/internal/domain"
)

type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	// StateStopped is permanent: signing or submitting a task stops the
	// tracker for good and no later Start call revives it.
	StateStopped State = "stopped"
)

// Tracker keeps the accumulated active duration plus the in-memory start
// of the current running session. Not safe for concurrent use; the
// session event loop serializes access.
type Tracker struct {
	Now func() time.Time

	state        State
	accumulated  time.Duration
	sessionStart time.Time
}

// New builds a tracker seeded with previously persisted time.
func New(accumulated time.Duration) *Tracker {
	return &Tracker{Now: time.Now, state: StateIdle, accumulated: accumulated}
}

func (t *Tracker) State() State { return t.state }

// Start begins a running session. It is a no-op unless the task is
// in_progress and unsigned, and is refused permanently after a stop.
func (t *Tracker) Start(status domain.TaskStatus, signed bool) bool {
	if t.state != StateIdle {
		return false
	}
	if status != domain.TaskStatusInProgress || signed {
		return false
	}
	t.state = StateRunning
	t.sessionStart = t.Now()
	return true
}

// Pause folds the current session into the accumulated total. Calling it
// again without an intervening Start changes nothing.
func (t *Tracker) Pause() {
	if t.state != StateRunning {
		return
	}
	t.accumulated += t.Now().Sub(t.sessionStart)
	t.sessionStart = time.Time{}
	t.state = StateIdle
}

// StopPermanently pauses and then refuses any further Start. Triggered by
// signing or completing the task.
func (t *Tracker) StopPermanently() {
	t.Pause()
	t.state = StateStopped
}

// Elapsed is the accumulated total plus the current running session.
func (t *Tracker) Elapsed() time.Duration {
	if t.state == StateRunning {
		return t.accumulated + t.Now().Sub(t.sessionStart)
	}
	return t.accumulated
}

// Hours converts Elapsed to the fractional hours unit the task metrics
// persist.
func (t *Tracker) Hours() float64 {
	return t.Elapsed().Seconds() / 3600
}
