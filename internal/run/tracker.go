// Package run segments the telemetry stream into runs: contiguous periods
// during which the device is commanded to deliver non-zero power.
package run

import (
	"context"
	"time"

	"codeberg.org/mutker/pcslog/internal/telemetry"
)

// State is the tracker's position in the run lifecycle.
type State int

const (
	Inactive State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "inactive"
}

// Observer is notified of run boundaries.
type Observer interface {
	RunStarted(ctx context.Context, runID int64, at time.Time)
	RunEnded(ctx context.Context, runID, samples int64, at time.Time)
}

// Transition describes what Observe decided for one message.
type Transition struct {
	// Record is set when the message belongs to the active run and must
	// be written with RunID and SampleIndex.
	Record      bool
	Started     bool
	Ended       bool
	RunID       int64
	SampleIndex int64
	// Samples is the final sample count of the run that just ended.
	Samples int64
}

// Tracker is the run state machine. It is not safe for concurrent use.
type Tracker struct {
	state       State
	runID       int64
	sampleIndex int64
	observers   []Observer
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLastRunID makes the next run start at last+1, for numbering that
// continues across restarts.
func WithLastRunID(last int64) Option {
	return func(t *Tracker) {
		if last > 0 {
			t.runID = last
		}
	}
}

// WithObserver registers an observer for run boundaries.
func WithObserver(o Observer) Option {
	return func(t *Tracker) {
		if o != nil {
			t.observers = append(t.observers, o)
		}
	}
}

// NewTracker returns a tracker in the Inactive state.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Observe advances the state machine with the command signal of one
// gate-admitted message.
func (t *Tracker) Observe(ctx context.Context, now time.Time, sig telemetry.Signal) Transition {
	var tr Transition

	switch {
	case t.state == Inactive && sig.Active():
		t.runID++
		t.sampleIndex = 0
		t.state = Active
		tr.Started = true
		for _, o := range t.observers {
			o.RunStarted(ctx, t.runID, now)
		}
	case t.state == Active && !sig.Active():
		t.state = Inactive
		tr.Ended = true
		tr.Samples = t.sampleIndex
		for _, o := range t.observers {
			o.RunEnded(ctx, t.runID, t.sampleIndex, now)
		}
	}

	tr.RunID = t.runID
	if t.state == Active {
		t.sampleIndex++
		tr.Record = true
		tr.SampleIndex = t.sampleIndex
	}

	return tr
}

// End closes the active run, if any, without a zero signal. Used on
// shutdown so the run ledger does not keep a dangling run.
func (t *Tracker) End(ctx context.Context, now time.Time) (Transition, bool) {
	if t.state != Active {
		return Transition{}, false
	}
	return t.Observe(ctx, now, telemetry.Signal{}), true
}

// Snapshot is the tracker's mutable state.
type Snapshot struct {
	State       State
	RunID       int64
	SampleIndex int64
}

// Snapshot returns the current tracker state.
func (t *Tracker) Snapshot() Snapshot {
	return Snapshot{State: t.state, RunID: t.runID, SampleIndex: t.sampleIndex}
}
