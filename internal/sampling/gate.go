// Package sampling rate-limits how often the pipeline advances.
package sampling

import "time"

const (
	DefaultInterval = time.Second
	DefaultUnit     = time.Second
)

// Gate admits at most one sample per interval. Acceptance times are
// truncated to whole units and measured as offsets from the gate's origin.
type Gate struct {
	interval time.Duration
	unit     time.Duration
	origin   time.Time
	last     time.Duration
	admitted bool
}

// Option configures a Gate.
type Option func(*Gate)

// WithUnit sets the truncation unit applied to accepted times.
func WithUnit(unit time.Duration) Option {
	return func(g *Gate) {
		if unit > 0 {
			g.unit = unit
		}
	}
}

// WithOrigin sets the reference point elapsed time is measured from.
func WithOrigin(origin time.Time) Option {
	return func(g *Gate) {
		g.origin = origin
	}
}

// NewGate returns a gate that has never accepted. A zero interval admits
// every call.
func NewGate(interval time.Duration, opts ...Option) *Gate {
	if interval < 0 {
		interval = 0
	}
	g := &Gate{
		interval: interval,
		unit:     DefaultUnit,
		origin:   time.Now(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admit reports whether a message arriving at now may advance the pipeline.
func (g *Gate) Admit(now time.Time) bool {
	elapsed := now.Sub(g.origin)
	if g.admitted && elapsed-g.last < g.interval {
		return false
	}

	g.last = floor(elapsed, g.unit)
	g.admitted = true
	return true
}

// Reset returns the gate to the never-accepted state.
func (g *Gate) Reset() {
	g.last = 0
	g.admitted = false
}

// Interval returns the configured minimum interval.
func (g *Gate) Interval() time.Duration {
	return g.interval
}

// State is a snapshot of the gate's mutable state.
type State struct {
	Admitted bool
	Last     time.Duration
}

// Snapshot returns the current gate state.
func (g *Gate) Snapshot() State {
	return State{Admitted: g.admitted, Last: g.last}
}

// floor truncates d down to a multiple of unit. Unlike Duration.Truncate
// it rounds toward negative infinity for times before the origin.
func floor(d, unit time.Duration) time.Duration {
	r := d % unit
	if r < 0 {
		r += unit
	}
	return d - r
}
