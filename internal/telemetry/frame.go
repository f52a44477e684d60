package telemetry

import (
	"math"
	"sort"
)

// Frame is the decoded form of one telemetry message. Fields whose value
// was missing or not numeric are absent.
type Frame struct {
	values map[string]float64
}

// NewFrame builds a Frame from the given values. The map is copied.
func NewFrame(values map[string]float64) Frame {
	f := Frame{values: make(map[string]float64, len(values))}
	for k, v := range values {
		f.values[k] = v
	}
	return f
}

// Value returns the numeric value of a field and whether it is present.
func (f Frame) Value(name string) (float64, bool) {
	v, ok := f.values[name]
	return v, ok
}

// Lookup returns a pointer to a copy of the field value, nil when absent.
func (f Frame) Lookup(name string) *float64 {
	v, ok := f.values[name]
	if !ok {
		return nil
	}
	return &v
}

// Len returns the number of numeric fields in the frame.
func (f Frame) Len() int {
	return len(f.values)
}

// Names returns the present field names in sorted order.
func (f Frame) Names() []string {
	names := make([]string, 0, len(f.values))
	for k := range f.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Equal reports whether both frames carry the same fields and values.
func (f Frame) Equal(other Frame) bool {
	if len(f.values) != len(other.values) {
		return false
	}
	for k, v := range f.values {
		ov, ok := other.values[k]
		if !ok || math.Float64bits(v) != math.Float64bits(ov) {
			return false
		}
	}
	return true
}

// Signal is the remote power set-point read from a frame.
type Signal struct {
	Value   float64
	Present bool
}

// Active reports whether the signal commands non-zero power. A missing or
// non-numeric set-point is inactive.
func (s Signal) Active() bool {
	return s.Present && s.Value != 0
}

// Signal extracts the command signal carried by the named field.
func (f Frame) Signal(field string) Signal {
	v, ok := f.values[field]
	return Signal{Value: v, Present: ok}
}
