package run_test

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"codeberg.org/mutker/pcslog/internal/run"
	"codeberg.org/mutker/pcslog/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type event struct {
	started bool
	runID   int64
	samples int64
}

type recorder struct {
	events []event
}

func (r *recorder) RunStarted(_ context.Context, runID int64, _ time.Time) {
	r.events = append(r.events, event{started: true, runID: runID})
}

func (r *recorder) RunEnded(_ context.Context, runID, samples int64, _ time.Time) {
	r.events = append(r.events, event{runID: runID, samples: samples})
}

func signal(v float64) telemetry.Signal {
	return telemetry.Signal{Value: v, Present: true}
}

var absent = telemetry.Signal{}

func TestTrackerScenario(t *testing.T) {
	rec := &recorder{}
	tr := run.NewTracker(run.WithObserver(rec))
	ctx := context.Background()
	now := time.Now()

	type rec2 struct{ runID, idx int64 }
	var records []rec2
	for _, v := range []float64{0, 5, 5, 0, 3} {
		got := tr.Observe(ctx, now, signal(v))
		if got.Record {
			records = append(records, rec2{got.RunID, got.SampleIndex})
		}
	}

	assert.Equal(t, []rec2{{1, 1}, {1, 2}, {2, 1}}, records)
	assert.Equal(t, []event{
		{started: true, runID: 1},
		{runID: 1, samples: 2},
		{started: true, runID: 2},
	}, rec.events)
}

func TestTrackerTransitions(t *testing.T) {
	tr := run.NewTracker()
	ctx := context.Background()
	now := time.Now()

	got := tr.Observe(ctx, now, absent)
	assert.Equal(t, run.Transition{}, got)
	assert.Equal(t, run.Snapshot{State: run.Inactive}, tr.Snapshot())

	got = tr.Observe(ctx, now, signal(-10))
	assert.Equal(t, run.Transition{Record: true, Started: true, RunID: 1, SampleIndex: 1}, got)

	got = tr.Observe(ctx, now, signal(4))
	assert.Equal(t, run.Transition{Record: true, RunID: 1, SampleIndex: 2}, got)

	got = tr.Observe(ctx, now, absent)
	assert.Equal(t, run.Transition{Ended: true, RunID: 1, Samples: 2}, got)
	assert.Equal(t, run.Snapshot{State: run.Inactive, RunID: 1, SampleIndex: 2}, tr.Snapshot())

	got = tr.Observe(ctx, now, signal(0))
	assert.Equal(t, run.Transition{RunID: 1}, got)
}

func TestTrackerLastRunID(t *testing.T) {
	tr := run.NewTracker(run.WithLastRunID(41))

	got := tr.Observe(context.Background(), time.Now(), signal(1))
	assert.Equal(t, int64(42), got.RunID)
	assert.Equal(t, int64(1), got.SampleIndex)
}

func TestTrackerEnd(t *testing.T) {
	rec := &recorder{}
	tr := run.NewTracker(run.WithObserver(rec))
	ctx := context.Background()

	_, ended := tr.End(ctx, time.Now())
	assert.False(t, ended)

	tr.Observe(ctx, time.Now(), signal(1))
	tr.Observe(ctx, time.Now(), signal(1))
	tr.Observe(ctx, time.Now(), signal(1))

	got, ended := tr.End(ctx, time.Now())
	require.True(t, ended)
	assert.Equal(t, int64(3), got.Samples)
	assert.Equal(t, run.Inactive, tr.Snapshot().State)
	assert.Len(t, rec.events, 2)
}

func TestTrackerNumberingProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	tr := run.NewTracker()
	ctx := context.Background()

	var (
		prevActive bool
		prevRunID  int64
		prevIndex  int64
	)
	for i := 0; i < 5000; i++ {
		var sig telemetry.Signal
		switch rng.Intn(4) {
		case 0:
			sig = absent
		case 1:
			sig = signal(0)
		default:
			sig = signal(float64(rng.Intn(200) - 100))
		}

		got := tr.Observe(ctx, time.Now(), sig)
		assert.GreaterOrEqual(t, got.RunID, prevRunID)

		switch {
		case !prevActive && sig.Active():
			assert.Equal(t, prevRunID+1, got.RunID)
			assert.Equal(t, int64(1), got.SampleIndex)
		case prevActive && sig.Active():
			assert.Equal(t, prevRunID, got.RunID)
			assert.Equal(t, prevIndex+1, got.SampleIndex)
		default:
			assert.Equal(t, prevRunID, got.RunID)
			assert.False(t, got.Record)
		}

		prevActive = sig.Active()
		prevRunID = got.RunID
		prevIndex = got.SampleIndex
	}
}
