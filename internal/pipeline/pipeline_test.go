package pipeline_test

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/pcslog/internal/csvlog"
	"codeberg.org/mutker/pcslog/internal/metrics"
	"codeberg.org/mutker/pcslog/internal/pipeline"
	"codeberg.org/mutker/pcslog/internal/run"
	"codeberg.org/mutker/pcslog/internal/sampling"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const setPoint = "PCS_REM_P_SET_40032"

var base = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

type memSink struct {
	mu      sync.Mutex
	records []csvlog.Record
	err     error
}

func (s *memSink) Append(rec csvlog.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

type ledgerCall struct {
	op      string
	runID   int64
	samples int64
}

type fakeLedger struct {
	run.NoopLedger
	calls []ledgerCall
	err   error
	// beginFailures makes that many Begin calls fail before err applies.
	beginFailures int
}

func (l *fakeLedger) Begin(_ context.Context, runID int64, _ time.Time) error {
	l.calls = append(l.calls, ledgerCall{op: "begin", runID: runID})
	if l.beginFailures > 0 {
		l.beginFailures--
		return io.ErrClosedPipe
	}
	return l.err
}

func (l *fakeLedger) End(_ context.Context, runID, samples int64, _ time.Time) error {
	l.calls = append(l.calls, ledgerCall{op: "end", runID: runID, samples: samples})
	return l.err
}

func payload(setpoint any, p any) []byte {
	return []byte(fmt.Sprintf(`{%q: %v, "P": %v}`, setPoint, setpoint, p))
}

func msgAt(seconds float64, body []byte) pipeline.Message {
	return pipeline.Message{
		Topic:    "vrb/pcs/read",
		Payload:  body,
		Received: base.Add(time.Duration(seconds * float64(time.Second))),
	}
}

func newPipeline(t *testing.T, cfg pipeline.Config, sink pipeline.Sink, opts ...pipeline.Option) *pipeline.Pipeline {
	t.Helper()
	if cfg.CommandField == "" {
		cfg.CommandField = setPoint
	}
	if cfg.Fields == nil {
		cfg.Fields = []string{"P"}
	}
	opts = append([]pipeline.Option{pipeline.WithGateOptions(sampling.WithOrigin(base))}, opts...)
	p, err := pipeline.New(cfg, sink, opts...)
	require.NoError(t, err)
	return p
}

func value(rec csvlog.Record, i int) any {
	if rec.Values[i] == nil {
		return nil
	}
	return *rec.Values[i]
}

func TestSegmentationScenario(t *testing.T) {
	sink := &memSink{}
	p := newPipeline(t, pipeline.Config{Interval: 0}, sink)
	ctx := context.Background()

	for i, sp := range []int{0, 5, 5, 0, 3} {
		p.Handle(ctx, msgAt(float64(i), payload(sp, 100+i)))
	}

	require.Len(t, sink.records, 3)
	type row struct {
		runID, idx int64
		p          any
	}
	var rows []row
	for _, r := range sink.records {
		rows = append(rows, row{r.RunID, r.SampleIndex, value(r, 0)})
	}
	assert.Equal(t, []row{{1, 1, 101.0}, {1, 2, 102.0}, {2, 1, 104.0}}, rows)
}

func TestMalformedPayloadChangesNothing(t *testing.T) {
	sink := &memSink{}
	reg := prometheus.NewRegistry()
	m, err := metrics.NewPipeline(reg)
	require.NoError(t, err)
	p := newPipeline(t, pipeline.Config{Interval: time.Second}, sink, pipeline.WithMetrics(m))
	ctx := context.Background()

	p.Handle(ctx, msgAt(0, payload(5, 1)))
	before := p.Snapshot()

	for i, body := range [][]byte{
		[]byte("{not json"),
		[]byte(`[1,2,3]`),
		[]byte("\xff\xfe"),
		nil,
	} {
		res := p.Handle(ctx, msgAt(float64(10+i), body))
		assert.Equal(t, metrics.OutcomeDecodeFailed, res.Outcome)
		assert.Error(t, res.Err)
	}

	assert.Equal(t, before, p.Snapshot())
	assert.Len(t, sink.records, 1)

	count, err := testutil.GatherAndCount(reg, "pcslog_messages_total")
	require.NoError(t, err)
	assert.Positive(t, count)
}

func TestGateRejectionsLeaveRunStateUntouched(t *testing.T) {
	sink := &memSink{}
	p := newPipeline(t, pipeline.Config{Interval: time.Second}, sink)
	ctx := context.Background()

	res := p.Handle(ctx, msgAt(0.2, payload(5, 1)))
	assert.Equal(t, metrics.OutcomeWritten, res.Outcome)
	before := p.Snapshot()

	// A burst inside the same second, including a zero set-point that
	// would otherwise end the run.
	for _, at := range []float64{0.3, 0.5, 0.9} {
		res := p.Handle(ctx, msgAt(at, payload(0, 2)))
		assert.Equal(t, metrics.OutcomeGated, res.Outcome)
	}
	assert.Equal(t, before, p.Snapshot())

	res = p.Handle(ctx, msgAt(1.0, payload(5, 3)))
	assert.Equal(t, metrics.OutcomeWritten, res.Outcome)
	assert.Equal(t, int64(2), res.Transition.SampleIndex)
	assert.Equal(t, int64(1), res.Transition.RunID)
}

func TestSchemaErrorTreatedAsZero(t *testing.T) {
	sink := &memSink{}
	p := newPipeline(t, pipeline.Config{}, sink)
	ctx := context.Background()

	p.Handle(ctx, msgAt(0, payload(5, 1)))
	res := p.Handle(ctx, msgAt(1, []byte(`{"P": 2}`)))
	assert.Equal(t, metrics.OutcomeDiscarded, res.Outcome)
	assert.True(t, res.Transition.Ended)
	assert.Equal(t, int64(1), res.Transition.Samples)

	res = p.Handle(ctx, msgAt(2, payload(`"abc"`, 3)))
	assert.Equal(t, metrics.OutcomeDiscarded, res.Outcome)
	assert.Len(t, sink.records, 1)
}

func TestMissingFieldsRecordedAsNull(t *testing.T) {
	sink := &memSink{}
	p := newPipeline(t, pipeline.Config{Fields: []string{"P", "Q", "R"}}, sink)

	p.Handle(context.Background(), msgAt(0, []byte(`{"PCS_REM_P_SET_40032": 1, "P": 2, "R": "x"}`)))

	require.Len(t, sink.records, 1)
	rec := sink.records[0]
	assert.Equal(t, 2.0, value(rec, 0))
	assert.Nil(t, value(rec, 1))
	assert.Nil(t, value(rec, 2))
}

func TestWriteFailureDoesNotStopPipeline(t *testing.T) {
	sink := &memSink{err: io.ErrShortWrite}
	p := newPipeline(t, pipeline.Config{}, sink)
	ctx := context.Background()

	res := p.Handle(ctx, msgAt(0, payload(5, 1)))
	assert.Equal(t, metrics.OutcomeWriteFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, io.ErrShortWrite)

	sink.err = nil
	res = p.Handle(ctx, msgAt(1, payload(5, 2)))
	assert.Equal(t, metrics.OutcomeWritten, res.Outcome)

	// The dropped record still consumed its sample index.
	require.Len(t, sink.records, 1)
	assert.Equal(t, int64(2), sink.records[0].SampleIndex)
}

func TestResetGateOnRunEnd(t *testing.T) {
	for _, reset := range []bool{false, true} {
		t.Run(fmt.Sprintf("reset=%v", reset), func(t *testing.T) {
			sink := &memSink{}
			p := newPipeline(t, pipeline.Config{Interval: 10 * time.Second, ResetGateOnRunEnd: reset}, sink)
			ctx := context.Background()

			p.Handle(ctx, msgAt(0, payload(5, 1)))
			p.Handle(ctx, msgAt(10, payload(0, 2)))
			res := p.Handle(ctx, msgAt(11, payload(5, 3)))

			if reset {
				assert.Equal(t, metrics.OutcomeWritten, res.Outcome)
				assert.Equal(t, int64(2), res.Transition.RunID)
			} else {
				assert.Equal(t, metrics.OutcomeGated, res.Outcome)
			}
		})
	}
}

func TestLedgerAndClose(t *testing.T) {
	sink := &memSink{}
	ledger := &fakeLedger{}
	p := newPipeline(t, pipeline.Config{}, sink,
		pipeline.WithLedger(ledger), pipeline.WithLastRunID(9))
	ctx := context.Background()

	p.Handle(ctx, msgAt(0, payload(5, 1)))
	p.Handle(ctx, msgAt(1, payload(5, 1)))
	p.Handle(ctx, msgAt(2, payload(0, 1)))
	p.Handle(ctx, msgAt(3, payload(7, 1)))
	p.Close(ctx)

	assert.Equal(t, []ledgerCall{
		{op: "begin", runID: 10},
		{op: "end", runID: 10, samples: 2},
		{op: "begin", runID: 11},
		{op: "end", runID: 11, samples: 1},
	}, ledger.calls)
	assert.Equal(t, run.Inactive, p.Snapshot().Run.State)
}

func TestLedgerFailureDoesNotBlockRun(t *testing.T) {
	sink := &memSink{}
	ledger := &fakeLedger{err: io.ErrClosedPipe}
	p := newPipeline(t, pipeline.Config{}, sink, pipeline.WithLedger(ledger))

	res := p.Handle(context.Background(), msgAt(0, payload(5, 1)))
	assert.Equal(t, metrics.OutcomeWritten, res.Outcome)
	assert.Equal(t, int64(1), res.Transition.RunID)
}

func TestLedgerBeginRetriedOnNextSample(t *testing.T) {
	sink := &memSink{}
	ledger := &fakeLedger{beginFailures: 1}
	p := newPipeline(t, pipeline.Config{}, sink, pipeline.WithLedger(ledger))
	ctx := context.Background()

	p.Handle(ctx, msgAt(0, payload(5, 1)))
	p.Handle(ctx, msgAt(1, payload(5, 1)))
	p.Handle(ctx, msgAt(2, payload(5, 1)))
	p.Handle(ctx, msgAt(3, payload(0, 1)))

	assert.Equal(t, []ledgerCall{
		{op: "begin", runID: 1},
		{op: "begin", runID: 1},
		{op: "end", runID: 1, samples: 3},
	}, ledger.calls)
}

func TestLedgerBeginFailingThroughoutRunStillEnds(t *testing.T) {
	sink := &memSink{}
	ledger := &fakeLedger{beginFailures: 10}
	p := newPipeline(t, pipeline.Config{}, sink, pipeline.WithLedger(ledger))
	ctx := context.Background()

	p.Handle(ctx, msgAt(0, payload(5, 1)))
	p.Handle(ctx, msgAt(1, payload(5, 1)))
	p.Handle(ctx, msgAt(2, payload(0, 1)))
	p.Handle(ctx, msgAt(3, payload(0, 1)))

	assert.Equal(t, []ledgerCall{
		{op: "begin", runID: 1},
		{op: "begin", runID: 1},
		{op: "end", runID: 1, samples: 2},
	}, ledger.calls)
	assert.Len(t, sink.records, 2)
}

func TestNonFiniteFieldKeepsSample(t *testing.T) {
	sink := &memSink{}
	p := newPipeline(t, pipeline.Config{Fields: []string{setPoint, "P"}}, sink)
	ctx := context.Background()

	res := p.Handle(ctx, msgAt(0, payload(5, "NaN")))
	assert.Equal(t, metrics.OutcomeWritten, res.Outcome)
	res = p.Handle(ctx, msgAt(1, payload(5, "-Infinity")))
	assert.Equal(t, metrics.OutcomeWritten, res.Outcome)

	require.Len(t, sink.records, 2)
	for i, rec := range sink.records {
		assert.Equal(t, int64(1), rec.RunID)
		assert.Equal(t, int64(i+1), rec.SampleIndex)
		assert.Equal(t, 5.0, value(rec, 0))
		assert.Nil(t, value(rec, 1))
	}
}

func TestBooleanSetPointDrivesRuns(t *testing.T) {
	sink := &memSink{}
	p := newPipeline(t, pipeline.Config{Fields: []string{setPoint, "P"}}, sink)
	ctx := context.Background()

	for i, sp := range []bool{true, true, false, true} {
		p.Handle(ctx, msgAt(float64(i), payload(sp, i)))
	}

	require.Len(t, sink.records, 3)
	assert.Equal(t, int64(1), sink.records[1].RunID)
	assert.Equal(t, int64(2), sink.records[1].SampleIndex)
	assert.Equal(t, 1.0, value(sink.records[0], 0))
	assert.Equal(t, int64(2), sink.records[2].RunID)
	assert.Equal(t, int64(1), sink.records[2].SampleIndex)
}

func TestConcurrentHandleKeepsNumberingGapless(t *testing.T) {
	sink := &memSink{}
	p := newPipeline(t, pipeline.Config{Interval: 0}, sink)
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				p.Handle(ctx, pipeline.Message{Payload: payload(5, i)})
			}
		}()
	}
	wg.Wait()

	require.Len(t, sink.records, 400)
	for i, rec := range sink.records {
		assert.Equal(t, int64(1), rec.RunID)
		assert.Equal(t, int64(i+1), rec.SampleIndex)
	}
}

func TestPipelineWithCSVSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "PCSlog.csv")
	require.NoError(t, os.WriteFile(path, []byte("run_id,sample_index,P\n1,1,5\n"), 0o644))

	w, err := csvlog.NewWriter(path, csvlog.Schema{Fields: []string{"P"}}, csvlog.WithFsync(false))
	require.NoError(t, err)
	require.NoError(t, w.Verify())

	p := newPipeline(t, pipeline.Config{}, w)
	p.Handle(context.Background(), msgAt(0, payload(2.5, 42)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "run_id,sample_index,P\n1,1,5\n1,1,42\n", string(data))
	assert.Equal(t, 1, strings.Count(string(data), "run_id"))
}

func TestNewValidation(t *testing.T) {
	sink := &memSink{}

	_, err := pipeline.New(pipeline.Config{Fields: []string{"P"}}, sink)
	assert.Error(t, err)

	_, err = pipeline.New(pipeline.Config{CommandField: setPoint}, sink)
	assert.Error(t, err)

	_, err = pipeline.New(pipeline.Config{CommandField: setPoint, Fields: []string{"P"}, Interval: -1}, sink)
	assert.Error(t, err)

	_, err = pipeline.New(pipeline.Config{CommandField: setPoint, Fields: []string{"P"}}, nil)
	assert.Error(t, err)
}
