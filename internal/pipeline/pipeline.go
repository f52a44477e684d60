// Package pipeline runs each inbound telemetry message through
// decode, sample gate, run tracker and log writer.
package pipeline

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/pcslog/internal/csvlog"
	"codeberg.org/mutker/pcslog/internal/errors"
	"codeberg.org/mutker/pcslog/internal/logger"
	"codeberg.org/mutker/pcslog/internal/metrics"
	"codeberg.org/mutker/pcslog/internal/run"
	"codeberg.org/mutker/pcslog/internal/sampling"
	"codeberg.org/mutker/pcslog/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
)

// Sink receives accepted sample records.
type Sink interface {
	Append(rec csvlog.Record) error
}

// Message is one inbound transport message.
type Message struct {
	Topic    string
	Payload  []byte
	Received time.Time
}

// Config holds the pipeline settings.
type Config struct {
	// CommandField names the remote power set-point that drives runs.
	CommandField string
	// Fields is the ordered list of device fields written per record.
	Fields []string
	// Interval is the minimum time between accepted samples.
	Interval time.Duration
	// ResetGateOnRunEnd returns the sample gate to "never accepted" when
	// a run ends, so the first message of the next run is always sampled.
	ResetGateOnRunEnd bool
}

// Result reports what happened to one message.
type Result struct {
	Outcome    metrics.Outcome
	Transition run.Transition
	Err        error
}

// State is a snapshot of all mutable pipeline state.
type State struct {
	Gate sampling.State
	Run  run.Snapshot
}

// Pipeline is safe for concurrent callers, but messages are processed
// strictly one at a time.
type Pipeline struct {
	mu      sync.Mutex
	cfg     Config
	gate    *sampling.Gate
	tracker *run.Tracker
	sink    Sink
	ledger  run.Ledger
	metrics *metrics.Pipeline
	log     logger.Logger
	now     func() time.Time

	lastRunID int64
	gateOpts  []sampling.Option

	// unrecorded is a started run the ledger has not stored yet.
	unrecorded *pendingRun
}

type pendingRun struct {
	runID int64
	at    time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLedger records run boundaries in l.
func WithLedger(l run.Ledger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.ledger = l
		}
	}
}

// WithLastRunID continues run numbering after last.
func WithLastRunID(last int64) Option {
	return func(p *Pipeline) {
		p.lastRunID = last
	}
}

// WithMetrics reports pipeline activity to m.
func WithMetrics(m *metrics.Pipeline) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// WithClock sets the time source used for messages without a receive time.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithGateOptions passes options through to the sample gate.
func WithGateOptions(opts ...sampling.Option) Option {
	return func(p *Pipeline) {
		p.gateOpts = append(p.gateOpts, opts...)
	}
}

// New builds a pipeline writing to sink.
func New(cfg Config, sink Sink, opts ...Option) (*Pipeline, error) {
	errFactory := errors.New()

	if cfg.CommandField == "" {
		return nil, errFactory.WithMessage(errors.ErrInvalidConfig, "command field is required")
	}
	if len(cfg.Fields) == 0 {
		return nil, errFactory.New(errors.ErrInvalidSchema)
	}
	if cfg.Interval < 0 {
		return nil, errFactory.WithData(errors.ErrInvalidInterval, cfg.Interval)
	}
	if sink == nil {
		return nil, errFactory.WithMessage(errors.ErrInvalidArgument, "sink is required")
	}

	p := &Pipeline{
		cfg:    cfg,
		sink:   sink,
		ledger: run.NoopLedger{},
		log:    logger.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.metrics == nil {
		m, err := metrics.NewPipeline(prometheus.NewRegistry())
		if err != nil {
			return nil, errFactory.Wrap(errors.ErrInitFailed, err)
		}
		p.metrics = m
	}

	p.gate = sampling.NewGate(cfg.Interval, p.gateOpts...)
	p.tracker = run.NewTracker(
		run.WithLastRunID(p.lastRunID),
		run.WithObserver(observer{p}),
	)

	return p, nil
}

// Handle processes one message. Every failure is absorbed here: the
// result says what happened, and processing can continue with the next
// message.
func (p *Pipeline) Handle(ctx context.Context, msg Message) Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.metrics.Received()

	now := msg.Received
	if now.IsZero() {
		now = p.now()
	}

	frame, err := telemetry.Decode(msg.Payload)
	if err != nil {
		p.log.Debug().
			Err(err).
			Str("topic", msg.Topic).
			Int("bytes", len(msg.Payload)).
			Msg("Dropping undecodable message")
		return p.finish(Result{Outcome: metrics.OutcomeDecodeFailed, Err: err})
	}

	if !p.gate.Admit(now) {
		return p.finish(Result{Outcome: metrics.OutcomeGated})
	}

	tr := p.tracker.Observe(ctx, now, frame.Signal(p.cfg.CommandField))
	if tr.Record && !tr.Started {
		p.retryBegin(ctx, tr.RunID)
	}
	if !tr.Record {
		return p.finish(Result{Outcome: metrics.OutcomeDiscarded, Transition: tr})
	}

	rec := csvlog.Record{
		RunID:       tr.RunID,
		SampleIndex: tr.SampleIndex,
		Time:        now,
		Values:      make([]*float64, len(p.cfg.Fields)),
	}
	for i, field := range p.cfg.Fields {
		rec.Values[i] = frame.Lookup(field)
	}

	if err := p.sink.Append(rec); err != nil {
		e := errors.New().Wrap(errors.ErrOperationFailed, err)
		p.log.Error().
			Err(err).
			Str("error_code", string(errors.CodeOf(err))).
			Int64("run_id", tr.RunID).
			Int64("sample_index", tr.SampleIndex).
			Msg("Dropping sample after sink write failure")
		return p.finish(Result{Outcome: metrics.OutcomeWriteFailed, Transition: tr, Err: e})
	}

	p.metrics.SampleWritten(tr.SampleIndex)
	p.log.Debug().
		Int64("run_id", tr.RunID).
		Int64("sample_index", tr.SampleIndex).
		Msg("Sample written")

	return Result{Outcome: metrics.OutcomeWritten, Transition: tr}
}

// retryBegin stores a run whose start the ledger failed to record, so the
// id is not handed out again after a restart.
func (p *Pipeline) retryBegin(ctx context.Context, runID int64) {
	pending := p.unrecorded
	if pending == nil || pending.runID != runID {
		return
	}
	if err := p.ledger.Begin(ctx, pending.runID, pending.at); err != nil {
		return
	}
	p.unrecorded = nil
	p.log.Info().Int64("run_id", runID).Msg("Recorded run start after earlier failure")
}

func (p *Pipeline) finish(r Result) Result {
	p.metrics.Outcome(r.Outcome)
	return r
}

// Close ends an active run so the ledger does not keep it open. The
// pipeline keeps working afterwards; a later active message starts a new run.
func (p *Pipeline) Close(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.tracker.End(ctx, p.now())
}

// Snapshot returns the current pipeline state.
func (p *Pipeline) Snapshot() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	return State{Gate: p.gate.Snapshot(), Run: p.tracker.Snapshot()}
}

// observer reacts to run boundaries. It runs with p.mu held.
type observer struct {
	p *Pipeline
}

func (o observer) RunStarted(ctx context.Context, runID int64, at time.Time) {
	p := o.p
	p.metrics.RunStarted(runID)
	p.log.Info().
		Int64("run_id", runID).
		Str("command_field", p.cfg.CommandField).
		Msg("Run started")

	if err := p.ledger.Begin(ctx, runID, at); err != nil {
		p.unrecorded = &pendingRun{runID: runID, at: at}
		p.log.Error().
			Err(err).
			Int64("run_id", runID).
			Msg("Failed to record run start, run id may be reused after a restart")
	}
}

func (o observer) RunEnded(ctx context.Context, runID, samples int64, at time.Time) {
	p := o.p
	p.metrics.RunEnded()
	p.log.Info().
		Int64("run_id", runID).
		Int64("samples", samples).
		Msg("Run ended")

	if err := p.ledger.End(ctx, runID, samples, at); err != nil {
		msg := "Failed to record run end"
		if p.unrecorded != nil && p.unrecorded.runID == runID {
			msg = "Failed to record run, run id may be reused after a restart"
		}
		p.log.Error().Err(err).Int64("run_id", runID).Msg(msg)
	} else if p.unrecorded != nil && p.unrecorded.runID == runID {
		p.unrecorded = nil
	}

	if p.cfg.ResetGateOnRunEnd {
		p.gate.Reset()
	}
}
