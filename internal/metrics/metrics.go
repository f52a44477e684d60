// Package metrics exposes pipeline counters to prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pcslog"

// Outcome labels the fate of one inbound message.
type Outcome string

const (
	OutcomeDecodeFailed Outcome = "decode_failed"
	OutcomeGated        Outcome = "gated"
	OutcomeDiscarded    Outcome = "discarded"
	OutcomeWritten      Outcome = "written"
	OutcomeWriteFailed  Outcome = "write_failed"
	OutcomeQueueDropped Outcome = "queue_dropped"
)

var outcomes = []Outcome{
	OutcomeDecodeFailed,
	OutcomeGated,
	OutcomeDiscarded,
	OutcomeWritten,
	OutcomeWriteFailed,
	OutcomeQueueDropped,
}

// Pipeline holds the counters and gauges updated by the ingestion pipeline.
type Pipeline struct {
	received    prometheus.Counter
	messages    *prometheus.CounterVec
	runsStarted prometheus.Counter
	runActive   prometheus.Gauge
	runID       prometheus.Gauge
	sampleIndex prometheus.Gauge
	queueLength prometheus.Gauge
}

// NewPipeline creates the pipeline metrics and registers them with reg.
func NewPipeline(reg prometheus.Registerer) (*Pipeline, error) {
	p := &Pipeline{
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages delivered to the pipeline.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages by pipeline outcome.",
		}, []string{"outcome"}),
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Runs started since process start.",
		}),
		runActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_active",
			Help:      "1 while a run is active.",
		}),
		runID: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_id",
			Help:      "Id of the current or most recent run.",
		}),
		sampleIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sample_index",
			Help:      "Sample index of the last record in the current run.",
		}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Messages waiting in the ingestion queue.",
		}),
	}

	for _, o := range outcomes {
		p.messages.WithLabelValues(string(o))
	}

	for _, c := range []prometheus.Collector{
		p.received, p.messages, p.runsStarted, p.runActive, p.runID, p.sampleIndex, p.queueLength,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return p, nil
}

func (p *Pipeline) Received() {
	p.received.Inc()
}

func (p *Pipeline) Outcome(o Outcome) {
	p.messages.WithLabelValues(string(o)).Inc()
}

func (p *Pipeline) RunStarted(runID int64) {
	p.runsStarted.Inc()
	p.runActive.Set(1)
	p.runID.Set(float64(runID))
	p.sampleIndex.Set(0)
}

func (p *Pipeline) RunEnded() {
	p.runActive.Set(0)
}

func (p *Pipeline) SampleWritten(sampleIndex int64) {
	p.Outcome(OutcomeWritten)
	p.sampleIndex.Set(float64(sampleIndex))
}

func (p *Pipeline) QueueLength(n int) {
	p.queueLength.Set(float64(n))
}
