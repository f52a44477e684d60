package ingest

import (
	"context"

	"codeberg.org/mutker/pcslog/internal/metrics"
	"codeberg.org/mutker/pcslog/internal/pipeline"
)

// Observer is told about queue activity.
type Observer interface {
	Outcome(o metrics.Outcome)
	QueueLength(n int)
}

// HandlerFunc processes one message taken off the queue.
type HandlerFunc func(ctx context.Context, msg pipeline.Message)

// Queue hands messages from the transport's delivery goroutines to a
// single consumer, preserving arrival order. Offer never blocks: when
// the queue is full the message is dropped.
type Queue struct {
	ch  chan pipeline.Message
	obs Observer
}

// NewQueue returns a queue holding up to size messages.
func NewQueue(size int, obs Observer) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{ch: make(chan pipeline.Message, size), obs: obs}
}

// Offer enqueues msg and reports whether it was accepted.
func (q *Queue) Offer(msg pipeline.Message) bool {
	select {
	case q.ch <- msg:
		q.observeLength()
		return true
	default:
		if q.obs != nil {
			q.obs.Outcome(metrics.OutcomeQueueDropped)
		}
		return false
	}
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Consume calls handle for each message until ctx is done.
func (q *Queue) Consume(ctx context.Context, handle HandlerFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-q.ch:
			q.observeLength()
			handle(ctx, msg)
		}
	}
}

// Drain handles whatever is queued right now and returns the count.
func (q *Queue) Drain(ctx context.Context, handle HandlerFunc) int {
	n := 0
	for {
		select {
		case msg := <-q.ch:
			q.observeLength()
			handle(ctx, msg)
			n++
		default:
			return n
		}
	}
}

func (q *Queue) observeLength() {
	if q.obs != nil {
		q.obs.QueueLength(len(q.ch))
	}
}
