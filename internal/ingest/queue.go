// Package ingest provides the intake side of the trace pipeline: validation,
// the publish/consume queue, and the ingestion frontier with per-workspace
// backpressure.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/vigil-ai/vigil/internal/model"
	"github.com/vigil-ai/vigil/internal/telemetry"
)

// ErrQueueFull is returned when the queue cannot accept a whole batch.
// Callers should surface it as a capacity error and retry later.
var ErrQueueFull = errors.New("ingest: queue at capacity")

// Message is one queued trace plus its queue-assigned identifier.
// Delivery to consumers is at-least-once; the writer is idempotent.
type Message struct {
	ID    string
	Trace model.Trace
}

// Queue decouples intake from the durable write path. PublishBatch returns
// one message identifier per trace, preserving input order. Publication is
// all-or-nothing per batch: either every trace is enqueued or none are.
type Queue interface {
	PublishBatch(ctx context.Context, traces []model.Trace) ([]string, error)
}

// MemoryQueue is a channel-backed in-process Queue. Multiple consumers may
// read Messages concurrently; each message is delivered to one consumer.
type MemoryQueue struct {
	mu        sync.Mutex // serializes publishes so batches stay all-or-nothing
	ch        chan Message
	closeOnce sync.Once
}

// NewMemoryQueue creates a queue holding up to capacity traces.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{ch: make(chan Message, capacity)}
}

// PublishBatch enqueues every trace or none. A batch that does not fit in
// the queue's free capacity fails with ErrQueueFull rather than blocking;
// a cancelled context fails with the context error.
func (q *MemoryQueue) PublishBatch(ctx context.Context, traces []model.Trace) ([]string, error) {
	if len(traces) == 0 {
		return []string{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(traces) > cap(q.ch)-len(q.ch) {
		return nil, fmt.Errorf("%w: %d queued, %d requested, capacity %d",
			ErrQueueFull, len(q.ch), len(traces), cap(q.ch))
	}

	ids := make([]string, len(traces))
	for i, t := range traces {
		id := uuid.NewString()
		// Cannot block: capacity was checked under the same lock that
		// serializes all publishers.
		q.ch <- Message{ID: id, Trace: t}
		ids[i] = id
	}
	return ids, nil
}

// Messages returns the consume side of the queue for the writer.
func (q *MemoryQueue) Messages() <-chan Message {
	return q.ch
}

// Len returns the current queue depth.
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Capacity returns the maximum queue depth.
func (q *MemoryQueue) Capacity() int {
	return cap(q.ch)
}

// Close stops the queue. Pending messages remain readable until drained.
func (q *MemoryQueue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		close(q.ch)
		q.mu.Unlock()
	})
}

// RegisterMetrics registers an observable gauge for queue depth. Call after
// the global meter provider has been initialized.
func (q *MemoryQueue) RegisterMetrics() {
	meter := telemetry.Meter("vigil/queue")
	_, _ = meter.Int64ObservableGauge("vigil.queue.depth",
		metric.WithDescription("Current number of traces waiting in the ingest queue"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(q.Len()))
			return nil
		}),
	)
}
