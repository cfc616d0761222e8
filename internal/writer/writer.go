// Package writer consumes queued traces and performs durable batch writes
// with partial-failure isolation.
package writer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/vigil-ai/vigil/internal/ingest"
	"github.com/vigil-ai/vigil/internal/model"
	"github.com/vigil-ai/vigil/internal/storage"
)

// TraceStore is the narrow durable-write capability the writer needs.
// *storage.DB satisfies it in production; tests substitute fakes.
type TraceStore interface {
	// InsertTraces bulk-inserts a batch, skipping duplicates.
	InsertTraces(ctx context.Context, traces []model.Trace) (int64, error)
	// InsertTrace inserts one trace, returning storage.ErrDuplicate on
	// redelivery of an already-written trace.
	InsertTrace(ctx context.Context, t model.Trace) error
}

// DeadLetterSink receives traces that failed even the per-record fallback.
type DeadLetterSink interface {
	Record(ctx context.Context, t model.Trace, writeErr error) error
}

// Result is the outcome of one batch write. The invariant
// Successful + Failed == len(batch) holds on every path.
type Result struct {
	Successful int
	Failed     int
}

// maxConcurrentEval bounds the per-trace rule evaluations running alongside
// persistence.
const maxConcurrentEval = 16

// Per-record fallback writes retry transient Postgres conflicts before a
// trace is declared failed and dead-lettered.
const (
	writeRetries   = 3
	retryBaseDelay = 50 * time.Millisecond
)

// Writer consumes the queue, batches traces, and writes them durably.
// Multiple Writer instances may consume the same queue; writes assume
// concurrent duplicate delivery and rely on (workspace_id, trace_id)
// idempotency instead of locking.
type Writer struct {
	store        TraceStore
	messages     <-chan ingest.Message
	logger       *slog.Logger
	batchSize    int
	flushTimeout time.Duration
	writeTimeout time.Duration

	// release returns per-workspace in-flight budget after a write attempt.
	release func(workspaceID uuid.UUID, n int)

	// onTrace runs rule evaluation for each consumed trace, concurrently
	// with persistence of that same trace.
	onTrace func(ctx context.Context, t model.Trace)
	evalSem *semaphore.Weighted
	evalWG  sync.WaitGroup

	deadLetter DeadLetterSink

	written atomic.Int64
	failed  atomic.Int64

	done chan struct{}
}

// Config holds Writer construction parameters. Release, OnTrace, and
// DeadLetter are optional.
type Config struct {
	Store        TraceStore
	Messages     <-chan ingest.Message
	Logger       *slog.Logger
	BatchSize    int
	FlushTimeout time.Duration
	WriteTimeout time.Duration
	Release      func(workspaceID uuid.UUID, n int)
	OnTrace      func(ctx context.Context, t model.Trace)
	DeadLetter   DeadLetterSink
}

// New creates a Writer. Call Start to begin consuming.
func New(cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 200 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	w := &Writer{
		store:        cfg.Store,
		messages:     cfg.Messages,
		logger:       cfg.Logger,
		batchSize:    cfg.BatchSize,
		flushTimeout: cfg.FlushTimeout,
		writeTimeout: cfg.WriteTimeout,
		release:      cfg.Release,
		onTrace:      cfg.OnTrace,
		evalSem:      semaphore.NewWeighted(maxConcurrentEval),
		deadLetter:   cfg.DeadLetter,
		done:         make(chan struct{}),
	}
	return w
}

// Start begins the consume loop. The loop exits after the queue channel is
// closed and the final partial batch is flushed; Drain waits for that.
func (w *Writer) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Writer) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.flushTimeout)
	defer ticker.Stop()

	batch := make([]model.Trace, 0, w.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.writeBatch(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case msg, ok := <-w.messages:
			if !ok {
				flush()
				w.evalWG.Wait()
				return
			}
			batch = append(batch, msg.Trace)
			w.dispatchEval(ctx, msg.Trace)
			if len(batch) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// writeBatch persists one batch and releases in-flight budget for every
// trace in it, success or not.
func (w *Writer) writeBatch(ctx context.Context, batch []model.Trace) {
	writeCtx, cancel := context.WithTimeout(ctx, w.writeTimeout)
	start := time.Now()
	res := w.WriteBatch(writeCtx, batch)
	cancel()

	w.written.Add(int64(res.Successful))
	w.failed.Add(int64(res.Failed))

	if w.release != nil {
		perWorkspace := make(map[uuid.UUID]int)
		for _, t := range batch {
			perWorkspace[t.WorkspaceID]++
		}
		for ws, n := range perWorkspace {
			w.release(ws, n)
		}
	}

	w.logger.Info("writer: batch flushed",
		"batch_size", len(batch),
		"successful", res.Successful,
		"failed", res.Failed,
		"flush_duration_ms", time.Since(start).Milliseconds(),
	)
}

// WriteBatch attempts one bulk insert for the whole batch. On bulk failure
// of any cause it falls back to inserting traces one at a time, counting
// each success and failure independently, so a single poison record cannot
// sink the rest of the batch. Redelivered duplicates count as success.
func (w *Writer) WriteBatch(ctx context.Context, traces []model.Trace) Result {
	if len(traces) == 0 {
		return Result{}
	}

	_, err := w.store.InsertTraces(ctx, traces)
	if err == nil {
		return Result{Successful: len(traces)}
	}
	w.logger.Warn("writer: bulk insert failed, falling back to per-record writes",
		"batch_size", len(traces), "error", err)

	var res Result
	for _, t := range traces {
		if w.WriteTrace(ctx, t) {
			res.Successful++
		} else {
			res.Failed++
		}
	}
	return res
}

// WriteTrace is the single-item write primitive used both directly and by
// the fallback path. Serialization aborts and deadlocks are retried with
// backoff before the trace counts as failed; a duplicate counts as success.
func (w *Writer) WriteTrace(ctx context.Context, t model.Trace) bool {
	err := storage.WithRetry(ctx, writeRetries, retryBaseDelay, func() error {
		return w.store.InsertTrace(ctx, t)
	})
	if err == nil || errors.Is(err, storage.ErrDuplicate) {
		return true
	}

	w.logger.Error("writer: trace write failed",
		"trace_id", t.TraceID, "workspace_id", t.WorkspaceID, "error", err)
	if w.deadLetter != nil {
		if dlErr := w.deadLetter.Record(ctx, t, err); dlErr != nil {
			w.logger.Error("writer: dead-letter record failed",
				"trace_id", t.TraceID, "error", dlErr)
		}
	}
	return false
}

// dispatchEval runs the rule-evaluation hook concurrently with persistence,
// bounded by maxConcurrentEval.
func (w *Writer) dispatchEval(ctx context.Context, t model.Trace) {
	if w.onTrace == nil {
		return
	}
	if err := w.evalSem.Acquire(ctx, 1); err != nil {
		return
	}
	w.evalWG.Add(1)
	go func() {
		defer w.evalWG.Done()
		defer w.evalSem.Release(1)
		w.onTrace(ctx, t)
	}()
}

// Drain waits for the consume loop to finish its final flush after the
// queue has been closed, or until ctx expires.
func (w *Writer) Drain(ctx context.Context) {
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("writer: drain timed out waiting for final flush")
	}
}

// Written returns the cumulative count of durably written traces.
func (w *Writer) Written() int64 { return w.written.Load() }

// Failed returns the cumulative count of traces that failed even the
// per-record fallback.
func (w *Writer) Failed() int64 { return w.failed.Load() }
