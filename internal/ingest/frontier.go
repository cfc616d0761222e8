package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/vigil-ai/vigil/internal/model"
)

// ErrBackpressure is returned when a workspace's in-flight depth would
// exceed the configured limit. The batch is rejected, never queued.
var ErrBackpressure = errors.New("ingest: workspace in-flight limit exceeded")

// Frontier orchestrates validation and enqueueing. It accepts a batch
// all-or-nothing: nothing is published unless every element validates, and
// nothing is published if the workspace is over its in-flight budget.
//
// Ownership of a trace passes to the writer at enqueue time; the frontier
// reports "accepted", not "written".
type Frontier struct {
	queue       Queue
	logger      *slog.Logger
	maxInFlight int

	mu       sync.Mutex
	inFlight map[uuid.UUID]int
}

// NewFrontier creates a Frontier publishing to queue. maxInFlight bounds the
// number of accepted-but-not-yet-written traces per workspace.
func NewFrontier(queue Queue, logger *slog.Logger, maxInFlight int) *Frontier {
	return &Frontier{
		queue:       queue,
		logger:      logger,
		maxInFlight: maxInFlight,
		inFlight:    make(map[uuid.UUID]int),
	}
}

// IngestBatch validates and enqueues a batch of raw traces.
//
// An empty batch is accepted with zero results and no side effects. A batch
// over the size limit fails with model.ErrBatchTooLarge; the first invalid
// element fails the whole batch with its ValidationError; a workspace over
// its in-flight budget fails with ErrBackpressure. On success every trace is
// enqueued and one message ID per trace is returned in input order.
func (f *Frontier) IngestBatch(ctx context.Context, inputs []model.TraceInput) (model.IngestAccepted, error) {
	traces, err := model.ValidateBatch(inputs)
	if err != nil {
		return model.IngestAccepted{}, err
	}
	if len(traces) == 0 {
		return model.IngestAccepted{Accepted: 0, MessageIDs: []string{}}, nil
	}

	perWorkspace := make(map[uuid.UUID]int)
	for _, t := range traces {
		perWorkspace[t.WorkspaceID]++
	}

	if err := f.reserve(perWorkspace); err != nil {
		return model.IngestAccepted{}, err
	}

	ids, err := f.queue.PublishBatch(ctx, traces)
	if err != nil {
		f.releaseAll(perWorkspace)
		return model.IngestAccepted{}, fmt.Errorf("ingest: publish batch: %w", err)
	}

	f.logger.Debug("ingest: batch accepted", "traces", len(traces))
	return model.IngestAccepted{Accepted: len(ids), MessageIDs: ids}, nil
}

// IngestOne validates and enqueues a single raw trace.
func (f *Frontier) IngestOne(ctx context.Context, input model.TraceInput) (string, error) {
	res, err := f.IngestBatch(ctx, []model.TraceInput{input})
	if err != nil {
		return "", err
	}
	return res.MessageIDs[0], nil
}

// Release returns in-flight budget to a workspace. The writer calls this
// once a trace's durable write attempt has completed, success or not.
func (f *Frontier) Release(workspaceID uuid.UUID, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight[workspaceID] -= n
	if f.inFlight[workspaceID] <= 0 {
		delete(f.inFlight, workspaceID)
	}
}

// InFlight returns the current in-flight depth for a workspace.
func (f *Frontier) InFlight(workspaceID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight[workspaceID]
}

// reserve atomically claims in-flight budget for every workspace in the
// batch, or claims nothing if any workspace would exceed the limit.
func (f *Frontier) reserve(perWorkspace map[uuid.UUID]int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for ws, n := range perWorkspace {
		if f.inFlight[ws]+n > f.maxInFlight {
			return fmt.Errorf("%w: workspace %s has %d in flight, limit %d",
				ErrBackpressure, ws, f.inFlight[ws], f.maxInFlight)
		}
	}
	for ws, n := range perWorkspace {
		f.inFlight[ws] += n
	}
	return nil
}

func (f *Frontier) releaseAll(perWorkspace map[uuid.UUID]int) {
	for ws, n := range perWorkspace {
		f.Release(ws, n)
	}
}
