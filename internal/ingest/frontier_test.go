package ingest_test

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-ai/vigil/internal/ingest"
	"github.com/vigil-ai/vigil/internal/model"
)

var testLogger = slog.New(slog.DiscardHandler)

const wsA = "7b0d0266-9a2f-4d5b-9c1e-3f8a2e64d111"

func input(traceID, workspaceID string) model.TraceInput {
	return model.TraceInput{
		TraceID:     traceID,
		WorkspaceID: workspaceID,
		AgentID:     "agent-1",
		LatencyMS:   100,
		Model:       "gpt-4o",
		Status:      "success",
	}
}

// failQueue always rejects publishes.
type failQueue struct{}

func (failQueue) PublishBatch(context.Context, []model.Trace) ([]string, error) {
	return nil, errors.New("queue down")
}

func TestIngestBatch_AcceptsAndPreservesOrder(t *testing.T) {
	q := ingest.NewMemoryQueue(16)
	defer q.Close()
	f := ingest.NewFrontier(q, testLogger, 100)

	inputs := []model.TraceInput{input("t1", wsA), input("t2", wsA), input("t3", wsA)}
	res, err := f.IngestBatch(context.Background(), inputs)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Accepted)
	require.Len(t, res.MessageIDs, 3)

	// Consumption order matches publish order, which matches input order.
	for i := 0; i < 3; i++ {
		msg := <-q.Messages()
		assert.Equal(t, res.MessageIDs[i], msg.ID)
		assert.Equal(t, inputs[i].TraceID, msg.Trace.TraceID)
	}
}

func TestIngestBatch_EmptyBatchIsNoOp(t *testing.T) {
	q := ingest.NewMemoryQueue(16)
	defer q.Close()
	f := ingest.NewFrontier(q, testLogger, 100)

	res, err := f.IngestBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Accepted)
	assert.Empty(t, res.MessageIDs)
	assert.Equal(t, 0, q.Len())
}

func TestIngestBatch_OversizedBatchRejected(t *testing.T) {
	q := ingest.NewMemoryQueue(model.MaxBatchSize * 2)
	defer q.Close()
	f := ingest.NewFrontier(q, testLogger, 10_000)

	inputs := make([]model.TraceInput, model.MaxBatchSize+1)
	for i := range inputs {
		inputs[i] = input("t"+strconv.Itoa(i), wsA)
	}
	_, err := f.IngestBatch(context.Background(), inputs)
	assert.ErrorIs(t, err, model.ErrBatchTooLarge)
	assert.Equal(t, 0, q.Len(), "nothing may be enqueued from a rejected batch")
}

func TestIngestBatch_InvalidElementRejectsWholeBatch(t *testing.T) {
	q := ingest.NewMemoryQueue(16)
	defer q.Close()
	f := ingest.NewFrontier(q, testLogger, 100)

	bad := input("t2", wsA)
	bad.LatencyMS = -1
	_, err := f.IngestBatch(context.Background(), []model.TraceInput{input("t1", wsA), bad})

	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 0, q.Len(), "frontier must not partially enqueue an invalid batch")
}

func TestIngestBatch_BackpressureRejectsNotQueues(t *testing.T) {
	q := ingest.NewMemoryQueue(16)
	defer q.Close()
	f := ingest.NewFrontier(q, testLogger, 2)

	_, err := f.IngestBatch(context.Background(), []model.TraceInput{input("t1", wsA), input("t2", wsA)})
	require.NoError(t, err)

	_, err = f.IngestBatch(context.Background(), []model.TraceInput{input("t3", wsA)})
	assert.ErrorIs(t, err, ingest.ErrBackpressure)
	assert.Equal(t, 2, q.Len())
}

func TestIngestBatch_BackpressureIsPerWorkspace(t *testing.T) {
	q := ingest.NewMemoryQueue(16)
	defer q.Close()
	f := ingest.NewFrontier(q, testLogger, 1)

	_, err := f.IngestBatch(context.Background(), []model.TraceInput{input("t1", wsA)})
	require.NoError(t, err)

	otherWS := uuid.NewString()
	_, err = f.IngestBatch(context.Background(), []model.TraceInput{input("t1", otherWS)})
	assert.NoError(t, err, "a saturated workspace must not block others")
}

func TestIngestBatch_ReleaseRestoresBudget(t *testing.T) {
	q := ingest.NewMemoryQueue(16)
	defer q.Close()
	f := ingest.NewFrontier(q, testLogger, 1)

	ws := uuid.MustParse(wsA)
	_, err := f.IngestBatch(context.Background(), []model.TraceInput{input("t1", wsA)})
	require.NoError(t, err)
	assert.Equal(t, 1, f.InFlight(ws))

	f.Release(ws, 1)
	assert.Equal(t, 0, f.InFlight(ws))

	_, err = f.IngestBatch(context.Background(), []model.TraceInput{input("t2", wsA)})
	assert.NoError(t, err)
}

func TestIngestBatch_PublishFailureReleasesBudget(t *testing.T) {
	f := ingest.NewFrontier(failQueue{}, testLogger, 10)

	_, err := f.IngestBatch(context.Background(), []model.TraceInput{input("t1", wsA)})
	require.Error(t, err)
	assert.Equal(t, 0, f.InFlight(uuid.MustParse(wsA)), "failed publish must not leak in-flight budget")
}

func TestPublishBatch_QueueFullIsAllOrNothing(t *testing.T) {
	q := ingest.NewMemoryQueue(2)
	defer q.Close()

	first := []model.Trace{{TraceID: "a"}}
	_, err := q.PublishBatch(context.Background(), first)
	require.NoError(t, err)

	_, err = q.PublishBatch(context.Background(), []model.Trace{{TraceID: "b"}, {TraceID: "c"}})
	assert.ErrorIs(t, err, ingest.ErrQueueFull)
	assert.Equal(t, 1, q.Len(), "an over-capacity batch must enqueue nothing")
}

func TestPublishBatch_CancelledContext(t *testing.T) {
	q := ingest.NewMemoryQueue(4)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.PublishBatch(ctx, []model.Trace{{TraceID: "a"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIngestOne_ReturnsMessageID(t *testing.T) {
	q := ingest.NewMemoryQueue(4)
	defer q.Close()
	f := ingest.NewFrontier(q, testLogger, 10)

	id, err := f.IngestOne(context.Background(), input("t1", wsA))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msg := <-q.Messages()
	assert.Equal(t, id, msg.ID)
}
