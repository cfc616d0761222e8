package writer_test

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-ai/vigil/internal/ingest"
	"github.com/vigil-ai/vigil/internal/model"
	"github.com/vigil-ai/vigil/internal/storage"
	"github.com/vigil-ai/vigil/internal/writer"
)

var testLogger = slog.New(slog.DiscardHandler)

var wsID = uuid.MustParse("7b0d0266-9a2f-4d5b-9c1e-3f8a2e64d111")

func trace(id string) model.Trace {
	return model.Trace{
		TraceID:     id,
		WorkspaceID: wsID,
		AgentID:     "agent-1",
		Timestamp:   time.Now().UTC(),
		LatencyMS:   100,
		Model:       "gpt-4o",
		Status:      model.TraceStatusSuccess,
	}
}

// fakeStore is an in-memory TraceStore with scriptable failures.
type fakeStore struct {
	mu             sync.Mutex
	rows           map[string]model.Trace // keyed by workspace|trace_id
	bulkErr        error                  // returned by every InsertTraces call
	failTraces     map[string]error       // per-trace InsertTrace failures
	transientFails map[string]int         // per-trace countdown of serialization failures
	attempts       map[string]int         // InsertTrace calls per trace
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:           make(map[string]model.Trace),
		failTraces:     make(map[string]error),
		transientFails: make(map[string]int),
		attempts:       make(map[string]int),
	}
}

func (s *fakeStore) key(t model.Trace) string { return t.WorkspaceID.String() + "|" + t.TraceID }

func (s *fakeStore) InsertTraces(ctx context.Context, traces []model.Trace) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bulkErr != nil {
		return 0, s.bulkErr
	}
	var inserted int64
	for _, t := range traces {
		if _, ok := s.rows[s.key(t)]; !ok {
			s.rows[s.key(t)] = t
			inserted++
		}
	}
	return inserted, nil
}

func (s *fakeStore) InsertTrace(ctx context.Context, t model.Trace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[t.TraceID]++
	if n := s.transientFails[t.TraceID]; n > 0 {
		s.transientFails[t.TraceID] = n - 1
		return &pgconn.PgError{Code: "40001", Message: "could not serialize access"}
	}
	if err, ok := s.failTraces[t.TraceID]; ok {
		return err
	}
	if _, ok := s.rows[s.key(t)]; ok {
		return storage.ErrDuplicate
	}
	s.rows[s.key(t)] = t
	return nil
}

func (s *fakeStore) tries(traceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[traceID]
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// recordingSink captures dead-lettered traces.
type recordingSink struct {
	mu      sync.Mutex
	letters []model.Trace
}

func (r *recordingSink) Record(_ context.Context, t model.Trace, _ error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.letters = append(r.letters, t)
	return nil
}

func newWriter(store writer.TraceStore, opts ...func(*writer.Config)) *writer.Writer {
	cfg := writer.Config{
		Store:        store,
		Logger:       testLogger,
		BatchSize:    10,
		FlushTimeout: 10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return writer.New(cfg)
}

// ---- WriteBatch -----------------------------------------------------------

func TestWriteBatch_BulkSuccessCountsAll(t *testing.T) {
	store := newFakeStore()
	w := newWriter(store)

	batch := []model.Trace{trace("t1"), trace("t2"), trace("t3")}
	res := w.WriteBatch(context.Background(), batch)

	assert.Equal(t, 3, res.Successful)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, len(batch), res.Successful+res.Failed)
	assert.Equal(t, 3, store.count())
}

func TestWriteBatch_EmptyBatch(t *testing.T) {
	w := newWriter(newFakeStore())
	res := w.WriteBatch(context.Background(), nil)
	assert.Equal(t, writer.Result{}, res)
}

func TestWriteBatch_BulkFailureFallsBackPerRecord(t *testing.T) {
	store := newFakeStore()
	store.bulkErr = errors.New("copy failed")
	w := newWriter(store)

	batch := []model.Trace{trace("t1"), trace("t2"), trace("t3")}
	res := w.WriteBatch(context.Background(), batch)

	assert.Equal(t, 3, res.Successful)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 3, store.count(), "fallback must land every record")
}

func TestWriteBatch_PoisonRecordIsolated(t *testing.T) {
	store := newFakeStore()
	store.bulkErr = errors.New("constraint violation")
	store.failTraces["poison"] = errors.New("value too long")
	w := newWriter(store)

	batch := []model.Trace{trace("t1"), trace("poison"), trace("t2")}
	res := w.WriteBatch(context.Background(), batch)

	assert.Equal(t, 2, res.Successful)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, len(batch), res.Successful+res.Failed,
		"successful + failed must always equal batch size")
	assert.Equal(t, 2, store.count())
}

func TestWriteBatch_EveryRecordFailing(t *testing.T) {
	store := newFakeStore()
	store.bulkErr = errors.New("io error")
	for i := 0; i < 5; i++ {
		store.failTraces["t"+strconv.Itoa(i)] = errors.New("io error")
	}
	w := newWriter(store)

	batch := make([]model.Trace, 5)
	for i := range batch {
		batch[i] = trace("t" + strconv.Itoa(i))
	}
	res := w.WriteBatch(context.Background(), batch)

	assert.Equal(t, 0, res.Successful)
	assert.Equal(t, 5, res.Failed)
}

func TestWriteBatch_DuplicateCountsAsSuccess(t *testing.T) {
	store := newFakeStore()
	w := newWriter(store)

	require.Equal(t, writer.Result{Successful: 1}, w.WriteBatch(context.Background(), []model.Trace{trace("t1")}))

	// Redeliver the same trace through the fallback path.
	store.bulkErr = errors.New("forced fallback")
	res := w.WriteBatch(context.Background(), []model.Trace{trace("t1")})
	assert.Equal(t, 1, res.Successful)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 1, store.count(), "redelivery must not duplicate a row")
}

func TestWriteTrace_RetriesTransientConflict(t *testing.T) {
	store := newFakeStore()
	store.transientFails["t1"] = 2
	sink := &recordingSink{}
	w := newWriter(store, func(c *writer.Config) { c.DeadLetter = sink })

	ok := w.WriteTrace(context.Background(), trace("t1"))
	assert.True(t, ok, "a serialization abort must be retried, not failed")
	assert.Equal(t, 3, store.tries("t1"))
	assert.Equal(t, 1, store.count())
	assert.Empty(t, sink.letters, "a trace that lands on retry must not be dead-lettered")
}

func TestWriteTrace_ExhaustedRetriesDeadLetter(t *testing.T) {
	store := newFakeStore()
	store.transientFails["t1"] = 100 // never recovers
	sink := &recordingSink{}
	w := newWriter(store, func(c *writer.Config) { c.DeadLetter = sink })

	ok := w.WriteTrace(context.Background(), trace("t1"))
	assert.False(t, ok)
	assert.Greater(t, store.tries("t1"), 1, "transient failures get more than one attempt")
	require.Len(t, sink.letters, 1)
	assert.Equal(t, "t1", sink.letters[0].TraceID)
}

func TestWriteTrace_NonTransientFailureIsNotRetried(t *testing.T) {
	store := newFakeStore()
	store.failTraces["bad"] = &pgconn.PgError{Code: "23514", Message: "check constraint"}
	w := newWriter(store)

	ok := w.WriteTrace(context.Background(), trace("bad"))
	assert.False(t, ok)
	assert.Equal(t, 1, store.tries("bad"), "deterministic failures fail on the first attempt")
}

func TestWriteTrace_DeadLettersOnFailure(t *testing.T) {
	store := newFakeStore()
	store.failTraces["bad"] = errors.New("disk full")
	sink := &recordingSink{}
	w := newWriter(store, func(c *writer.Config) { c.DeadLetter = sink })

	ok := w.WriteTrace(context.Background(), trace("bad"))
	assert.False(t, ok)
	require.Len(t, sink.letters, 1)
	assert.Equal(t, "bad", sink.letters[0].TraceID)
}

// ---- consume loop ---------------------------------------------------------

func TestWriter_ConsumesQueueAndReleasesBudget(t *testing.T) {
	store := newFakeStore()
	q := ingest.NewMemoryQueue(64)

	var mu sync.Mutex
	released := make(map[uuid.UUID]int)

	w := writer.New(writer.Config{
		Store:        store,
		Messages:     q.Messages(),
		Logger:       testLogger,
		BatchSize:    4,
		FlushTimeout: 5 * time.Millisecond,
		Release: func(ws uuid.UUID, n int) {
			mu.Lock()
			released[ws] += n
			mu.Unlock()
		},
	})
	w.Start(context.Background())

	traces := []model.Trace{trace("t1"), trace("t2"), trace("t3")}
	_, err := q.PublishBatch(context.Background(), traces)
	require.NoError(t, err)

	q.Close()
	drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	w.Drain(drainCtx)

	assert.Equal(t, 3, store.count())
	assert.Equal(t, int64(3), w.Written())
	mu.Lock()
	assert.Equal(t, 3, released[wsID], "budget released for every consumed trace")
	mu.Unlock()
}

func TestWriter_EvalHookRunsPerTrace(t *testing.T) {
	store := newFakeStore()
	q := ingest.NewMemoryQueue(64)

	var mu sync.Mutex
	seen := make(map[string]bool)

	w := writer.New(writer.Config{
		Store:        store,
		Messages:     q.Messages(),
		Logger:       testLogger,
		BatchSize:    2,
		FlushTimeout: 5 * time.Millisecond,
		OnTrace: func(_ context.Context, tr model.Trace) {
			mu.Lock()
			seen[tr.TraceID] = true
			mu.Unlock()
		},
	})
	w.Start(context.Background())

	_, err := q.PublishBatch(context.Background(), []model.Trace{trace("t1"), trace("t2")})
	require.NoError(t, err)

	q.Close()
	drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	w.Drain(drainCtx)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, seen["t1"])
	assert.True(t, seen["t2"])
}

// ---- dead-letter store ----------------------------------------------------

func TestDeadLetterStore_RecordAndList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dead.db")
	store, err := writer.OpenDeadLetterStore(path)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	tr := trace("t1")
	require.NoError(t, store.Record(ctx, tr, errors.New("disk full")))

	letters, err := store.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "t1", letters[0].TraceID)
	assert.Equal(t, wsID.String(), letters[0].WorkspaceID)
	assert.Equal(t, "disk full", letters[0].WriteError)
	assert.Equal(t, tr.TraceID, letters[0].Payload.TraceID)
}
