package storage_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-ai/vigil/internal/model"
	"github.com/vigil-ai/vigil/internal/storage"
	"github.com/vigil-ai/vigil/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	if os.Getenv("VIGIL_SKIP_DOCKER_TESTS") != "" {
		os.Exit(0)
	}

	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage_test: %v\n", err)
		os.Exit(1)
	}
	defer testDB.Close()

	os.Exit(m.Run())
}

func newTrace(ws uuid.UUID) model.Trace {
	return model.Trace{
		TraceID:     "trace-" + uuid.NewString(),
		WorkspaceID: ws,
		AgentID:     "agent-1",
		Timestamp:   time.Now().UTC().Truncate(time.Microsecond),
		LatencyMS:   1200,
		Model:       "gpt-4o",
		Status:      model.TraceStatusSuccess,
		Input:       "question",
		Output:      "answer",
		TokensInput: 10, TokensOutput: 20, TokensTotal: 30,
		CostUSD:   0.002,
		Tags:      []string{"prod"},
		Metadata:  map[string]any{"region": "us-east-1"},
		CreatedAt: time.Now().UTC(),
	}
}

func TestInsertTraceAndGet(t *testing.T) {
	ctx := context.Background()
	ws := uuid.New()
	tr := newTrace(ws)

	require.NoError(t, testDB.InsertTrace(ctx, tr))

	got, err := testDB.GetTrace(ctx, ws, tr.TraceID)
	require.NoError(t, err)
	assert.Equal(t, tr.TraceID, got.TraceID)
	assert.Equal(t, ws, got.WorkspaceID)
	assert.Equal(t, int64(1200), got.LatencyMS)
	assert.Equal(t, []string{"prod"}, got.Tags)
}

func TestInsertTraceDuplicate(t *testing.T) {
	ctx := context.Background()
	tr := newTrace(uuid.New())

	require.NoError(t, testDB.InsertTrace(ctx, tr))
	err := testDB.InsertTrace(ctx, tr)
	require.ErrorIs(t, err, storage.ErrDuplicate)
}

func TestInsertTracesBulkIdempotent(t *testing.T) {
	ctx := context.Background()
	ws := uuid.New()
	traces := []model.Trace{newTrace(ws), newTrace(ws), newTrace(ws)}

	n, err := testDB.InsertTraces(ctx, traces)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// Replaying the same batch writes nothing new.
	n, err = testDB.InsertTraces(ctx, traces)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	// A mixed batch writes only the new rows.
	mixed := []model.Trace{traces[0], newTrace(ws)}
	n, err = testDB.InsertTraces(ctx, mixed)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestGetTraceNotFound(t *testing.T) {
	_, err := testDB.GetTrace(context.Background(), uuid.New(), "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetTraceScopedByWorkspace(t *testing.T) {
	ctx := context.Background()
	tr := newTrace(uuid.New())
	require.NoError(t, testDB.InsertTrace(ctx, tr))

	_, err := testDB.GetTrace(ctx, uuid.New(), tr.TraceID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestThresholdRuleUpsertAndList(t *testing.T) {
	ctx := context.Background()
	ws := uuid.New()

	rule := model.ThresholdRule{
		ID:          uuid.New(),
		WorkspaceID: ws,
		RuleName:    "high-latency",
		Metric:      model.MetricLatencyP99,
		Threshold:   2000,
		Condition:   model.ConditionGreaterThan,
		Severity:    model.SeverityHigh,
		Enabled:     true,
	}
	require.NoError(t, testDB.UpsertThresholdRule(ctx, rule))

	// Re-upserting by (workspace, name) updates rather than duplicates.
	rule.Threshold = 3000
	rule.ID = uuid.New()
	require.NoError(t, testDB.UpsertThresholdRule(ctx, rule))

	rules, err := testDB.ListThresholdRules(ctx, ws)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, float64(3000), rules[0].Threshold)

	enabled, err := testDB.EnabledThresholdRules(ctx, ws)
	require.NoError(t, err)
	assert.Len(t, enabled, 1)

	rule.Enabled = false
	require.NoError(t, testDB.UpsertThresholdRule(ctx, rule))
	enabled, err = testDB.EnabledThresholdRules(ctx, ws)
	require.NoError(t, err)
	assert.Empty(t, enabled)
}

func TestGuardrailRuleRoundTrip(t *testing.T) {
	ctx := context.Background()
	ws := uuid.New()

	rule := model.GuardrailRule{
		ID:          uuid.New(),
		WorkspaceID: ws,
		RuleName:    "pii-guard",
		RuleType:    model.GuardrailRuleTypePII,
		Severity:    model.SeverityCritical,
		Enabled:     true,
		Config:      map[string]any{"categories": []any{"email"}},
	}
	require.NoError(t, testDB.UpsertGuardrailRule(ctx, rule))

	rules, err := testDB.EnabledGuardrailRules(ctx, ws)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, model.GuardrailRuleTypePII, rules[0].RuleType)
	assert.Equal(t, []any{"email"}, rules[0].Config["categories"])
}

func seedViolation(t *testing.T, ws uuid.UUID) model.Violation {
	t.Helper()
	v := model.Violation{
		ID:          uuid.New(),
		WorkspaceID: ws,
		TraceID:     "trace-" + uuid.NewString(),
		RuleID:      uuid.New(),
		Type:        model.ViolationTypeThreshold,
		Severity:    model.SeverityHigh,
		Message:     "latency over threshold",
		DetectedAt:  time.Now().UTC(),
		Status:      model.ViolationStatusOpen,
		Metadata:    map[string]any{"value": 2500.0},
	}
	require.NoError(t, testDB.InsertViolation(context.Background(), v))
	return v
}

func TestViolationAtMostOnce(t *testing.T) {
	ctx := context.Background()
	v := seedViolation(t, uuid.New())

	exists, err := testDB.ViolationExists(ctx, v.RuleID, v.TraceID)
	require.NoError(t, err)
	assert.True(t, exists)

	dup := v
	dup.ID = uuid.New()
	require.ErrorIs(t, testDB.InsertViolation(ctx, dup), storage.ErrDuplicate)
}

func TestViolationLifecycle(t *testing.T) {
	ctx := context.Background()
	ws := uuid.New()
	v := seedViolation(t, ws)

	acked, err := testDB.AcknowledgeViolation(ctx, ws, v.ID, "oncall@example.com")
	require.NoError(t, err)
	assert.Equal(t, model.ViolationStatusAcknowledged, acked.Status)
	require.NotNil(t, acked.AcknowledgedBy)
	assert.Equal(t, "oncall@example.com", *acked.AcknowledgedBy)

	// Idempotent re-ack keeps the original actor.
	again, err := testDB.AcknowledgeViolation(ctx, ws, v.ID, "other@example.com")
	require.NoError(t, err)
	assert.Equal(t, "oncall@example.com", *again.AcknowledgedBy)

	resolved, err := testDB.ResolveViolation(ctx, ws, v.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ViolationStatusResolved, resolved.Status)
	assert.NotNil(t, resolved.ResolvedAt)

	// The lifecycle never moves backward.
	_, err = testDB.AcknowledgeViolation(ctx, ws, v.ID, "oncall@example.com")
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrInvalidTransition))
}

func TestAcknowledgeMissingViolation(t *testing.T) {
	_, err := testDB.AcknowledgeViolation(context.Background(), uuid.New(), uuid.New(), "nobody")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListViolationsByStatus(t *testing.T) {
	ctx := context.Background()
	ws := uuid.New()
	open := seedViolation(t, ws)
	seedViolation(t, ws)
	_, err := testDB.AcknowledgeViolation(ctx, ws, open.ID, "oncall@example.com")
	require.NoError(t, err)

	all, total, err := testDB.ListViolations(ctx, ws, nil, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, all, 2)

	status := model.ViolationStatusOpen
	openOnly, total, err := testDB.ListViolations(ctx, ws, &status, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, openOnly, 1)
	assert.NotEqual(t, open.ID, openOnly[0].ID)
}

func TestWorkspaceKPIs(t *testing.T) {
	ctx := context.Background()
	ws := uuid.New()

	ok := newTrace(ws)
	failed := newTrace(ws)
	failed.Status = model.TraceStatusError
	failed.LatencyMS = 3000
	_, err := testDB.InsertTraces(ctx, []model.Trace{ok, failed})
	require.NoError(t, err)
	seedViolation(t, ws)

	kpis, err := testDB.WorkspaceKPIs(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, int64(2), kpis.TraceCount)
	assert.Equal(t, int64(1), kpis.ErrorCount)
	assert.InDelta(t, 0.5, kpis.ErrorRate, 1e-9)
	assert.Equal(t, int64(3000), kpis.MaxLatencyMS)
	assert.Equal(t, int64(60), kpis.TotalTokens)
	assert.Equal(t, int64(1), kpis.OpenAlerts)
}
