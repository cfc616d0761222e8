package model_test

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-ai/vigil/internal/model"
)

const testWorkspaceID = "7b0d0266-9a2f-4d5b-9c1e-3f8a2e64d111"

func validInput() model.TraceInput {
	return model.TraceInput{
		TraceID:       "trace-001",
		WorkspaceID:   testWorkspaceID,
		AgentID:       "agent-1",
		LatencyMS:     1200,
		Model:         "gpt-4o",
		ModelProvider: "openai",
		Status:        "success",
		TokensInput:   300,
		TokensOutput:  150,
		TokensTotal:   450,
		CostUSD:       0.0125,
		Tags:          []string{"prod", "checkout"},
		Metadata:      map[string]any{"region": "us-east-1"},
	}
}

// ---- ValidateTrace --------------------------------------------------------

func TestValidateTrace_HappyPathRoundTripsFields(t *testing.T) {
	in := validInput()
	ts := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	in.Timestamp = &ts

	tr, err := model.ValidateTrace(in)
	require.NoError(t, err)

	assert.Equal(t, "trace-001", tr.TraceID)
	assert.Equal(t, testWorkspaceID, tr.WorkspaceID.String())
	assert.Equal(t, "agent-1", tr.AgentID)
	assert.Equal(t, ts, tr.Timestamp)
	assert.Equal(t, int64(1200), tr.LatencyMS)
	assert.Equal(t, "gpt-4o", tr.Model)
	assert.Equal(t, "openai", tr.ModelProvider)
	assert.Equal(t, model.TraceStatusSuccess, tr.Status)
	assert.Equal(t, int64(450), tr.TokensTotal)
	assert.InDelta(t, 0.0125, tr.CostUSD, 1e-9)
	assert.Equal(t, []string{"prod", "checkout"}, tr.Tags)
	assert.Equal(t, map[string]any{"region": "us-east-1"}, tr.Metadata)
	assert.False(t, tr.CreatedAt.IsZero())
}

func TestValidateTrace_DefaultsTimestampToNow(t *testing.T) {
	tr, err := model.ValidateTrace(validInput())
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), tr.Timestamp, 5*time.Second)
}

func TestValidateTrace_EmptyTraceID(t *testing.T) {
	in := validInput()
	in.TraceID = ""
	_, err := model.ValidateTrace(in)
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "trace_id", verr.Field)
}

func TestValidateTrace_InvalidWorkspaceUUID(t *testing.T) {
	in := validInput()
	in.WorkspaceID = "not-a-uuid"
	_, err := model.ValidateTrace(in)
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "workspace_id", verr.Field)
}

func TestValidateTrace_NegativeLatency(t *testing.T) {
	in := validInput()
	in.LatencyMS = -1
	_, err := model.ValidateTrace(in)
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "latency_ms", verr.Field)
}

func TestValidateTrace_TooManyTags(t *testing.T) {
	in := validInput()
	in.Tags = nil
	for i := 0; i <= model.MaxTags; i++ {
		in.Tags = append(in.Tags, "tag-"+strconv.Itoa(i))
	}
	_, err := model.ValidateTrace(in)
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "tags", verr.Field)
}

func TestValidateTrace_ExactlyMaxTagsPasses(t *testing.T) {
	in := validInput()
	in.Tags = nil
	for i := 0; i < model.MaxTags; i++ {
		in.Tags = append(in.Tags, "tag-"+strconv.Itoa(i))
	}
	_, err := model.ValidateTrace(in)
	assert.NoError(t, err)
}

func TestValidateTrace_UnknownStatus(t *testing.T) {
	in := validInput()
	in.Status = "pending"
	_, err := model.ValidateTrace(in)
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "status", verr.Field)
}

func TestValidateTrace_ChecksShortCircuitInOrder(t *testing.T) {
	// Both trace_id and workspace_id are invalid; trace_id is checked first.
	in := validInput()
	in.TraceID = ""
	in.WorkspaceID = "garbage"
	_, err := model.ValidateTrace(in)
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "trace_id", verr.Field)
}

// ---- ValidateBatch --------------------------------------------------------

func TestValidateBatch_EmptyBatchIsNoOpSuccess(t *testing.T) {
	traces, err := model.ValidateBatch(nil)
	require.NoError(t, err)
	assert.Empty(t, traces)
}

func TestValidateBatch_OverMaxSize(t *testing.T) {
	inputs := make([]model.TraceInput, model.MaxBatchSize+1)
	for i := range inputs {
		inputs[i] = validInput()
		inputs[i].TraceID = "trace-" + strconv.Itoa(i)
	}
	_, err := model.ValidateBatch(inputs)
	assert.ErrorIs(t, err, model.ErrBatchTooLarge)
}

func TestValidateBatch_ExactlyMaxSizePasses(t *testing.T) {
	inputs := make([]model.TraceInput, model.MaxBatchSize)
	for i := range inputs {
		inputs[i] = validInput()
		inputs[i].TraceID = "trace-" + strconv.Itoa(i)
	}
	traces, err := model.ValidateBatch(inputs)
	require.NoError(t, err)
	assert.Len(t, traces, model.MaxBatchSize)
}

func TestValidateBatch_ReportsOffendingIndex(t *testing.T) {
	inputs := []model.TraceInput{validInput(), validInput()}
	inputs[1].LatencyMS = -5
	_, err := model.ValidateBatch(inputs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trace[1]")
	var verr *model.ValidationError
	assert.ErrorAs(t, err, &verr)
}

// ---- Violation lifecycle --------------------------------------------------

func TestViolationStatus_ForwardTransitions(t *testing.T) {
	assert.True(t, model.ViolationStatusOpen.CanTransition(model.ViolationStatusAcknowledged))
	assert.True(t, model.ViolationStatusOpen.CanTransition(model.ViolationStatusResolved))
	assert.True(t, model.ViolationStatusAcknowledged.CanTransition(model.ViolationStatusResolved))
}

func TestViolationStatus_BackwardTransitionsRejected(t *testing.T) {
	assert.False(t, model.ViolationStatusAcknowledged.CanTransition(model.ViolationStatusOpen))
	assert.False(t, model.ViolationStatusResolved.CanTransition(model.ViolationStatusAcknowledged))
	assert.False(t, model.ViolationStatusResolved.CanTransition(model.ViolationStatusOpen))
}

func TestViolationStatus_SameStateIsNotATransition(t *testing.T) {
	assert.False(t, model.ViolationStatusAcknowledged.CanTransition(model.ViolationStatusAcknowledged))
}

func TestViolationStatus_Valid(t *testing.T) {
	assert.True(t, model.ViolationStatusOpen.Valid())
	assert.False(t, model.ViolationStatus("closed").Valid())
}

func TestCondition_Valid(t *testing.T) {
	assert.True(t, model.ConditionGreaterThan.Valid())
	assert.True(t, model.ConditionLessThan.Valid())
	assert.True(t, model.ConditionEquals.Valid())
	assert.False(t, model.Condition("between").Valid())
}
