package server

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-ai/vigil/internal/model"
)

func testViolation(ws uuid.UUID) model.Violation {
	return model.Violation{
		ID:          uuid.New(),
		WorkspaceID: ws,
		TraceID:     "trace-1",
		RuleID:      uuid.New(),
		Type:        model.ViolationTypeThreshold,
		Severity:    model.SeverityHigh,
		Message:     "latency over threshold",
		DetectedAt:  time.Now().UTC(),
		Status:      model.ViolationStatusOpen,
	}
}

func TestBrokerDeliversToWorkspaceSubscribers(t *testing.T) {
	b := NewBroker(testLogger)
	ws := uuid.New()

	ch := b.Subscribe(ws)
	defer b.Unsubscribe(ws, ch)

	b.Publish(testViolation(ws))

	select {
	case event := <-ch:
		assert.Contains(t, string(event), "event: alert")
		assert.Contains(t, string(event), "latency over threshold")
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestBrokerScopesByWorkspace(t *testing.T) {
	b := NewBroker(testLogger)
	wsA, wsB := uuid.New(), uuid.New()

	chA := b.Subscribe(wsA)
	defer b.Unsubscribe(wsA, chA)
	chB := b.Subscribe(wsB)
	defer b.Unsubscribe(wsB, chB)

	b.Publish(testViolation(wsA))

	select {
	case <-chA:
	case <-time.After(time.Second):
		t.Fatal("subscriber for the alert's workspace got nothing")
	}
	select {
	case <-chB:
		t.Fatal("alert leaked to another workspace")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerDropsWhenSubscriberFull(t *testing.T) {
	b := NewBroker(testLogger)
	ws := uuid.New()

	ch := b.Subscribe(ws)
	defer b.Unsubscribe(ws, ch)

	// Overfill the subscriber buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Publish(testViolation(ws))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker(testLogger)
	ws := uuid.New()

	ch := b.Subscribe(ws)
	b.Unsubscribe(ws, ch)

	_, open := <-ch
	require.False(t, open)

	// Publishing after the last unsubscribe is a no-op.
	b.Publish(testViolation(ws))
}
