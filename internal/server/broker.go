package server

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/vigil-ai/vigil/internal/model"
)

// Broker fans out newly recorded alerts to SSE subscribers. The detection
// engine publishes in-process via Publish; each subscriber only receives
// alerts for its own workspace.
type Broker struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[uuid.UUID]map[chan []byte]struct{}
}

// NewBroker creates an alert broker.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		logger:      logger,
		subscribers: make(map[uuid.UUID]map[chan []byte]struct{}),
	}
}

// Publish broadcasts a violation to every subscriber of its workspace.
// Slow subscribers with a full buffer have the event dropped so one stalled
// client cannot block the rest.
func (b *Broker) Publish(v model.Violation) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("broker: marshal alert", "error", err)
		return
	}
	event := formatSSE("alert", payload)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers[v.WorkspaceID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe returns a channel of SSE-formatted events for one workspace.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe(workspaceID uuid.UUID) chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribers[workspaceID] == nil {
		b.subscribers[workspaceID] = make(map[chan []byte]struct{})
	}
	b.subscribers[workspaceID][ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(workspaceID uuid.UUID, ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subscribers[workspaceID]; ok {
		delete(subs, ch)
		if len(subs) == 0 {
			delete(b.subscribers, workspaceID)
		}
	}
	close(ch)
}

func formatSSE(eventType string, data []byte) []byte {
	out := make([]byte, 0, len(eventType)+len(data)+16)
	out = append(out, "event: "...)
	out = append(out, eventType...)
	out = append(out, "\ndata: "...)
	out = append(out, data...)
	out = append(out, "\n\n"...)
	return out
}
