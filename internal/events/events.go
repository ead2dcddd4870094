// Package events carries execution lifecycle notifications between the
// tracker and the reputation worker.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/bcrosbie/agentexchange/internal/logger"
)

const SubjectExecutionSealed = "agx.executions.sealed"

type ExecutionSealed struct {
	ExecutionID string    `json:"execution_id"`
	RequesterID string    `json:"requester_id"`
	ExecutorID  string    `json:"executor_id"`
	Capability  string    `json:"capability"`
	Status      string    `json:"status"`
	Outcome     string    `json:"outcome"`
	LatencyMS   int64     `json:"latency_ms"`
	SealedAt    time.Time `json:"sealed_at"`
}

type Handler func(ctx context.Context, event ExecutionSealed) error

type Publisher interface {
	PublishExecutionSealed(ctx context.Context, event ExecutionSealed) error
}

type Subscriber interface {
	SubscribeExecutionSealed(ctx context.Context, handler Handler) (stop func(), err error)
}

type Bus interface {
	Publisher
	Subscriber
	Close() error
}

func encode(event ExecutionSealed) ([]byte, error) {
	return json.Marshal(event)
}

func decode(data []byte) (ExecutionSealed, error) {
	var event ExecutionSealed
	err := json.Unmarshal(data, &event)
	return event, err
}

// MemoryBus delivers events synchronously to in-process subscribers. It is
// used when no broker is configured and in tests.
type MemoryBus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
	log      *slog.Logger
}

func NewMemoryBus(log *slog.Logger) *MemoryBus {
	return &MemoryBus{
		handlers: map[int]Handler{},
		log:      logger.OrDefault(log).With("component", "events"),
	}
}

func (b *MemoryBus) PublishExecutionSealed(ctx context.Context, event ExecutionSealed) error {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, handler := range b.handlers {
		handlers = append(handlers, handler)
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			b.log.Error("event handler failed", "subject", SubjectExecutionSealed, "execution_id", event.ExecutionID, "err", err)
		}
	}
	return nil
}

func (b *MemoryBus) SubscribeExecutionSealed(_ context.Context, handler Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = map[int]Handler{}
	return nil
}
