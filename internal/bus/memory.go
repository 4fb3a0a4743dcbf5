package bus

import (
	"context"
	"sync"
	"time"

	"github.com/ricesearch/kbprobe/internal/pkg/errors"
	"github.com/ricesearch/kbprobe/internal/pkg/logger"
)

// MemoryBus is an in-process event bus. Handlers run on their own goroutines
// unless the bus is ordered.
type MemoryBus struct {
	mu         sync.RWMutex
	handlers   map[string][]Handler
	closed     bool
	ordered    bool
	log        *logger.Logger
	inflightWg sync.WaitGroup // Tracks in-flight handlers for graceful shutdown
}

// NewMemoryBus creates a new in-memory event bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	if log == nil {
		log = logger.Default()
	}
	return &MemoryBus{
		handlers: make(map[string][]Handler),
		log:      log,
	}
}

// NewOrderedMemoryBus creates a memory bus that runs handlers on the
// publishing goroutine, so subscribers see events in publish order.
func NewOrderedMemoryBus(log *logger.Logger) *MemoryBus {
	b := NewMemoryBus(log)
	b.ordered = true
	return b
}

// Publish publishes an event to all subscribers of a topic.
func (b *MemoryBus) Publish(ctx context.Context, topic string, event Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errors.New(errors.CodeUnavailable, "bus is closed")
	}
	handlers := append([]Handler(nil), b.handlers[topic]...)
	if len(handlers) > 0 {
		b.inflightWg.Add(len(handlers))
	}
	b.mu.RUnlock()

	if b.ordered {
		for _, h := range handlers {
			b.run(ctx, h, topic, event)
		}
		return nil
	}
	for _, handler := range handlers {
		go b.run(ctx, handler, topic, event)
	}
	return nil
}

func (b *MemoryBus) run(ctx context.Context, h Handler, topic string, event Event) {
	defer b.inflightWg.Done()
	if err := h(ctx, event); err != nil {
		b.log.Warn("Event handler failed", "topic", topic, "event_id", event.ID, "error", err)
	}
}

// Subscribe registers a handler for events on a topic.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.New(errors.CodeUnavailable, "bus is closed")
	}

	b.handlers[topic] = append(b.handlers[topic], handler)
	return nil
}

// Close closes the bus, waiting for in-flight handlers to complete.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if !b.DrainTimeout(10 * time.Second) {
		b.log.Warn("Event drain timeout reached, some handlers may not have completed")
	}

	b.mu.Lock()
	b.handlers = nil
	b.mu.Unlock()

	return nil
}

// DrainTimeout waits for in-flight handlers to complete with custom timeout.
func (b *MemoryBus) DrainTimeout(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		b.inflightWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
