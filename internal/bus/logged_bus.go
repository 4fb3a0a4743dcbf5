package bus

import (
	"context"

	"github.com/ricesearch/kbprobe/internal/pkg/logger"
)

// LoggedBus appends every published event to a Journal before handing it
// to the inner bus.
type LoggedBus struct {
	inner   Bus
	journal *Journal
	log     *logger.Logger
}

// NewLoggedBus wraps inner. The bus owns journal and closes it on Close.
func NewLoggedBus(inner Bus, journal *Journal, log *logger.Logger) *LoggedBus {
	if log == nil {
		log = logger.Default()
	}
	return &LoggedBus{inner: inner, journal: journal, log: log}
}

// Publish journals the event and publishes it. Journal failures are logged
// and do not fail the publish.
func (b *LoggedBus) Publish(ctx context.Context, topic string, event Event) error {
	if err := b.journal.Append(topic, event); err != nil {
		b.log.Warn("Failed to journal event", "topic", topic, "event_id", event.ID, "error", err)
	}
	return b.inner.Publish(ctx, topic, event)
}

// Subscribe delegates to the inner bus.
func (b *LoggedBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	return b.inner.Subscribe(ctx, topic, handler)
}

// Close closes the journal, then the inner bus.
func (b *LoggedBus) Close() error {
	if err := b.journal.Close(); err != nil {
		b.log.Warn("Failed to close event journal", "error", err)
	}
	return b.inner.Close()
}
