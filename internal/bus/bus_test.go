package bus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ricesearch/kbprobe/internal/config"
	apperrors "github.com/ricesearch/kbprobe/internal/pkg/errors"
	"github.com/ricesearch/kbprobe/internal/pkg/logger"
)

func waitGroup(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for events")
	}
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryBus(logger.Discard())
	defer b.Close()

	var received atomic.Int32
	var wg sync.WaitGroup

	err := b.Subscribe(context.Background(), TopicBatchCompleted, func(ctx context.Context, event Event) error {
		received.Add(1)
		wg.Done()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	wg.Add(3)
	for i := 0; i < 3; i++ {
		ev := NewEvent(TopicBatchCompleted, "runner", "run-1", BatchCompleted{Relation: "P17", Batch: i, Batches: 3})
		if err := b.Publish(context.Background(), TopicBatchCompleted, ev); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	waitGroup(t, &wg)

	if got := received.Load(); got != 3 {
		t.Errorf("Received %d events, want 3", got)
	}
}

func TestMemoryBus_MultipleSubscribers(t *testing.T) {
	b := NewMemoryBus(logger.Discard())
	defer b.Close()

	var count1, count2 atomic.Int32
	var wg sync.WaitGroup
	for _, c := range []*atomic.Int32{&count1, &count2} {
		b.Subscribe(context.Background(), TopicRunCompleted, func(ctx context.Context, event Event) error {
			c.Add(1)
			wg.Done()
			return nil
		})
	}

	wg.Add(2)
	if err := b.Publish(context.Background(), TopicRunCompleted, NewEvent(TopicRunCompleted, "runner", "run-1", nil)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	waitGroup(t, &wg)

	if count1.Load() != 1 || count2.Load() != 1 {
		t.Errorf("counts = %d, %d, want 1, 1", count1.Load(), count2.Load())
	}
}

func TestMemoryBus_HandlerErrorDoesNotFailPublish(t *testing.T) {
	b := NewMemoryBus(logger.Discard())
	defer b.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	b.Subscribe(context.Background(), TopicEpochCompleted, func(ctx context.Context, event Event) error {
		defer wg.Done()
		return errors.New("handler failed")
	})

	if err := b.Publish(context.Background(), TopicEpochCompleted, NewEvent(TopicEpochCompleted, "trainer", "", nil)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	waitGroup(t, &wg)
}

func TestMemoryBus_NoSubscribers(t *testing.T) {
	b := NewMemoryBus(logger.Discard())
	defer b.Close()

	if err := b.Publish(context.Background(), "nobody.listens", Event{ID: "x"}); err != nil {
		t.Errorf("Publish() error = %v, want nil", err)
	}
}

func TestMemoryBus_Closed(t *testing.T) {
	b := NewMemoryBus(logger.Discard())
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	err := b.Publish(context.Background(), TopicRunCompleted, Event{ID: "x"})
	if !apperrors.IsCode(err, apperrors.CodeUnavailable) {
		t.Errorf("Publish() after close error = %v, want unavailable", err)
	}
	err = b.Subscribe(context.Background(), TopicRunCompleted, func(context.Context, Event) error { return nil })
	if !apperrors.IsCode(err, apperrors.CodeUnavailable) {
		t.Errorf("Subscribe() after close error = %v, want unavailable", err)
	}
}

func TestMemoryBus_CloseDrainsHandlers(t *testing.T) {
	b := NewMemoryBus(logger.Discard())

	var finished atomic.Bool
	b.Subscribe(context.Background(), TopicRunCompleted, func(ctx context.Context, event Event) error {
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	b.Publish(context.Background(), TopicRunCompleted, Event{ID: "x"})

	b.Close()
	if !finished.Load() {
		t.Error("Close() returned before in-flight handler finished")
	}
}

func TestOrderedMemoryBus_DeliversInPublishOrder(t *testing.T) {
	b := NewOrderedMemoryBus(logger.Discard())
	defer b.Close()

	var got []string
	b.Subscribe(context.Background(), TopicBatchCompleted, func(ctx context.Context, event Event) error {
		got = append(got, event.ID)
		return nil
	})

	for _, id := range []string{"a", "b", "c", "d"} {
		if err := b.Publish(context.Background(), TopicBatchCompleted, Event{ID: id}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	if strings.Join(got, "") != "abcd" {
		t.Errorf("delivered %v, want [a b c d] before Publish returns", got)
	}
}

func TestNewEvent(t *testing.T) {
	a := NewEvent(TopicEpochCompleted, "trainer", "run-7", EpochCompleted{Relation: "P17", Epoch: 2, Loss: 0.5})
	b := NewEvent(TopicEpochCompleted, "trainer", "run-7", nil)

	if a.ID == "" || a.ID == b.ID {
		t.Errorf("event ids should be unique and non-empty: %q %q", a.ID, b.ID)
	}
	if a.Type != TopicEpochCompleted || a.Source != "trainer" || a.CorrelationID != "run-7" {
		t.Errorf("unexpected event header: %+v", a)
	}
	if a.Timestamp == 0 {
		t.Error("Timestamp not set")
	}
}

type recorder struct {
	mu     sync.Mutex
	topics []string
	errs   int
}

func (r *recorder) RecordBusPublish(topic string, latencyMs int64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	if err != nil {
		r.errs++
	}
}

func TestInstrumentedBus(t *testing.T) {
	inner := NewMemoryBus(logger.Discard())
	rec := &recorder{}
	b := NewInstrumentedBus(inner, rec)

	if err := b.Publish(context.Background(), TopicBatchCompleted, Event{ID: "1"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	b.Close()
	if err := b.Publish(context.Background(), TopicBatchCompleted, Event{ID: "2"}); err == nil {
		t.Fatal("Publish() after close should fail")
	}

	if len(rec.topics) != 2 || rec.errs != 1 {
		t.Errorf("recorded %v with %d errors, want 2 publishes and 1 error", rec.topics, rec.errs)
	}
}

func TestNewBus(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.BusConfig
		wantErr bool
	}{
		{"default is memory", config.BusConfig{}, false},
		{"memory", config.BusConfig{Type: "memory"}, false},
		{"kafka without brokers", config.BusConfig{Type: "kafka"}, true},
		{"unknown", config.BusConfig{Type: "nats"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewBus(tt.cfg, logger.Discard())
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewBus() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				b.Close()
			}
		})
	}
}

func TestNewBus_EventLog(t *testing.T) {
	path := t.TempDir() + "/events.jsonl"
	b, err := NewBus(config.BusConfig{Type: "memory", EventLog: path}, logger.Discard())
	if err != nil {
		t.Fatalf("NewBus() error = %v", err)
	}
	if _, ok := b.(*LoggedBus); !ok {
		t.Fatalf("NewBus() = %T, want *LoggedBus", b)
	}

	ev := NewEvent(TopicRunCompleted, "runner", "run-1", RunCompleted{Relation: "P17", Samples: 4})
	if err := b.Publish(context.Background(), TopicRunCompleted, ev); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	b.Close()

	entries, err := ReadJournal(path, time.Time{}, 0)
	if err != nil {
		t.Fatalf("ReadJournal() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Event.ID != ev.ID || entries[0].Topic != TopicRunCompleted {
		t.Errorf("entries = %+v", entries)
	}
}
