package bus

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	apperrors "github.com/ricesearch/kbprobe/internal/pkg/errors"
	"github.com/ricesearch/kbprobe/internal/pkg/logger"
)

func TestJournal_AppendRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "events.jsonl")
	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("OpenJournal() error = %v", err)
	}
	if j.Path() != path {
		t.Errorf("Path() = %q, want %q", j.Path(), path)
	}

	for i := 0; i < 5; i++ {
		ev := NewEvent(TopicBatchCompleted, "runner", "run-1", BatchCompleted{Relation: "P17", Batch: i, Batches: 5})
		if err := j.Append(TopicBatchCompleted, ev); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	all, err := ReadJournal(path, time.Time{}, 0)
	if err != nil {
		t.Fatalf("ReadJournal() error = %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("ReadJournal() returned %d entries, want 5", len(all))
	}
	payload, ok := all[2].Event.Payload.(BatchCompleted)
	if !ok || payload.Batch != 2 || payload.Relation != "P17" {
		t.Errorf("payload of third entry = %#v", all[2].Event.Payload)
	}

	limited, err := ReadJournal(path, time.Time{}, 2)
	if err != nil {
		t.Fatalf("ReadJournal() error = %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limit 2 returned %d entries", len(limited))
	}

	future, err := ReadJournal(path, time.Now().Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("ReadJournal() error = %v", err)
	}
	if len(future) != 0 {
		t.Errorf("since filter returned %d entries, want 0", len(future))
	}
}

func TestJournal_AppendAfterClose(t *testing.T) {
	j, err := OpenJournal(filepath.Join(t.TempDir(), "events.jsonl"))
	if err != nil {
		t.Fatalf("OpenJournal() error = %v", err)
	}
	j.Close()
	if err := j.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := j.Append(TopicRunCompleted, Event{ID: "x"}); !apperrors.IsCode(err, apperrors.CodeConflict) {
		t.Errorf("Append() after close error = %v, want conflict", err)
	}
}

func TestOpenJournal_EmptyPath(t *testing.T) {
	if _, err := OpenJournal(""); !apperrors.IsValidation(err) {
		t.Errorf("OpenJournal(\"\") error = %v, want validation", err)
	}
}

func TestReadJournal_MissingAndMalformed(t *testing.T) {
	dir := t.TempDir()

	entries, err := ReadJournal(filepath.Join(dir, "absent.jsonl"), time.Time{}, 0)
	if err != nil || entries != nil {
		t.Errorf("missing journal = %v, %v; want nil, nil", entries, err)
	}

	path := filepath.Join(dir, "events.jsonl")
	j, _ := OpenJournal(path)
	j.Append(TopicRunCompleted, Event{ID: "a"})
	j.Close()

	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	f.WriteString("{not json\n")
	f.Close()

	j, _ = OpenJournal(path)
	j.Append(TopicRunCompleted, Event{ID: "b"})
	j.Close()

	entries, err = ReadJournal(path, time.Time{}, 0)
	if err != nil {
		t.Fatalf("ReadJournal() error = %v", err)
	}
	if len(entries) != 2 || entries[0].Event.ID != "a" || entries[1].Event.ID != "b" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	j, _ := OpenJournal(path)
	for _, id := range []string{"1", "2", "3"} {
		j.Append(TopicEpochCompleted, Event{ID: id, Type: TopicEpochCompleted})
	}
	j.Close()

	b := NewMemoryBus(logger.Discard())
	defer b.Close()

	var mu sync.Mutex
	var got []string
	var wg sync.WaitGroup
	wg.Add(3)
	b.Subscribe(context.Background(), TopicEpochCompleted, func(ctx context.Context, event Event) error {
		mu.Lock()
		got = append(got, event.ID)
		mu.Unlock()
		wg.Done()
		return nil
	})

	n, err := Replay(context.Background(), path, b, time.Time{})
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if n != 3 {
		t.Errorf("Replay() = %d, want 3", n)
	}
	waitGroup(t, &wg)
	if len(got) != 3 {
		t.Errorf("replayed %v", got)
	}
}

func TestReplay_Cancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	j, _ := OpenJournal(path)
	j.Append(TopicEpochCompleted, Event{ID: "1"})
	j.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := NewMemoryBus(logger.Discard())
	defer b.Close()
	n, err := Replay(ctx, path, b, time.Time{})
	if err != context.Canceled || n != 0 {
		t.Errorf("Replay() = %d, %v; want 0, context.Canceled", n, err)
	}
}

func TestReplay_OrderedTypedPayloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	j, _ := OpenJournal(path)
	for i := 0; i < 3; i++ {
		j.Append(TopicBatchCompleted, NewEvent(TopicBatchCompleted, "runner", "run-1", BatchCompleted{Relation: "P19", Batch: i, Batches: 3}))
	}
	j.Close()

	b := NewOrderedMemoryBus(logger.Discard())
	defer b.Close()
	var batches []int
	b.Subscribe(context.Background(), TopicBatchCompleted, func(ctx context.Context, event Event) error {
		p, ok := event.Payload.(BatchCompleted)
		if !ok {
			t.Errorf("payload = %#v, want BatchCompleted", event.Payload)
			return nil
		}
		batches = append(batches, p.Batch)
		return nil
	})

	n, err := Replay(context.Background(), path, b, time.Time{})
	if err != nil || n != 3 {
		t.Fatalf("Replay() = %d, %v", n, err)
	}
	if len(batches) != 3 || batches[0] != 0 || batches[1] != 1 || batches[2] != 2 {
		t.Errorf("batches = %v, want [0 1 2]", batches)
	}
}
