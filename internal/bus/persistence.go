package bus

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ricesearch/kbprobe/internal/pkg/errors"
)

// maxJournalLine bounds a single journal record.
const maxJournalLine = 1 << 20

// Entry is one journaled event.
type Entry struct {
	Topic    string    `json:"topic"`
	Recorded time.Time `json:"recorded"`
	Event    Event     `json:"event"`
}

// Journal appends events to a JSON lines file so a run's progress can be
// inspected or replayed after the fact.
type Journal struct {
	path string

	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

// OpenJournal opens path for appending, creating it and its directory.
func OpenJournal(path string) (*Journal, error) {
	if path == "" {
		return nil, errors.ValidationError("journal path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.InternalError("create journal directory", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.InternalError("open journal", err)
	}
	return &Journal{path: path, f: f, enc: json.NewEncoder(f)}, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// Append writes one entry and syncs the file.
func (j *Journal) Append(topic string, event Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.f == nil {
		return errors.ConflictError("journal is closed")
	}
	if err := j.enc.Encode(Entry{Topic: topic, Recorded: time.Now().UTC(), Event: event}); err != nil {
		return errors.InternalError("encode journal entry", err)
	}
	if err := j.f.Sync(); err != nil {
		return errors.InternalError("sync journal", err)
	}
	return nil
}

// Close closes the file. Further appends fail.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f, j.enc = nil, nil
	if err != nil {
		return errors.InternalError("close journal", err)
	}
	return nil
}

// ReadJournal returns the entries of path recorded after since, in file
// order. limit > 0 caps the result. Malformed lines are skipped and payloads
// of known topics are decoded into their typed form.
func ReadJournal(path string, since time.Time, limit int) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.InternalError("open journal", err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxJournalLine)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if !e.Recorded.After(since) {
			continue
		}
		e.Event = typed(e.Topic, e.Event)
		entries = append(entries, e)
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.InternalError("scan journal", err)
	}
	return entries, nil
}

// Replay republishes the entries of path recorded after since, in journal
// order, with typed payloads.
func Replay(ctx context.Context, path string, b Bus, since time.Time) (int, error) {
	entries, err := ReadJournal(path, since, 0)
	if err != nil {
		return 0, err
	}
	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := b.Publish(ctx, e.Topic, e.Event); err != nil {
			return i, errors.Wrap(errors.CodeUnavailable, "replay event "+e.Event.ID, err)
		}
	}
	return len(entries), nil
}
