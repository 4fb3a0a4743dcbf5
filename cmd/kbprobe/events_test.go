package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricesearch/kbprobe/internal/bus"
	"github.com/ricesearch/kbprobe/internal/pkg/logger"
)

func TestFormatEvent(t *testing.T) {
	mrr := 0.5
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	tests := []struct {
		name  string
		event bus.Event
		want  string
	}{
		{
			name:  "batch",
			event: bus.Event{Type: bus.TopicBatchCompleted, Timestamp: ts, CorrelationID: "r1", Payload: bus.BatchCompleted{Relation: "P19", Batch: 0, Batches: 3, Samples: 32}},
			want:  "2024-03-01T12:00:00Z r1 P19 batch 1/3 samples=32",
		},
		{
			name:  "epoch from json",
			event: bus.Event{Type: bus.TopicEpochCompleted, Timestamp: ts, CorrelationID: "r2", Payload: map[string]any{"relation": "P36", "epoch": 4.0, "loss": 0.25}},
			want:  "2024-03-01T12:00:00Z r2 P36 epoch 4 loss=0.250000",
		},
		{
			name:  "run",
			event: bus.Event{Type: bus.TopicRunCompleted, Timestamp: ts, CorrelationID: "r1", Payload: bus.RunCompleted{Relation: "P19", Mode: "off", Samples: 90, Excluded: 10, MRR: &mrr}},
			want:  "2024-03-01T12:00:00Z r1 P19 done mode=off samples=90 excluded=10 mrr=0.5000",
		},
		{
			name:  "unknown topic",
			event: bus.Event{Type: "other", Timestamp: ts, CorrelationID: "r3"},
			want:  "2024-03-01T12:00:00Z r3 other",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := formatEvent(tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatEvent_BadPayload(t *testing.T) {
	_, err := formatEvent(bus.Event{Type: bus.TopicBatchCompleted, Payload: map[string]any{"batch": "two"}})
	assert.Error(t, err)
}

func TestReplayJournal_PrintsInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	j, err := bus.OpenJournal(path)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, j.Append(bus.TopicBatchCompleted,
			bus.NewEvent(bus.TopicBatchCompleted, "runner", "run-a", bus.BatchCompleted{Relation: "P19", Batch: i, Batches: 3, Samples: 2})))
	}
	require.NoError(t, j.Append(bus.TopicBatchCompleted,
		bus.NewEvent(bus.TopicBatchCompleted, "runner", "run-b", bus.BatchCompleted{Relation: "P36", Batch: 0, Batches: 1})))
	require.NoError(t, j.Append(bus.TopicRunCompleted,
		bus.NewEvent(bus.TopicRunCompleted, "runner", "run-a", bus.RunCompleted{Relation: "P19", Mode: "off", Samples: 6})))
	require.NoError(t, j.Close())

	var out bytes.Buffer
	n, err := replayJournal(context.Background(), path, time.Time{}, newPrinter(&out, "run-a"), logger.Discard())
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "run-a P19 batch 1/3")
	assert.Contains(t, lines[1], "run-a P19 batch 2/3")
	assert.Contains(t, lines[2], "run-a P19 batch 3/3")
	assert.Contains(t, lines[3], "run-a P19 done mode=off samples=6 excluded=0")
}
