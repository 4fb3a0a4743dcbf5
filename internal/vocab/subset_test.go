package vocab

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ricesearch/kbprobe/internal/pkg/logger"
	"github.com/ricesearch/kbprobe/internal/probe/probetest"
)

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "common_vocab.txt")
	content := "paris\n\nfrance\n  berlin  \nparis\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	words, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	want := []string{"paris", "france", "berlin"}
	if len(words) != len(want) {
		t.Fatalf("LoadFile() = %v, want %v", words, want)
	}
	for i := range want {
		if words[i] != want[i] {
			t.Errorf("words[%d] = %q, want %q", i, words[i], want[i])
		}
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.txt")); err == nil {
		t.Error("LoadFile() expected error for missing file")
	}
}

func TestBuild(t *testing.T) {
	model := probetest.New([]string{"paris", "france", "new", "york", "berlin"}, nil)

	s, err := Build(context.Background(), model, []string{"france", "new york", "rome", "paris"}, logger.Discard())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 (multi-token and unknown words skipped)", s.Len())
	}

	// Subset order follows the word list, not the model vocabulary.
	if s.Words[0] != "france" || s.Words[1] != "paris" {
		t.Errorf("Words = %v, want [france paris]", s.Words)
	}

	pos, ok := s.Position(model.ID("paris"))
	if !ok || pos != 1 {
		t.Errorf("Position(paris) = %d, %v; want 1, true", pos, ok)
	}

	if _, ok := s.Position(model.ID("berlin")); ok {
		t.Error("Position(berlin) should be absent")
	}

	if !s.ContainsWord("france") || s.ContainsWord("berlin") {
		t.Error("ContainsWord() mismatch")
	}
}

func TestNew(t *testing.T) {
	s := New([]string{"a", "b"}, []int{7, 3})
	if p, _ := s.Position(3); p != 1 {
		t.Errorf("Position(3) = %d, want 1", p)
	}
}

func TestSpecial(t *testing.T) {
	words := []string{"[PAD]", "[CLS]", "[SEP]", "[MASK]", "<s>", "</s>", "paris", "[", "<>", "[a b]", "<mask>"}
	got := Special(words, "<mask>")

	want := map[int]bool{0: true, 1: true, 2: true, 3: true, 4: true, 5: true, 10: true}
	for id, w := range words {
		if got[id] != want[id] {
			t.Errorf("Special()[%d] (%q) = %v, want %v", id, w, got[id], want[id])
		}
	}
}
