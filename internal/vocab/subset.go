// Package vocab loads vocabulary subsets and maps them onto model token ids.
package vocab

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ricesearch/kbprobe/internal/pkg/logger"
	"github.com/ricesearch/kbprobe/internal/pkg/security"
)

// Resolver maps a surface form to model token ids.
type Resolver interface {
	TokenID(ctx context.Context, label string) ([]int, error)
}

// Subset is an ordered restriction of the model vocabulary. Position i of the
// subset corresponds to model id IDs[i] and surface Words[i].
type Subset struct {
	Words []string
	IDs   []int

	pos   map[int]int
	words map[string]int
}

// LoadFile reads one word per line, skipping blanks and duplicates.
func LoadFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocab subset: %w", err)
	}
	defer f.Close()

	var words []string
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		w := strings.TrimSpace(scanner.Text())
		if w == "" || seen[w] {
			continue
		}
		seen[w] = true
		words = append(words, w)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read vocab subset: %w", err)
	}
	return words, nil
}

// Build resolves words to single model ids. Words that are unknown or span
// more than one token are dropped with a warning.
func Build(ctx context.Context, r Resolver, words []string, log *logger.Logger) (*Subset, error) {
	s := &Subset{
		pos:   make(map[int]int, len(words)),
		words: make(map[string]int, len(words)),
	}
	for _, w := range words {
		ids, err := r.TokenID(ctx, w)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", w, err)
		}
		if len(ids) != 1 {
			log.Warn("Skipping vocab subset word", "word", security.SanitizeForLog(w), "tokens", len(ids))
			continue
		}
		if _, dup := s.pos[ids[0]]; dup {
			continue
		}
		s.pos[ids[0]] = len(s.IDs)
		s.words[w] = len(s.IDs)
		s.IDs = append(s.IDs, ids[0])
		s.Words = append(s.Words, w)
	}
	return s, nil
}

// New builds a subset from parallel word and id lists.
func New(words []string, ids []int) *Subset {
	s := &Subset{
		Words: words,
		IDs:   ids,
		pos:   make(map[int]int, len(ids)),
		words: make(map[string]int, len(words)),
	}
	for i, id := range ids {
		s.pos[id] = i
		s.words[words[i]] = i
	}
	return s
}

// Len returns the number of entries.
func (s *Subset) Len() int {
	return len(s.IDs)
}

// Position returns the subset position of a model id.
func (s *Subset) Position(id int) (int, bool) {
	p, ok := s.pos[id]
	return p, ok
}

// ContainsWord reports whether surface form w is in the subset.
func (s *Subset) ContainsWord(w string) bool {
	_, ok := s.words[w]
	return ok
}

// Special returns the ids of bracketed control tokens such as [CLS], [SEP],
// <s> and </s>, plus the mask token.
func Special(vocabulary []string, maskToken string) map[int]bool {
	ids := make(map[int]bool)
	for id, w := range vocabulary {
		if w == maskToken || isControl(w) {
			ids[id] = true
		}
	}
	return ids
}

func isControl(w string) bool {
	if len(w) < 3 {
		return false
	}
	switch {
	case w[0] == '[' && w[len(w)-1] == ']':
	case w[0] == '<' && w[len(w)-1] == '>':
	default:
		return false
	}
	inner := strings.TrimPrefix(w[1:len(w)-1], "/")
	if inner == "" {
		return false
	}
	for _, r := range inner {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r == '_' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}
