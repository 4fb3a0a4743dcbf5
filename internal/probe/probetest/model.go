// Package probetest provides a deterministic in-memory probe.Model for tests.
package probetest

import (
	"context"
	"strings"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/ricesearch/kbprobe/internal/probe"
)

// MaskToken is the mask token used by Model.
const MaskToken = "[MASK]"

// LogitsFunc returns raw scores over the vocabulary for position pos of the
// given (masked) input tokens. Returning nil means uniform.
type LogitsFunc func(tokens []string, pos int) []float64

// Model is a whitespace-tokenizing masked language model with pluggable logits.
type Model struct {
	vocab  []string
	ids    map[string]int
	Logits LogitsFunc

	mu    sync.Mutex
	calls int
}

// New creates a model over vocab. The mask token is appended if missing.
func New(vocab []string, logits LogitsFunc) *Model {
	v := append([]string(nil), vocab...)
	ids := make(map[string]int, len(v)+1)
	for i, w := range v {
		ids[w] = i
	}
	if _, ok := ids[MaskToken]; !ok {
		ids[MaskToken] = len(v)
		v = append(v, MaskToken)
	}
	return &Model{vocab: v, ids: ids, Logits: logits}
}

// Calls returns how many BatchGeneration calls were made.
func (m *Model) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// ID returns the id of a vocabulary word, or -1.
func (m *Model) ID(word string) int {
	if id, ok := m.ids[word]; ok {
		return id
	}
	return -1
}

// MaskToken implements probe.Model.
func (m *Model) MaskToken() string {
	return MaskToken
}

// Vocab implements probe.Model.
func (m *Model) Vocab() []string {
	return m.vocab
}

// Tokenize implements probe.Model.
func (m *Model) Tokenize(_ context.Context, text string) ([]string, error) {
	return strings.Fields(text), nil
}

// TokenID implements probe.Model.
func (m *Model) TokenID(_ context.Context, label string) ([]int, error) {
	toks := strings.Fields(label)
	if len(toks) == 0 {
		return nil, nil
	}
	ids := make([]int, len(toks))
	for i, t := range toks {
		id, ok := m.ids[t]
		if !ok {
			return nil, nil
		}
		ids[i] = id
	}
	return ids, nil
}

// BatchGeneration implements probe.Model.
func (m *Model) BatchGeneration(ctx context.Context, req probe.GenerationRequest) (*probe.Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	n := req.Size()
	gen := &probe.Generation{
		LogProbs:      make([][][]float64, n),
		TokenIDs:      make([][]int, n),
		MaskedIndices: make([][]int, n),
		Tokens:        make([][]int, n),
		Mask:          make([][]float64, n),
	}

	maskID := m.ids[MaskToken]
	for b := 0; b < n; b++ {
		var toks []string
		if req.Tokens != nil {
			toks = req.Tokens[b]
		} else {
			for _, s := range req.Sentences[b] {
				toks = append(toks, strings.Fields(s)...)
			}
		}

		input := make([]string, len(toks))
		copy(input, toks)
		if req.RelationMask != nil {
			for i, r := range req.RelationMask[b] {
				if r == 1 {
					input[i] = MaskToken
				}
			}
		}

		seq := len(toks)
		gen.LogProbs[b] = make([][]float64, seq)
		gen.TokenIDs[b] = make([]int, seq)
		gen.Tokens[b] = make([]int, seq)
		gen.Mask[b] = make([]float64, seq)
		for i := range toks {
			gen.Tokens[b][i] = m.lookup(toks[i])
			gen.TokenIDs[b][i] = m.lookup(input[i])
			if input[i] == MaskToken {
				gen.TokenIDs[b][i] = maskID
				gen.MaskedIndices[b] = append(gen.MaskedIndices[b], i)
			}
			switch {
			case req.RelationMask != nil:
				gen.Mask[b][i] = float64(req.RelationMask[b][i])
			case toks[i] != MaskToken:
				gen.Mask[b][i] = 1
			}
			gen.LogProbs[b][i] = m.logSoftmax(input, i)
		}
	}
	return gen, nil
}

func (m *Model) lookup(tok string) int {
	if id, ok := m.ids[tok]; ok {
		return id
	}
	return m.ids[MaskToken]
}

func (m *Model) logSoftmax(input []string, pos int) []float64 {
	v := len(m.vocab)
	logits := make([]float64, v)
	if m.Logits != nil {
		if l := m.Logits(input, pos); l != nil {
			copy(logits, l)
		}
	}
	lse := floats.LogSumExp(logits)
	out := make([]float64, v)
	for i, x := range logits {
		out[i] = x - lse
	}
	return out
}

var _ probe.Model = (*Model)(nil)
