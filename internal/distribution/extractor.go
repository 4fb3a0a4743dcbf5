// Package distribution reduces model output to per-sample object distributions.
package distribution

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/ricesearch/kbprobe/internal/pkg/errors"
	"github.com/ricesearch/kbprobe/internal/probe"
	"github.com/ricesearch/kbprobe/internal/vocab"
)

// Space is the index space distributions live in: the full vocabulary, or a
// subset of it when one is configured.
type Space struct {
	Vocab  []string
	Subset *vocab.Subset
}

// Size returns the width of a distribution in this space.
func (s Space) Size() int {
	if s.Subset != nil {
		return s.Subset.Len()
	}
	return len(s.Vocab)
}

// VocabID maps a position to a model vocabulary id.
func (s Space) VocabID(pos int) int {
	if s.Subset != nil {
		return s.Subset.IDs[pos]
	}
	return pos
}

// Surface returns the surface form at a position.
func (s Space) Surface(pos int) string {
	return s.Vocab[s.VocabID(pos)]
}

// Position maps a model vocabulary id into this space.
func (s Space) Position(id int) (int, bool) {
	if s.Subset != nil {
		return s.Subset.Position(id)
	}
	return id, id >= 0 && id < len(s.Vocab)
}

// Extractor slices the mask-position distribution out of a generation.
type Extractor struct {
	Space Space
}

// NewExtractor creates an extractor over the model vocabulary and optional subset.
func NewExtractor(vocabulary []string, subset *vocab.Subset) *Extractor {
	return &Extractor{Space: Space{Vocab: vocabulary, Subset: subset}}
}

// Extract returns, per sample, the log-probabilities at the first masked
// position, index-selected into the subset when one is active.
func (e *Extractor) Extract(gen *probe.Generation) ([][]float64, error) {
	out := make([][]float64, gen.Size())
	for b := range gen.LogProbs {
		if len(gen.MaskedIndices[b]) == 0 {
			return nil, errors.ModelError(fmt.Sprintf("sample %d has no masked position", b), nil)
		}
		row := gen.LogProbs[b][gen.MaskedIndices[b][0]]
		if len(row) != len(e.Space.Vocab) {
			return nil, errors.TemplateShapeError(fmt.Sprintf("sample %d: distribution width %d, vocabulary %d", b, len(row), len(e.Space.Vocab)))
		}
		if e.Space.Subset == nil {
			out[b] = append([]float64(nil), row...)
			continue
		}
		sel := make([]float64, e.Space.Subset.Len())
		for i, id := range e.Space.Subset.IDs {
			sel[i] = row[id]
		}
		out[b] = sel
	}
	return out, nil
}

// LabelIndex resolves the gold object to its position in the extractor's space.
// The object must re-tokenize to a single id whose surface equals the label and,
// with a subset active, lie inside it.
func (e *Extractor) LabelIndex(ctx context.Context, r vocab.Resolver, object string) (int, error) {
	ids, err := r.TokenID(ctx, object)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, errors.VocabularyMismatchError(object, "is not in model vocabulary")
	}
	if ids[0] < 0 || ids[0] >= len(e.Space.Vocab) || e.Space.Vocab[ids[0]] != object {
		return 0, errors.VocabularyMismatchError(object, "does not round-trip through the tokenizer")
	}
	if e.Space.Subset != nil && !e.Space.Subset.ContainsWord(object) {
		return 0, errors.VocabularyMismatchError(object, "is not in vocab subset")
	}
	pos, ok := e.Space.Position(ids[0])
	if !ok {
		return 0, errors.VocabularyMismatchError(object, "is not in vocab subset")
	}
	return pos, nil
}

// TopK returns the indices of the k largest entries, largest first. Ties keep
// the lower index first.
func TopK(dist []float64, k int) []int {
	idx := make([]int, len(dist))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return dist[idx[a]] > dist[idx[b]]
	})
	if k > len(idx) {
		k = len(idx)
	}
	return idx[:k]
}

// Exp converts log-probability rows to probabilities.
func Exp(dists [][]float64) [][]float64 {
	return apply(dists, math.Exp)
}

// Log converts probability rows to log-probabilities.
func Log(dists [][]float64) [][]float64 {
	return apply(dists, math.Log)
}

func apply(dists [][]float64, fn func(float64) float64) [][]float64 {
	out := make([][]float64, len(dists))
	for i, row := range dists {
		r := make([]float64, len(row))
		for j, v := range row {
			r[j] = fn(v)
		}
		out[i] = r
	}
	return out
}
