package ensemble

import (
	"fmt"
	"math"
	"sort"

	"github.com/viterin/vek"

	"github.com/ricesearch/kbprobe/internal/pkg/errors"
	"github.com/ricesearch/kbprobe/internal/tensor"
)

// Merger merges a (batch, templates, vocab) log-probability stack into a
// (batch, vocab) probability mixture.
type Merger interface {
	Merge(relation string, x *tensor.Dense) (*tensor.Dense, error)
}

// Combiner accumulates the distributions of one batch across templates and
// merges them with a fixed strategy.
type Combiner struct {
	strategy Strategy
	relation string
	merger   Merger

	dists  [][][]float64 // [template][sample][vocab]
	scores [][]float64   // [template][sample]
}

// NewCombiner creates a combiner. merger is required for Learned.
func NewCombiner(s Strategy, relation string, merger Merger) *Combiner {
	return &Combiner{strategy: s, relation: relation, merger: merger}
}

// Strategy returns the merge strategy.
func (c *Combiner) Strategy() Strategy {
	return c.strategy
}

// Templates returns the number of templates added so far.
func (c *Combiner) Templates() int {
	return len(c.dists)
}

// Reset drops accumulated templates.
func (c *Combiner) Reset() {
	c.dists = nil
	c.scores = nil
}

// Add accumulates one template's distributions and consistency scores. Scores
// are required by MaxLM and TopK and ignored otherwise.
func (c *Combiner) Add(dists [][]float64, scores []float64) error {
	if len(dists) == 0 {
		return errors.TemplateShapeError("empty batch")
	}
	if len(c.dists) > 0 {
		ref := c.dists[0]
		if len(dists) != len(ref) {
			return errors.TemplateShapeError(fmt.Sprintf("template %d has batch %d, want %d", len(c.dists), len(dists), len(ref)))
		}
		if len(dists[0]) != len(ref[0]) {
			return errors.TemplateShapeError(fmt.Sprintf("template %d has width %d, want %d", len(c.dists), len(dists[0]), len(ref[0])))
		}
	}
	if _, ok := ScoreOf(c.strategy); ok {
		if len(scores) != len(dists) {
			return errors.TemplateShapeError(fmt.Sprintf("%d scores for %d samples", len(scores), len(dists)))
		}
	}
	c.dists = append(c.dists, dists)
	c.scores = append(c.scores, scores)
	return nil
}

// Stack returns the accumulated distributions as a (batch, templates, vocab) tensor.
func (c *Combiner) Stack() (*tensor.Dense, error) {
	return tensor.Stack(c.dists)
}

// Distributions returns the accumulated distributions indexed [template][sample].
func (c *Combiner) Distributions() [][][]float64 {
	return c.dists
}

// Merge produces one distribution per sample.
func (c *Combiner) Merge() ([][]float64, error) {
	if len(c.dists) == 0 {
		return nil, errors.TemplateShapeError("no templates to merge")
	}
	switch s := c.strategy.(type) {
	case None:
		return c.sum(), nil
	case MaxLM:
		return c.selectMax(), nil
	case TopK:
		return c.topK(s.K), nil
	case Learned:
		return c.learned()
	default:
		return nil, errors.InternalError(fmt.Sprintf("unhandled strategy %T", s), nil)
	}
}

func (c *Combiner) sum() [][]float64 {
	out := make([][]float64, len(c.dists[0]))
	for b := range out {
		acc := append([]float64(nil), c.dists[0][b]...)
		for t := 1; t < len(c.dists); t++ {
			vek.Add_Inplace(acc, c.dists[t][b])
		}
		out[b] = acc
	}
	return out
}

// selectMax replaces the kept distribution only on a strictly higher score.
func (c *Combiner) selectMax() [][]float64 {
	out := make([][]float64, len(c.dists[0]))
	for b := range out {
		best := 0
		for t := 1; t < len(c.dists); t++ {
			if c.scores[t][b] > c.scores[best][b] {
				best = t
			}
		}
		out[b] = append([]float64(nil), c.dists[best][b]...)
	}
	return out
}

func (c *Combiner) topK(k int) [][]float64 {
	nt := len(c.dists)
	k = min(k, nt)
	out := make([][]float64, len(c.dists[0]))
	col := make([]float64, nt)
	for b := range out {
		for t := 0; t < nt; t++ {
			col[t] = c.scores[t][b]
		}
		threshold := kthLargest(col, k)

		acc := make([]float64, len(c.dists[0][b]))
		n := 0
		for t := 0; t < nt; t++ {
			if col[t] >= threshold {
				vek.Add_Inplace(acc, c.dists[t][b])
				n++
			}
		}
		vek.MulNumber_Inplace(acc, 1/float64(n))
		out[b] = acc
	}
	return out
}

func (c *Combiner) learned() ([][]float64, error) {
	if c.merger == nil {
		return nil, errors.InternalError("learned strategy without a template weight model", nil)
	}
	x, err := c.Stack()
	if err != nil {
		return nil, err
	}
	merged, err := c.merger.Merge(c.relation, x)
	if err != nil {
		return nil, err
	}
	if merged.Rank() != 2 {
		return nil, errors.TemplateShapeError(fmt.Sprintf("merged tensor has rank %d, want 2", merged.Rank()))
	}
	out := merged.ToRows()
	for _, row := range out {
		for i, p := range row {
			row[i] = math.Log(p)
		}
	}
	return out, nil
}

func kthLargest(vals []float64, k int) float64 {
	sorted := append([]float64(nil), vals...)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))
	return sorted[k-1]
}
