// Package rerank reorders the merged object candidates by how well each
// template reconstructs the subject from them.
package rerank

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/ricesearch/kbprobe/internal/batch"
	"github.com/ricesearch/kbprobe/internal/consistency"
	"github.com/ricesearch/kbprobe/internal/distribution"
	"github.com/ricesearch/kbprobe/internal/ensemble"
	"github.com/ricesearch/kbprobe/internal/pkg/errors"
	"github.com/ricesearch/kbprobe/internal/tensor"
)

// Input is one batch across every template of a relation.
type Input struct {
	// Samples is indexed [template][sample].
	Samples [][]*batch.Sample
	// Dists holds per-template object log-probabilities, indexed [template][sample].
	Dists [][][]float64
	// Merged is the combined distribution the candidates are drawn from.
	Merged [][]float64
}

func (in Input) validate() error {
	if len(in.Samples) == 0 || len(in.Samples) != len(in.Dists) {
		return errors.TemplateShapeError(fmt.Sprintf("%d sample lists for %d distribution lists", len(in.Samples), len(in.Dists)))
	}
	for t := range in.Samples {
		if len(in.Samples[t]) != len(in.Samples[0]) || len(in.Dists[t]) != len(in.Samples[0]) {
			return errors.TemplateShapeError(fmt.Sprintf("template %d batch size differs", t))
		}
	}
	return nil
}

// Reranker scores the top-N candidates with forward and backward features
// merged by a weight model.
type Reranker struct {
	Translator *consistency.BackTranslator
	Merger     ensemble.Merger
	Relation   string
	N          int
}

// Candidates returns the N best positions of each merged row in ascending order.
func Candidates(merged [][]float64, n int) [][]int {
	out := make([][]int, len(merged))
	for b, row := range merged {
		c := distribution.TopK(row, n)
		slices.Sort(c)
		out[b] = c
	}
	return out
}

// Rerank returns full-width log distributions carrying mass only on each
// sample's N candidates.
func (r *Reranker) Rerank(ctx context.Context, in Input) ([][]float64, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if len(in.Merged) != len(in.Samples[0]) {
		return nil, errors.TemplateShapeError(fmt.Sprintf("%d merged rows for batch %d", len(in.Merged), len(in.Samples[0])))
	}
	if r.N < 1 {
		return nil, errors.ValidationError("rerank candidate count must be positive")
	}
	cands := Candidates(in.Merged, r.N)
	width := len(cands[0])
	for b, c := range cands {
		if len(c) != width {
			return nil, errors.TemplateShapeError(fmt.Sprintf("sample %d has %d candidates, want %d", b, len(c), width))
		}
	}

	x, err := r.features(ctx, in, cands)
	if err != nil {
		return nil, err
	}
	mix, err := r.Merger.Merge(r.Relation, x)
	if err != nil {
		return nil, err
	}

	out := make([][]float64, len(in.Merged))
	for b := range out {
		row := make([]float64, len(in.Merged[b]))
		for v := range row {
			row[v] = math.Inf(-1)
		}
		for n, pos := range cands[b] {
			row[pos] = math.Log(mix.At(b, n))
		}
		out[b] = row
	}
	return out, nil
}

// features builds the (batch, 2·templates, candidates) stack of forward object
// log-probabilities followed by backward subject scores.
func (r *Reranker) features(ctx context.Context, in Input, cands [][]int) (*tensor.Dense, error) {
	nt := len(in.Samples)
	obj := make([][][]float64, nt)
	sub := make([][][]float64, nt)
	for t := 0; t < nt; t++ {
		obj[t] = make([][]float64, len(cands))
		for b, c := range cands {
			obj[t][b] = make([]float64, len(c))
			for n, pos := range c {
				obj[t][b][n] = in.Dists[t][b][pos]
			}
		}
		s, err := r.Translator.SubjectScores(ctx, in.Samples[t], cands)
		if err != nil {
			return nil, fmt.Errorf("template %d: %w", t, err)
		}
		sub[t] = s
	}
	fwd, err := tensor.Stack(obj)
	if err != nil {
		return nil, err
	}
	bwd, err := tensor.Stack(sub)
	if err != nil {
		return nil, err
	}
	return tensor.Concat(fwd, bwd)
}

// Features returns the (batch, templates) backward scores of the gold objects.
func (r *Reranker) Features(ctx context.Context, samples [][]*batch.Sample, gold []int) (*tensor.Dense, error) {
	if len(samples) == 0 {
		return nil, errors.TemplateShapeError("no templates")
	}
	cands := make([][]int, len(gold))
	for b, g := range gold {
		cands[b] = []int{g}
	}
	rows := make([][]float64, len(gold))
	for b := range rows {
		rows[b] = make([]float64, len(samples))
	}
	for t, smp := range samples {
		if len(smp) != len(gold) {
			return nil, errors.TemplateShapeError(fmt.Sprintf("template %d has %d samples for %d gold ids", t, len(smp), len(gold)))
		}
		s, err := r.Translator.SubjectScores(ctx, smp, cands)
		if err != nil {
			return nil, fmt.Errorf("template %d: %w", t, err)
		}
		for b := range rows {
			rows[b][t] = s[b][0]
		}
	}
	return tensor.FromRows(rows)
}
