// Package consistency computes per-template trust scores used to weigh
// templates against each other when merging.
package consistency

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/ricesearch/kbprobe/internal/probe"
)

// Smoothing keeps the back-translation weight normaliser away from zero.
const Smoothing = 1e-10

// MaskedMean returns, per sample, the mask-weighted mean log-probability of the
// true input tokens. A sample with an empty mask scores -Inf.
func MaskedMean(gen *probe.Generation) []float64 {
	out := make([]float64, gen.Size())
	for b := range out {
		var sum, n float64
		for pos, m := range gen.Mask[b] {
			if m == 0 {
				continue
			}
			sum += gen.TokenLogProb(b, pos) * m
			n += m
		}
		if n == 0 {
			out[b] = math.Inf(-1)
			continue
		}
		out[b] = sum / n
	}
	return out
}

// ObjectMax returns the highest object log-probability of each sample.
func ObjectMax(dists [][]float64) []float64 {
	out := make([]float64, len(dists))
	for i, d := range dists {
		out[i] = floats.Max(d)
	}
	return out
}

// ObjectGap returns top1 - top2 of each sample's distribution. Distributions
// with fewer than two entries score 0.
func ObjectGap(dists [][]float64) []float64 {
	out := make([]float64, len(dists))
	for i, d := range dists {
		if len(d) < 2 {
			continue
		}
		first, second := math.Inf(-1), math.Inf(-1)
		for _, v := range d {
			switch {
			case v > first:
				first, second = v, first
			case v > second:
				second = v
			}
		}
		out[i] = first - second
	}
	return out
}

// Weighted combines per-candidate scores with weights exp(logWeights):
// Σ score·w / (Σ w + Smoothing). Inputs are indexed [sample][candidate].
func Weighted(scores, logWeights [][]float64) []float64 {
	out := make([]float64, len(scores))
	for b := range scores {
		var num, den float64
		for k, s := range scores[b] {
			w := math.Exp(logWeights[b][k])
			if w == 0 {
				continue
			}
			num += s * w
			den += w
		}
		out[b] = num / (den + Smoothing)
	}
	return out
}
