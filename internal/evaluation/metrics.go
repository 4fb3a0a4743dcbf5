package evaluation

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/ricesearch/kbprobe/internal/distribution"
)

// Rank returns the 1-based rank of gold in dist. Equal scores rank by index.
// A NaN gold score ranks last.
func Rank(dist []float64, gold int) int {
	g := dist[gold]
	if math.IsNaN(g) {
		return len(dist)
	}
	rank := 1
	for i, v := range dist {
		if v > g || (v == g && i < gold) {
			rank++
		}
	}
	return rank
}

// PrecisionAt returns 1 if rank is within the top k, else 0.
func PrecisionAt(rank, k int) float64 {
	if rank <= k {
		return 1
	}
	return 0
}

// Perplexity returns exp of the mean negative log-probability of the sentence
// tokens, skipping masked positions and special token ids. It returns 0 when
// nothing is scored.
func Perplexity(logProbs [][]float64, tokenIDs, masked []int, special map[int]bool) float64 {
	skip := make(map[int]bool, len(masked))
	for _, m := range masked {
		skip[m] = true
	}
	var nll []float64
	for pos, id := range tokenIDs {
		if skip[pos] || special[id] || pos >= len(logProbs) || id < 0 || id >= len(logProbs[pos]) {
			continue
		}
		nll = append(nll, -logProbs[pos][id])
	}
	if len(nll) == 0 {
		return 0
	}
	return math.Exp(floats.Sum(nll) / float64(len(nll)))
}

// Score computes the rank metrics of one sample. It only reads its input.
func Score(in SampleInput) SampleResult {
	rank := Rank(in.Dist, in.Gold)
	res := SampleResult{
		Rank:         rank,
		MRR:          1 / float64(rank),
		PrecisionAtK: PrecisionAt(rank, in.PrecisionAt),
		Precision1:   PrecisionAt(rank, 1),
	}
	if len(in.TokenIDs) > 0 {
		res.Perplexity = Perplexity(in.LogProbs, in.TokenIDs, in.MaskedIndices, in.Special)
	}

	top := distribution.TopK(in.Dist, in.TopK)
	preds := make([]Prediction, len(top))
	for i, pos := range top {
		p := Prediction{Index: i, TokenID: pos, LogProb: in.Dist[pos]}
		if in.VocabID != nil {
			p.TokenID = in.VocabID(pos)
		}
		if in.Surface != nil {
			p.TokenWord = in.Surface(pos)
		}
		preds[i] = p
	}
	res.MaskedTopK = MaskedTopK{
		TopK:         preds,
		Rank:         rank,
		PAtK:         res.PrecisionAtK,
		PAt1:         res.Precision1,
		LabelLogProb: in.Dist[in.Gold],
	}
	return res
}

// Diagnose buckets each template's prediction for one sample by whether its
// top-1 is the gold position. Rows are correct and incorrect; columns are the
// summed top1-top2 probability gap, summed top-1 probability and count.
func Diagnose(perTemplate [][]float64, gold int) [2][3]float64 {
	var stat [2][3]float64
	for _, lp := range perTemplate {
		if len(lp) == 0 {
			continue
		}
		best := floats.MaxIdx(lp)
		top1 := math.Exp(lp[best])
		top2 := 0.0
		for i, v := range lp {
			if i != best {
				top2 = math.Max(top2, math.Exp(v))
			}
		}
		row := 1
		if best == gold {
			row = 0
		}
		stat[row][0] += top1 - top2
		stat[row][1] += top1
		stat[row][2]++
	}
	return stat
}
