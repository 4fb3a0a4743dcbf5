package evaluation

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricesearch/kbprobe/internal/dataset"
)

func TestRank(t *testing.T) {
	tests := []struct {
		name string
		dist []float64
		gold int
		want int
	}{
		{"top", []float64{-0.1, -2, -3}, 0, 1},
		{"last", []float64{-0.1, -2, -3}, 2, 3},
		{"tie with lower index ranks first", []float64{-1, -1, -3}, 1, 2},
		{"tie with higher index ranks after", []float64{-1, -1, -3}, 0, 1},
		{"neg inf gold", []float64{-1, math.Inf(-1)}, 1, 2},
		{"nan gold ranks last", []float64{-0.1, -0.2, math.NaN(), -0.3}, 2, 4},
		{"nan elsewhere ignored", []float64{math.NaN(), -0.2, -0.1}, 2, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Rank(tt.dist, tt.gold); got != tt.want {
				t.Errorf("Rank() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPrecisionAt(t *testing.T) {
	tests := []struct {
		rank, k int
		want    float64
	}{
		{1, 1, 1},
		{2, 1, 0},
		{10, 10, 1},
		{11, 10, 0},
	}
	for _, tt := range tests {
		if got := PrecisionAt(tt.rank, tt.k); got != tt.want {
			t.Errorf("PrecisionAt(%d, %d) = %v, want %v", tt.rank, tt.k, got, tt.want)
		}
	}
}

func TestPerplexity(t *testing.T) {
	lp := [][]float64{
		{math.Log(0.5), math.Log(0.5)},
		{math.Log(0.9), math.Log(0.1)},
		{math.Log(0.25), math.Log(0.75)},
	}
	got := Perplexity(lp, []int{0, 0, 1}, []int{1}, nil)
	want := math.Exp(-(math.Log(0.5) + math.Log(0.75)) / 2)
	assert.InDelta(t, want, got, 1e-12)

	assert.Equal(t, 0.0, Perplexity(lp, []int{0}, []int{0}, nil))
}

func TestPerplexity_SkipsSpecialTokens(t *testing.T) {
	lp := [][]float64{
		{math.Log(0.01), math.Log(0.5), math.Log(0.49)},
		{math.Log(0.2), math.Log(0.4), math.Log(0.4)},
		{math.Log(0.01), math.Log(0.25), math.Log(0.74)},
	}
	// id 0 plays [CLS]/[SEP] at both ends.
	got := Perplexity(lp, []int{0, 1, 0}, nil, map[int]bool{0: true})
	assert.InDelta(t, 1/0.4, got, 1e-12)
}

func TestScore(t *testing.T) {
	words := []string{"paris", "france", "germany", "italy"}
	in := SampleInput{
		Dist:        []float64{-3, -0.2, -1, -4},
		Gold:        2,
		Surface:     func(pos int) string { return words[pos] },
		VocabID:     func(pos int) int { return pos + 100 },
		TopK:        2,
		PrecisionAt: 10,
	}
	res := Score(in)

	assert.Equal(t, 2, res.Rank)
	assert.InDelta(t, 0.5, res.MRR, 1e-12)
	assert.Equal(t, 1.0, res.PrecisionAtK)
	assert.Equal(t, 0.0, res.Precision1)
	assert.Equal(t, 0.0, res.Perplexity)
	assert.Equal(t, -1.0, res.MaskedTopK.LabelLogProb)
	require.Len(t, res.MaskedTopK.TopK, 2)
	assert.Equal(t, Prediction{Index: 0, TokenID: 101, TokenWord: "france", LogProb: -0.2}, res.MaskedTopK.TopK[0])
	assert.Equal(t, "germany", res.MaskedTopK.TopK[1].TokenWord)
}

func TestAggregator_GlobalMeans(t *testing.T) {
	agg := NewAggregator()
	for _, rank := range []int{1, 1, 5} {
		agg.Add(SampleResult{
			Rank:         rank,
			MRR:          1 / float64(rank),
			PrecisionAtK: PrecisionAt(rank, 10),
			Precision1:   PrecisionAt(rank, 1),
		}, nil)
	}

	s := agg.Summary()
	assert.Equal(t, 3, s.Global.Samples)
	require.NotNil(t, s.Global.Precision1)
	assert.InDelta(t, 2.0/3.0, *s.Global.Precision1, 1e-12)
	assert.InDelta(t, 0.7333, *s.Global.MRR, 1e-4)
	assert.InDelta(t, 1.0, *s.Global.PrecisionAtK, 1e-12)

	assert.Nil(t, s.Positive.MRR, "no judgments")
	assert.Nil(t, s.Negative.MRR)
	assert.Nil(t, s.Correct)
	assert.Nil(t, s.Incorrect)
}

func TestAggregator_Judgements(t *testing.T) {
	judge := func(vals ...string) []dataset.Judgment {
		out := make([]dataset.Judgment, len(vals))
		for i, v := range vals {
			out[i] = dataset.Judgment{Judgment: v}
		}
		return out
	}

	agg := NewAggregator()
	label := agg.Add(SampleResult{Rank: 2, MRR: 0.5, PrecisionAtK: 1}, judge("yes", "no", "no"))
	assert.Equal(t, JudgementNegative, label)

	s := agg.Summary()
	assert.Equal(t, 1, s.Negative.Samples)
	assert.InDelta(t, 0.5, *s.Negative.MRR, 1e-12)
	assert.Equal(t, 0, s.Positive.Samples)
	assert.Nil(t, s.Positive.MRR)

	assert.Equal(t, JudgementNegative, agg.Add(SampleResult{Rank: 1, MRR: 1}, judge("yes", "no")), "ties count negative")
	assert.Equal(t, JudgementPositive, agg.Add(SampleResult{Rank: 1, MRR: 1}, judge("yes", "yes", "no")))
	assert.Equal(t, "", agg.Add(SampleResult{Rank: 1, MRR: 1}, nil))

	s = agg.Summary()
	assert.Equal(t, 4, s.Global.Samples)
	assert.Equal(t, 2, s.Negative.Samples)
	assert.Equal(t, 1, s.Positive.Samples)
}

func TestDiagnose(t *testing.T) {
	perTemplate := [][]float64{
		{math.Log(0.7), math.Log(0.2), math.Log(0.1)},
		{math.Log(0.1), math.Log(0.5), math.Log(0.4)},
	}
	stat := Diagnose(perTemplate, 0)

	assert.InDelta(t, 0.5, stat[0][0], 1e-12)
	assert.InDelta(t, 0.7, stat[0][1], 1e-12)
	assert.Equal(t, 1.0, stat[0][2])
	assert.InDelta(t, 0.1, stat[1][0], 1e-12)
	assert.InDelta(t, 0.5, stat[1][1], 1e-12)
	assert.Equal(t, 1.0, stat[1][2])

	agg := NewAggregator()
	agg.AddDiagnostics(stat)
	agg.AddDiagnostics(Diagnose(perTemplate[:1], 0))
	s := agg.Summary()
	require.NotNil(t, s.Correct)
	assert.Equal(t, 2, s.Correct.Count)
	assert.InDelta(t, 0.5, s.Correct.Gap, 1e-12)
	assert.InDelta(t, 0.7, s.Correct.Top1, 1e-12)
	require.NotNil(t, s.Incorrect)
	assert.Equal(t, 1, s.Incorrect.Count)
}
