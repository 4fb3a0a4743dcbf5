package consistency

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricesearch/kbprobe/internal/batch"
	"github.com/ricesearch/kbprobe/internal/cache"
	"github.com/ricesearch/kbprobe/internal/distribution"
	"github.com/ricesearch/kbprobe/internal/probe"
	"github.com/ricesearch/kbprobe/internal/probe/probetest"
	"github.com/ricesearch/kbprobe/internal/template"
)

func TestMaskedMean(t *testing.T) {
	lp := func(vals ...float64) []float64 { return vals }
	gen := &probe.Generation{
		LogProbs: [][][]float64{
			{lp(-1, -2), lp(-3, -4), lp(-5, -6)},
			{lp(-1, -2), lp(-3, -4), lp(-5, -6)},
		},
		Tokens: [][]int{{0, 1, 0}, {0, 0, 0}},
		Mask:   [][]float64{{1, 1, 0}, {0, 0, 0}},
	}

	got := MaskedMean(gen)
	assert.InDelta(t, (-1.0-4.0)/2, got[0], 1e-12)
	assert.True(t, math.IsInf(got[1], -1), "empty mask should score -Inf, got %v", got[1])
}

func TestObjectMax(t *testing.T) {
	got := ObjectMax([][]float64{{-3, -1, -2}, {-0.5}})
	assert.Equal(t, []float64{-1, -0.5}, got)
}

func TestObjectGap(t *testing.T) {
	got := ObjectGap([][]float64{{-3, -1, -2}, {-1, -1, -4}, {-2}})
	assert.InDelta(t, 1.0, got[0], 1e-12)
	assert.InDelta(t, 0.0, got[1], 1e-12)
	assert.Equal(t, 0.0, got[2])
}

func TestWeighted(t *testing.T) {
	scores := [][]float64{{-1, -3}}
	logWeights := [][]float64{{math.Log(0.75), math.Log(0.25)}}

	got := Weighted(scores, logWeights)
	want := (-1*0.75 + -3*0.25) / (1 + Smoothing)
	assert.InDelta(t, want, got[0], 1e-12)

	// zero weight everywhere yields 0 rather than NaN
	got = Weighted([][]float64{{math.Inf(-1)}}, [][]float64{{math.Inf(-1)}})
	assert.Equal(t, 0.0, got[0])
}

// newBTModel favours reconstructing "paris" when "france" is present and
// "berlin" when "germany" is present.
func newBTModel() *probetest.Model {
	vocab := []string{"paris", "berlin", "france", "germany", "is", "in"}
	return probetest.New(vocab, func(tokens []string, pos int) []float64 {
		l := make([]float64, len(vocab)+1)
		for _, tk := range tokens {
			switch tk {
			case "france":
				l[0] = 4
			case "germany":
				l[1] = 4
			}
		}
		return l
	})
}

func subjectSamples(t *testing.T, m *probetest.Model, subjects ...string) []*batch.Sample {
	t.Helper()
	tpl, err := template.Parse("[X] is in [Y]")
	require.NoError(t, err)
	var out []*batch.Sample
	for i, s := range subjects {
		c, err := tpl.Cloze(context.Background(), s, m, template.MaskSubject)
		require.NoError(t, err)
		out = append(out, &batch.Sample{ID: i, Subject: s, SubjectCloze: c})
	}
	return out
}

func TestBackTranslator_SubjectScores(t *testing.T) {
	m := newBTModel()
	mem, err := cache.NewMemory(100)
	require.NoError(t, err)
	bt := &BackTranslator{Model: m, Space: distribution.Space{Vocab: m.Vocab()}, Cache: mem}
	samples := subjectSamples(t, m, "paris", "berlin")

	france, germany := m.ID("france"), m.ID("germany")
	candidates := [][]int{{france, germany}, {france, germany}}

	scores, err := bt.SubjectScores(context.Background(), samples, candidates)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Calls(), "one call per candidate rank")

	assert.Greater(t, scores[0][0], scores[0][1], "paris reconstructs better from france")
	assert.Greater(t, scores[1][1], scores[1][0], "berlin reconstructs better from germany")

	again, err := bt.SubjectScores(context.Background(), samples, candidates)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Calls(), "cached scores must not hit the model")
	assert.Equal(t, scores, again)
}

func TestBackTranslator_BackTranslation(t *testing.T) {
	m := newBTModel()
	bt := &BackTranslator{Model: m, Space: distribution.Space{Vocab: m.Vocab()}}
	samples := subjectSamples(t, m, "paris")

	dist := make([]float64, len(m.Vocab()))
	for i := range dist {
		dist[i] = math.Log(0.01)
	}
	dist[m.ID("france")] = math.Log(0.6)
	dist[m.ID("germany")] = math.Log(0.3)

	got, err := bt.BackTranslation(context.Background(), samples, [][]float64{dist}, 2)
	require.NoError(t, err)

	sub, err := bt.SubjectScores(context.Background(), samples, [][]int{{m.ID("france"), m.ID("germany")}})
	require.NoError(t, err)
	want := (sub[0][0]*0.6 + sub[0][1]*0.3) / (0.9 + Smoothing)
	assert.InDelta(t, want, got[0], 1e-9)
}

func TestBackTranslator_MissingCloze(t *testing.T) {
	m := newBTModel()
	bt := &BackTranslator{Model: m, Space: distribution.Space{Vocab: m.Vocab()}}

	_, err := bt.SubjectScores(context.Background(), []*batch.Sample{{ID: 3}}, [][]int{{0}})
	assert.Error(t, err)
}
