package consistency

import (
	"context"
	"fmt"

	"github.com/ricesearch/kbprobe/internal/batch"
	"github.com/ricesearch/kbprobe/internal/cache"
	"github.com/ricesearch/kbprobe/internal/distribution"
	"github.com/ricesearch/kbprobe/internal/pkg/errors"
	"github.com/ricesearch/kbprobe/internal/pkg/hash"
	"github.com/ricesearch/kbprobe/internal/probe"
)

// BackTranslator scores how well the model reconstructs a sample's subject
// once a candidate object is written into the subject-masked cloze.
type BackTranslator struct {
	Model probe.Model
	Space distribution.Space
	Cache cache.Scores // optional
}

// SubjectScores returns the mean subject-token log-probability for every
// sample and candidate. candidates[b] holds positions in the translator's space.
// One model call is made per candidate rank, covering the samples not cached.
func (bt *BackTranslator) SubjectScores(ctx context.Context, samples []*batch.Sample, candidates [][]int) ([][]float64, error) {
	if len(candidates) != len(samples) {
		return nil, errors.TemplateShapeError(fmt.Sprintf("%d candidate rows for %d samples", len(candidates), len(samples)))
	}
	width := 0
	out := make([][]float64, len(samples))
	for b, smp := range samples {
		if smp.SubjectCloze == nil {
			return nil, errors.InternalError(fmt.Sprintf("sample %d has no subject cloze", smp.ID), nil)
		}
		out[b] = make([]float64, len(candidates[b]))
		width = max(width, len(candidates[b]))
	}

	for k := 0; k < width; k++ {
		var (
			req  probe.GenerationRequest
			rows []int
			keys []string
		)
		for b, smp := range samples {
			if k >= len(candidates[b]) {
				continue
			}
			toks := smp.SubjectCloze.WithObject(bt.Space.Surface(candidates[b][k]))
			key := hash.TokensKey(toks, smp.SubjectCloze.Mask)
			if bt.Cache != nil {
				if v, ok := bt.Cache.Get(ctx, key); ok {
					out[b][k] = v
					continue
				}
			}
			req.Tokens = append(req.Tokens, toks)
			req.RelationMask = append(req.RelationMask, smp.SubjectCloze.Mask)
			rows = append(rows, b)
			keys = append(keys, key)
		}
		if len(rows) == 0 {
			continue
		}

		gen, err := bt.Model.BatchGeneration(ctx, req)
		if err != nil {
			return nil, err
		}
		scores := MaskedMean(gen)
		for i, b := range rows {
			out[b][k] = scores[i]
			if bt.Cache != nil {
				bt.Cache.Set(ctx, keys[i], scores[i])
			}
		}
	}
	return out, nil
}

// BackTranslation scores each sample by back-translating its k most likely
// objects and weighting the subject scores by the objects' probabilities.
func (bt *BackTranslator) BackTranslation(ctx context.Context, samples []*batch.Sample, dists [][]float64, k int) ([]float64, error) {
	candidates := make([][]int, len(dists))
	logWeights := make([][]float64, len(dists))
	for b, d := range dists {
		candidates[b] = distribution.TopK(d, k)
		logWeights[b] = make([]float64, len(candidates[b]))
		for i, pos := range candidates[b] {
			logWeights[b][i] = d[pos]
		}
	}

	scores, err := bt.SubjectScores(ctx, samples, candidates)
	if err != nil {
		return nil, err
	}
	return Weighted(scores, logWeights), nil
}
