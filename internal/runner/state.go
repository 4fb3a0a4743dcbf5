package runner

import (
	"context"
	"fmt"

	"github.com/ricesearch/kbprobe/internal/batch"
	"github.com/ricesearch/kbprobe/internal/consistency"
	"github.com/ricesearch/kbprobe/internal/distribution"
	"github.com/ricesearch/kbprobe/internal/ensemble"
	"github.com/ricesearch/kbprobe/internal/evaluation"
	"github.com/ricesearch/kbprobe/internal/pkg/errors"
	"github.com/ricesearch/kbprobe/internal/pkg/logger"
	"github.com/ricesearch/kbprobe/internal/pool"
	"github.com/ricesearch/kbprobe/internal/probe"
	"github.com/ricesearch/kbprobe/internal/report"
	"github.com/ricesearch/kbprobe/internal/rerank"
	"github.com/ricesearch/kbprobe/internal/tensor"
	"github.com/ricesearch/kbprobe/internal/weights"
)

// state is the mutable part of one Run. Only the runner goroutine touches it;
// pool tasks read finalized batch data and write their own slot.
type state struct {
	r     *Runner
	p     *prepared
	log   *logger.Logger
	space distribution.Space

	learned    bool
	combiner   *ensemble.Combiner
	translator *consistency.BackTranslator
	reranker   *rerank.Reranker
	pool       *pool.Pool
	agg        *evaluation.Aggregator

	handle *weights.Handle
	opt    weights.Optimizer

	results  []report.Result
	losses   []float64
	features [][]float64
	closed   bool
}

func (r *Runner) newState(p *prepared, log *logger.Logger) (*state, error) {
	_, learned := p.strategy.(ensemble.Learned)
	st := &state{
		r:       r,
		p:       p,
		log:     log,
		space:   p.extractor.Space,
		learned: learned,
		agg:     evaluation.NewAggregator(),
	}

	var merger ensemble.Merger
	if r.weights != nil {
		merger = r.weights
	}
	st.combiner = ensemble.NewCombiner(p.strategy, r.eval.Relation, merger)
	st.translator = r.backTranslator(st.space)
	if r.reranking() {
		st.reranker = &rerank.Reranker{
			Translator: st.translator,
			Merger:     r.weights,
			Relation:   r.eval.Relation,
			N:          r.eval.BTCandidates,
		}
	}

	if r.wcfg.Mode == ModeTrain {
		opt, err := weights.NewOptimizer(r.wcfg.Optimizer, r.wcfg.LearningRate)
		if err != nil {
			return nil, err
		}
		h, err := r.weights.Acquire(r.eval.Relation)
		if err != nil {
			return nil, err
		}
		st.opt, st.handle = opt, h
	}

	st.pool = pool.New(r.eval.Threads)
	log.Debug("Worker pool ready", "workers", st.pool.Size())
	return st, nil
}

// close releases the weight handle and joins the pool. It is idempotent.
func (st *state) close() error {
	if st.closed {
		return nil
	}
	st.closed = true
	if st.handle != nil {
		st.handle.Release()
	}
	return st.pool.Close()
}

// numFeatures is the column count of the precomputed feature rows per template.
func (st *state) numFeatures() int {
	if st.reranker != nil {
		return 2
	}
	return 1
}

// runBatch scores one batch across every template.
func (st *state) runBatch(ctx context.Context, group []*batch.Batch) error {
	ref := group[0]
	n := ref.Len()
	samples := make([][]*batch.Sample, len(group))
	for t, b := range group {
		samples[t] = b.Samples
	}

	gold, err := st.labels(ctx, ref.Samples)
	if err != nil {
		return err
	}

	st.combiner.Reset()
	dists := make([][][]float64, len(group))
	var first *probe.Generation
	for t, b := range group {
		gen, err := st.r.model.BatchGeneration(ctx, probe.GenerationRequest{Sentences: b.Sentences})
		if err != nil {
			return fmt.Errorf("template %d: %w", t, err)
		}
		if err := gen.Check(n); err != nil {
			return errors.ModelError(fmt.Sprintf("template %d", t), err)
		}
		d, err := st.p.extractor.Extract(gen)
		if err != nil {
			return fmt.Errorf("template %d: %w", t, err)
		}
		scores, err := st.scores(ctx, b, gen, d)
		if err != nil {
			return fmt.Errorf("template %d: %w", t, err)
		}
		in := d
		if st.r.eval.UseProb && !st.learned {
			in = distribution.Exp(d)
		}
		if err := st.combiner.Add(in, scores); err != nil {
			return err
		}
		dists[t] = d
		if t == 0 {
			first = gen
		}
	}

	merged, err := st.combiner.Merge()
	if err != nil {
		return err
	}
	if st.r.eval.UseProb && !st.learned {
		merged = distribution.Log(merged)
	}

	switch st.r.wcfg.Mode {
	case ModeTrain:
		x, err := tensor.Stack(dists)
		if err != nil {
			return err
		}
		loss, err := st.handle.TrainStep(st.opt, x, gold)
		if err != nil {
			return err
		}
		st.losses = append(st.losses, loss)
		st.log.Debug("Training step", "loss", loss)
	case ModePrecompute:
		rows, err := st.precompute(ctx, samples, dists, gold)
		if err != nil {
			return err
		}
		st.features = append(st.features, rows...)
	}

	if st.reranker != nil && st.r.wcfg.Mode != ModePrecompute {
		merged, err = st.reranker.Rerank(ctx, rerank.Input{Samples: samples, Dists: dists, Merged: merged})
		if err != nil {
			return err
		}
	}

	return st.collect(ctx, group, first, dists, merged, gold)
}

// labels resolves the gold position of every sample.
func (st *state) labels(ctx context.Context, samples []*batch.Sample) ([]int, error) {
	gold := make([]int, len(samples))
	for i, smp := range samples {
		pos, err := st.p.extractor.LabelIndex(ctx, st.r.model, smp.Object)
		if err != nil {
			return nil, err
		}
		gold[i] = pos
	}
	return gold, nil
}

// scores computes the strategy's consistency score for one template, or nil
// when the strategy does not rank templates.
func (st *state) scores(ctx context.Context, b *batch.Batch, gen *probe.Generation, dists [][]float64) ([]float64, error) {
	kind, ok := ensemble.ScoreOf(st.p.strategy)
	if !ok {
		return nil, nil
	}
	switch kind {
	case ensemble.LM:
		return consistency.MaskedMean(gen), nil
	case ensemble.RealLM:
		return st.relationScores(ctx, b)
	case ensemble.ObjLM:
		return consistency.ObjectMax(dists), nil
	case ensemble.ObjGap:
		return consistency.ObjectGap(dists), nil
	case ensemble.BackTranslation:
		tk, _ := st.p.strategy.(ensemble.TopK)
		return st.translator.BackTranslation(ctx, b.Samples, dists, tk.Candidates)
	default:
		return nil, errors.InternalError(fmt.Sprintf("unhandled score %s", kind), nil)
	}
}

// relationScores runs the relation-masked clozes and averages the relation
// token log-probabilities.
func (st *state) relationScores(ctx context.Context, b *batch.Batch) ([]float64, error) {
	var req probe.GenerationRequest
	for _, smp := range b.Samples {
		if smp.RelationCloze == nil {
			return nil, errors.InternalError(fmt.Sprintf("sample %d has no relation cloze", smp.ID), nil)
		}
		req.Tokens = append(req.Tokens, smp.RelationCloze.Tokens)
		req.RelationMask = append(req.RelationMask, smp.RelationCloze.Mask)
	}
	gen, err := st.r.model.BatchGeneration(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := gen.Check(b.Len()); err != nil {
		return nil, errors.ModelError("relation cloze", err)
	}
	return consistency.MaskedMean(gen), nil
}

// precompute returns one feature row per sample: the gold log-probability under
// every template, followed by the gold back-translation scores when reranking.
func (st *state) precompute(ctx context.Context, samples [][]*batch.Sample, dists [][][]float64, gold []int) ([][]float64, error) {
	rows := make([][]float64, len(gold))
	for i, g := range gold {
		rows[i] = make([]float64, 0, len(dists)*st.numFeatures())
		for t := range dists {
			rows[i] = append(rows[i], dists[t][i][g])
		}
	}
	if st.reranker == nil {
		return rows, nil
	}
	bt, err := st.reranker.Features(ctx, samples, gold)
	if err != nil {
		return nil, err
	}
	for i, extra := range bt.ToRows() {
		rows[i] = append(rows[i], extra...)
	}
	return rows, nil
}

// collect scores every sample on the pool and folds the results into the
// aggregator in batch order.
func (st *state) collect(ctx context.Context, group []*batch.Batch, first *probe.Generation, dists [][][]float64, merged [][]float64, gold []int) error {
	ref := group[0]
	n := ref.Len()
	scored := make([]evaluation.SampleResult, n)
	diags := make([][2][3]float64, n)

	err := st.pool.Map(ctx, n, func(_ context.Context, i int) error {
		scored[i] = evaluation.Score(evaluation.SampleInput{
			Dist:          merged[i],
			Gold:          gold[i],
			Surface:       st.space.Surface,
			VocabID:       st.space.VocabID,
			TopK:          st.r.eval.TopKPrint,
			PrecisionAt:   st.r.eval.PrecisionAt,
			LogProbs:      first.LogProbs[i],
			TokenIDs:      first.TokenIDs[i],
			MaskedIndices: first.MaskedIndices[i],
			Special:       st.p.special,
		})
		perTemplate := make([][]float64, len(dists))
		for t := range dists {
			perTemplate[t] = dists[t][i]
		}
		diags[i] = evaluation.Diagnose(perTemplate, gold[i])
		return nil
	})
	if err != nil {
		return err
	}

	for i, smp := range ref.Samples {
		judgement := st.agg.Add(scored[i], smp.Judgments)
		st.agg.AddDiagnostics(diags[i])

		sentences := make([]string, len(group))
		for t, b := range group {
			sentences[t] = b.Samples[i].Sentence
		}
		st.results = append(st.results, report.NewResult(
			report.SampleRef{SubLabel: smp.Subject, ObjLabel: smp.Object, MaskedSentences: sentences},
			smp.UUID,
			first.TokenIDs[i],
			first.MaskedIndices[i],
			gold[i],
			scored[i],
			judgement,
		))
	}
	return nil
}
