// Package runner drives one relation through scheduling, scoring, ensembling
// and metric aggregation.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/ricesearch/kbprobe/internal/batch"
	"github.com/ricesearch/kbprobe/internal/bus"
	"github.com/ricesearch/kbprobe/internal/cache"
	"github.com/ricesearch/kbprobe/internal/config"
	"github.com/ricesearch/kbprobe/internal/consistency"
	"github.com/ricesearch/kbprobe/internal/dataset"
	"github.com/ricesearch/kbprobe/internal/distribution"
	"github.com/ricesearch/kbprobe/internal/ensemble"
	kbcontext "github.com/ricesearch/kbprobe/internal/pkg/context"
	"github.com/ricesearch/kbprobe/internal/pkg/errors"
	"github.com/ricesearch/kbprobe/internal/pkg/logger"
	"github.com/ricesearch/kbprobe/internal/pkg/security"
	"github.com/ricesearch/kbprobe/internal/probe"
	"github.com/ricesearch/kbprobe/internal/report"
	"github.com/ricesearch/kbprobe/internal/template"
	"github.com/ricesearch/kbprobe/internal/vocab"
	"github.com/ricesearch/kbprobe/internal/weights"
)

// Weight model modes.
const (
	ModeOff        = "off"
	ModeInfer      = "infer"
	ModeTrain      = "train"
	ModePrecompute = "precompute"
)

// Source is the bus event source of a runner.
const Source = "kbprobe.runner"

// Recorder receives run metrics. Implemented by metrics.Metrics.
type Recorder interface {
	RecordBatch(relation string, n int)
	RecordExclusions(relation string, byReason map[string]int)
	SetRelationScores(relation string, mrr, p1 float64)
	SetWeightsLoss(relation string, loss float64)
}

type nopRecorder struct{}

func (nopRecorder) RecordBatch(string, int)                    {}
func (nopRecorder) RecordExclusions(string, map[string]int)    {}
func (nopRecorder) SetRelationScores(string, float64, float64) {}
func (nopRecorder) SetWeightsLoss(string, float64)             {}

// Runner evaluates relations against a model.
type Runner struct {
	model   probe.Model
	eval    config.EvalConfig
	wcfg    config.WeightsConfig
	weights *weights.Model
	cache   cache.Scores
	bus     bus.Bus
	metrics Recorder
	log     *logger.Logger
}

// Deps are the collaborators of a Runner. Only Model is required.
type Deps struct {
	Model probe.Model

	// Weights backs the learned strategy, reranking, training and
	// precomputation. Its capacity must cover the relation's templates.
	Weights *weights.Model

	Cache   cache.Scores
	Bus     bus.Bus
	Metrics Recorder
	Log     *logger.Logger
}

// New creates a runner.
func New(deps Deps, eval config.EvalConfig, wcfg config.WeightsConfig) (*Runner, error) {
	if deps.Model == nil {
		return nil, errors.ValidationError("model is required")
	}
	if wcfg.Mode == "" {
		wcfg.Mode = ModeOff
	}
	r := &Runner{
		model:   deps.Model,
		eval:    eval,
		wcfg:    wcfg,
		weights: deps.Weights,
		cache:   deps.Cache,
		bus:     deps.Bus,
		metrics: deps.Metrics,
		log:     deps.Log,
	}
	if r.cache == nil {
		r.cache = cache.Noop{}
	}
	if r.metrics == nil {
		r.metrics = nopRecorder{}
	}
	if r.log == nil {
		r.log = logger.Default()
	}
	return r, nil
}

// Outcome is the result of Run.
type Outcome struct {
	Artifact *report.Artifact
	// Features is set in precompute mode.
	Features *weights.Features
	// Loss is the mean training loss in train mode.
	Loss *float64
}

// prepared is the per-relation state shared by Run and Facts.
type prepared struct {
	templates []template.Template
	strategy  ensemble.Strategy
	extractor *distribution.Extractor
	schedule  *batch.Schedule
	filtered  *dataset.Result
	special   map[int]bool
}

func (r *Runner) prepare(ctx context.Context, records []dataset.Record) (*prepared, error) {
	if r.eval.Relation == "" {
		return nil, errors.ValidationError("relation is required")
	}
	if err := security.ValidateName(r.eval.Relation); err != nil {
		return nil, errors.ValidationError(fmt.Sprintf("relation: %v", err))
	}
	templates, err := template.ParseAll(r.eval.Templates)
	if err != nil {
		return nil, err
	}
	if len(templates) == 0 {
		return nil, errors.ValidationError("at least one template is required")
	}
	strategy, err := ensemble.Parse(r.eval.Strategy)
	if err != nil {
		return nil, err
	}
	if err := r.checkWeights(strategy, len(templates)); err != nil {
		return nil, err
	}

	if r.eval.Lowercase {
		dataset.Lowercase(records, r.model.MaskToken())
	}

	var subset *vocab.Subset
	if r.eval.VocabSubsetFile != "" {
		words, err := vocab.LoadFile(r.eval.VocabSubsetFile)
		if err != nil {
			return nil, err
		}
		if subset, err = vocab.Build(ctx, r.model, words, r.log); err != nil {
			return nil, err
		}
		r.log.Info("Loaded vocab subset", "words", len(words), "usable", subset.Len())
	}

	filter := &dataset.Filter{
		Model:             r.model,
		Subset:            subset,
		Templates:         templates,
		MaxSentenceLength: r.eval.MaxSentenceLength,
		SkipNegative:      r.eval.SkipNegative,
		Log:               r.log,
	}
	filtered, err := filter.Apply(ctx, records)
	if err != nil {
		return nil, err
	}
	r.metrics.RecordExclusions(r.eval.Relation, filtered.Excluded)

	sched, err := batch.NewScheduler(batch.Config{
		Relation:      r.eval.Relation,
		BatchSize:     r.eval.BatchSize,
		Shuffle:       r.eval.Shuffle,
		Seed:          r.eval.ShuffleSeed,
		SubjectCloze:  ensemble.NeedsSubjectCloze(strategy) || r.reranking(),
		RelationCloze: ensemble.NeedsRelationCloze(strategy),
	}).Schedule(ctx, dataset.Facts(filtered.Kept), templates, r.model)
	if err != nil {
		return nil, err
	}

	return &prepared{
		templates: templates,
		strategy:  strategy,
		extractor: distribution.NewExtractor(r.model.Vocab(), subset),
		schedule:  sched,
		filtered:  filtered,
		special:   vocab.Special(r.model.Vocab(), r.model.MaskToken()),
	}, nil
}

// reranking reports whether back-translation features take part in the run.
func (r *Runner) reranking() bool {
	return r.eval.BTCandidates > 0
}

func (r *Runner) checkWeights(s ensemble.Strategy, numTemplates int) error {
	_, learned := s.(ensemble.Learned)
	needed := learned || r.wcfg.Mode != ModeOff || r.reranking()
	if !needed {
		return nil
	}
	if r.weights == nil {
		return errors.ValidationError(fmt.Sprintf("strategy %s with weights mode %s needs a template weight model", s, r.wcfg.Mode))
	}
	want := numTemplates
	if r.reranking() {
		want = 2 * numTemplates
	}
	capacity, err := r.weights.Capacity(r.eval.Relation)
	if err != nil {
		return err
	}
	if capacity < want {
		return errors.TemplateShapeError(fmt.Sprintf("relation %s: weight capacity %d, need %d", r.eval.Relation, capacity, want))
	}
	return nil
}

// Facts filters records and returns the facts in schedule order.
func (r *Runner) Facts(ctx context.Context, records []dataset.Record) ([]dataset.Fact, *dataset.Result, error) {
	p, err := r.prepare(ctx, records)
	if err != nil {
		return nil, nil, err
	}
	return p.schedule.Facts(), p.filtered, nil
}

// Run evaluates one relation. It returns the artifact without writing it.
func (r *Runner) Run(ctx context.Context, records []dataset.Record) (*Outcome, error) {
	runID := uuid.NewString()
	ctx = kbcontext.WithRunID(ctx, runID)
	log := r.log.WithRun(runID).WithRelation(r.eval.Relation)
	start := time.Now()

	p, err := r.prepare(ctx, records)
	if err != nil {
		return nil, err
	}
	log.Info("Starting run",
		"strategy", p.strategy.String(),
		"weights_mode", r.wcfg.Mode,
		"templates", len(p.templates),
		"facts", len(p.filtered.Kept),
		"batches", p.schedule.NumBatches(),
	)

	st, err := r.newState(p, log)
	if err != nil {
		return nil, err
	}
	defer st.close()

	for i, group := range p.schedule.Batches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := st.runBatch(ctx, group); err != nil {
			return nil, fmt.Errorf("batch %d: %w", i, err)
		}
		r.metrics.RecordBatch(r.eval.Relation, group[0].Len())
		r.publish(ctx, bus.TopicBatchCompleted, runID, bus.BatchCompleted{
			Relation: r.eval.Relation,
			Batch:    i,
			Batches:  p.schedule.NumBatches(),
			Samples:  group[0].Len(),
		})
	}
	if err := st.close(); err != nil {
		return nil, err
	}

	out := &Outcome{Artifact: &report.Artifact{
		RunID:     runID,
		Relation:  r.eval.Relation,
		Strategy:  p.strategy.String(),
		Mode:      r.wcfg.Mode,
		CreatedAt: time.Now().UTC(),
		Results:   st.results,
		Excluded:  p.filtered.Excluded,
	}}
	summary := st.agg.Summary()
	out.Artifact.SetSummary(summary)

	if len(st.losses) > 0 {
		loss := stat.Mean(st.losses, nil)
		out.Loss = &loss
		out.Artifact.Loss = &loss
		r.metrics.SetWeightsLoss(r.eval.Relation, loss)
	}
	if r.wcfg.Mode == ModePrecompute {
		out.Features = &weights.Features{
			Relation:     r.eval.Relation,
			NumTemplates: len(p.templates),
			NumFeatures:  st.numFeatures(),
			Rows:         st.features,
		}
	}
	if summary.Global.MRR != nil {
		r.metrics.SetRelationScores(r.eval.Relation, *summary.Global.MRR, *summary.Global.Precision1)
	}

	r.publish(ctx, bus.TopicRunCompleted, runID, bus.RunCompleted{
		Relation:   r.eval.Relation,
		Mode:       r.wcfg.Mode,
		Samples:    summary.Global.Samples,
		Excluded:   p.filtered.Total(),
		MRR:        summary.Global.MRR,
		Precision1: summary.Global.Precision1,
		Loss:       out.Loss,
	})
	log.Info("Run completed",
		"samples", summary.Global.Samples,
		"mrr", out.Artifact.GlobalMRR,
		"precision_at_k", out.Artifact.GlobalPAt10,
		"duration", time.Since(start),
	)
	return out, nil
}

func (r *Runner) publish(ctx context.Context, topic, runID string, payload any) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, topic, bus.NewEvent(topic, Source, runID, payload)); err != nil {
		r.log.Warn("Failed to publish event", "topic", topic, "error", err)
	}
}

// backTranslator returns the translator over the extractor's space.
func (r *Runner) backTranslator(space distribution.Space) *consistency.BackTranslator {
	return &consistency.BackTranslator{Model: r.model, Space: space, Cache: r.cache}
}
