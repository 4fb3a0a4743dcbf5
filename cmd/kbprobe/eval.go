package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ricesearch/kbprobe/internal/bus"
	"github.com/ricesearch/kbprobe/internal/cache"
	"github.com/ricesearch/kbprobe/internal/config"
	"github.com/ricesearch/kbprobe/internal/dataset"
	"github.com/ricesearch/kbprobe/internal/metrics"
	"github.com/ricesearch/kbprobe/internal/pkg/errors"
	"github.com/ricesearch/kbprobe/internal/pkg/logger"
	"github.com/ricesearch/kbprobe/internal/probe"
	"github.com/ricesearch/kbprobe/internal/report"
	"github.com/ricesearch/kbprobe/internal/runner"
	"github.com/ricesearch/kbprobe/internal/weights"
)

func evalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate one relation against the model",
		Long: `Run every fact of the relation through all templates, combine the
per-template predictions with the configured strategy and write result.json
under the output directory.

In weights mode "train" the template weights are updated per batch and saved
to weights.file. In mode "precompute" the per-template features are written
to weights.features_file for 'kbprobe train-weights'.`,
		RunE: runEval,
	}
	addEvalFlags(cmd)
	cmd.Flags().StringP("output", "o", "", "output directory (overrides output.dir)")
	return cmd
}

func factsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "facts",
		Short: "List the facts of a relation in evaluation order",
		RunE:  runFacts,
	}
	addEvalFlags(cmd)
	return cmd
}

func addEvalFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("relation", "r", "", "relation name (overrides eval.relation)")
	cmd.Flags().StringP("dataset", "d", "", "JSONL dataset file (overrides eval.dataset_file)")
	cmd.Flags().StringSlice("template", nil, "template, repeatable (overrides eval.templates)")
}

// applyEvalFlags overrides the eval section with explicitly set flags.
func applyEvalFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("relation") {
		cfg.Eval.Relation, _ = cmd.Flags().GetString("relation")
	}
	if cmd.Flags().Changed("dataset") {
		cfg.Eval.DatasetFile, _ = cmd.Flags().GetString("dataset")
	}
	if cmd.Flags().Changed("template") {
		cfg.Eval.Templates, _ = cmd.Flags().GetStringSlice("template")
	}
	if f := cmd.Flags().Lookup("output"); f != nil && f.Changed {
		cfg.Output.Dir = f.Value.String()
	}
}

// app holds the collaborators built from configuration.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	metrics *metrics.Registry
	model   *probe.HTTPClient
	cache   cache.Scores
	bus     bus.Bus
	weights *weights.Model
}

func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	reg, err := metrics.NewRegistry()
	if err != nil {
		return nil, err
	}
	a.metrics = reg

	log.Info("Connecting to inference server", "url", cfg.Probe.URL)
	model, err := probe.Dial(ctx, probe.Config{
		BaseURL:   cfg.Probe.URL,
		Timeout:   cfg.Probe.Timeout,
		RateLimit: cfg.Probe.RateLimit,
		Burst:     cfg.Probe.Burst,
		Observer:  reg,
	})
	if err != nil {
		return nil, err
	}
	a.model = model
	log.Info("Model ready", "vocab_size", len(model.Vocab()), "mask_token", model.MaskToken())

	scores, err := cache.New(cfg.Cache, log)
	if err != nil {
		return nil, errors.Wrap(errors.CodeValidation, "failed to create score cache", err)
	}
	a.cache = cache.WithMetrics(scores, cacheName(cfg.Cache.Type), reg)

	b, err := bus.NewBus(cfg.Bus, log)
	if err != nil {
		a.close()
		return nil, err
	}
	a.bus = bus.NewInstrumentedBus(b, reg)

	if len(cfg.Eval.Templates) > 0 {
		if a.weights, err = a.loadWeights(); err != nil {
			a.close()
			return nil, err
		}
	}
	return a, nil
}

func cacheName(t string) string {
	if t == "" {
		return "memory"
	}
	return t
}

// loadWeights allocates the relation's weight vector and, in infer mode,
// fills it from weights.file.
func (a *app) loadWeights() (*weights.Model, error) {
	numFeatures := a.cfg.Weights.NumFeatures
	if a.cfg.Eval.BTCandidates > 0 {
		numFeatures = max(numFeatures, 2)
	}
	m, err := weights.NewModel(
		map[string]int{a.cfg.Eval.Relation: len(a.cfg.Eval.Templates)},
		weights.Options{EnforceProb: a.cfg.Weights.EnforceProb, NumFeatures: numFeatures},
	)
	if err != nil {
		return nil, err
	}
	if a.cfg.Weights.Mode != runner.ModeInfer || a.cfg.Weights.File == "" {
		return m, nil
	}
	f, err := weights.LoadFile(a.cfg.Weights.File)
	if err != nil {
		return nil, err
	}
	unknown, err := m.Apply(f)
	if err != nil {
		return nil, err
	}
	if len(unknown) > 0 {
		a.log.Debug("Ignoring weights of other relations", "relations", unknown)
	}
	a.log.Info("Loaded template weights", "file", a.cfg.Weights.File)
	return m, nil
}

func (a *app) runner() (*runner.Runner, error) {
	return runner.New(runner.Deps{
		Model:   a.model,
		Weights: a.weights,
		Cache:   a.cache,
		Bus:     a.bus,
		Metrics: a.metrics,
		Log:     a.log,
	}, a.cfg.Eval, a.cfg.Weights)
}

func (a *app) close() {
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.log.Warn("Failed to close bus", "error", err)
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.log.Warn("Failed to close cache", "error", err)
		}
	}
}

func (a *app) writeMetrics() {
	if !a.cfg.Observability.MetricsEnabled || a.cfg.Observability.MetricsFile == "" {
		return
	}
	if err := a.metrics.WriteTextfile(a.cfg.Observability.MetricsFile); err != nil {
		a.log.Warn("Failed to write metrics", "file", a.cfg.Observability.MetricsFile, "error", err)
		return
	}
	a.log.Debug("Wrote metrics", "file", a.cfg.Observability.MetricsFile)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runEval(cmd *cobra.Command, _ []string) error {
	cfg, log, closeLog, err := setup(cmd)
	if err != nil {
		return err
	}
	defer closeLog()
	applyEvalFlags(cmd, cfg)

	ctx, stop := signalContext()
	defer stop()

	records, err := dataset.LoadFile(cfg.Eval.DatasetFile)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	r, err := a.runner()
	if err != nil {
		return err
	}
	out, err := r.Run(ctx, records)
	if err != nil {
		a.writeMetrics()
		return err
	}

	path := report.Path(cfg.Output.Dir, cfg.Eval.Relation)
	if err := report.Write(path, out.Artifact); err != nil {
		return err
	}
	log.Info("Wrote results", "file", path)

	switch cfg.Weights.Mode {
	case runner.ModePrecompute:
		if err := weights.SaveFeatures(cfg.Weights.FeaturesFile, out.Features); err != nil {
			return err
		}
		log.Info("Wrote features", "file", cfg.Weights.FeaturesFile, "rows", len(out.Features.Rows))
	case runner.ModeTrain:
		if cfg.Weights.File != "" {
			if err := a.weights.SaveFile(cfg.Weights.File); err != nil {
				return err
			}
			log.Info("Saved template weights", "file", cfg.Weights.File)
		}
	}

	a.writeMetrics()
	return report.PrintSummary(cmd.OutOrStdout(), out.Artifact)
}

func runFacts(cmd *cobra.Command, _ []string) error {
	cfg, log, closeLog, err := setup(cmd)
	if err != nil {
		return err
	}
	defer closeLog()
	applyEvalFlags(cmd, cfg)
	// Listing never touches the weight model.
	cfg.Weights.Mode = runner.ModeOff
	cfg.Eval.BTCandidates = 0

	ctx, stop := signalContext()
	defer stop()

	records, err := dataset.LoadFile(cfg.Eval.DatasetFile)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	r, err := a.runner()
	if err != nil {
		return err
	}
	facts, filtered, err := r.Facts(ctx, records)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	for _, f := range facts {
		fmt.Fprintf(w, "%s\t%s\n", f.Subject, f.Object)
	}
	log.Info("Listed facts", "facts", len(facts), "excluded", filtered.Total())
	return nil
}
