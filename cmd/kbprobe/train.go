package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ricesearch/kbprobe/internal/bus"
	"github.com/ricesearch/kbprobe/internal/metrics"
	"github.com/ricesearch/kbprobe/internal/pkg/errors"
	"github.com/ricesearch/kbprobe/internal/weights"
)

const trainSource = "kbprobe.train"

func trainWeightsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train-weights",
		Short: "Fit template weights to a precomputed features file",
		Long: `Train the relation's template weights offline on the features written by
'kbprobe eval' in weights mode "precompute", then save them to weights.file.`,
		RunE: runTrainWeights,
	}
	cmd.Flags().String("features", "", "features file (overrides weights.features_file)")
	cmd.Flags().String("out", "", "weights file to write (overrides weights.file)")
	cmd.Flags().Int("batch-size", 0, "rows per optimizer step, 0 = all rows")
	return cmd
}

func runTrainWeights(cmd *cobra.Command, _ []string) error {
	cfg, log, closeLog, err := setup(cmd)
	if err != nil {
		return err
	}
	defer closeLog()

	if cmd.Flags().Changed("features") {
		cfg.Weights.FeaturesFile, _ = cmd.Flags().GetString("features")
	}
	if cmd.Flags().Changed("out") {
		cfg.Weights.File, _ = cmd.Flags().GetString("out")
	}
	batchSize, _ := cmd.Flags().GetInt("batch-size")
	if cfg.Weights.FeaturesFile == "" || cfg.Weights.File == "" {
		return errors.ValidationError("train-weights needs a features file and a weights file")
	}

	ctx, stop := signalContext()
	defer stop()

	features, err := weights.LoadFeatures(cfg.Weights.FeaturesFile)
	if err != nil {
		return err
	}
	log = log.WithRelation(features.Relation)

	reg, err := metrics.NewRegistry()
	if err != nil {
		return err
	}
	inner, err := bus.NewBus(cfg.Bus, log)
	if err != nil {
		return err
	}
	b := bus.NewInstrumentedBus(inner, reg)
	defer b.Close()

	m, err := weights.NewModel(
		map[string]int{features.Relation: features.NumTemplates},
		weights.Options{EnforceProb: cfg.Weights.EnforceProb, NumFeatures: features.NumFeatures},
	)
	if err != nil {
		return err
	}
	opt, err := weights.NewOptimizer(cfg.Weights.Optimizer, cfg.Weights.LearningRate)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	log.Info("Training template weights",
		"rows", len(features.Rows),
		"templates", features.NumTemplates,
		"features", features.NumFeatures,
		"optimizer", cfg.Weights.Optimizer,
		"epochs", cfg.Weights.Epochs,
	)
	losses, err := weights.Train(ctx, m, features.Relation, features.Rows, weights.TrainOptions{
		Epochs:    cfg.Weights.Epochs,
		BatchSize: batchSize,
		Optimizer: opt,
		OnEpoch: func(epoch int, loss float64) {
			log.Debug("Epoch completed", "epoch", epoch, "loss", loss)
			reg.SetWeightsLoss(features.Relation, loss)
			event := bus.NewEvent(bus.TopicEpochCompleted, trainSource, runID, bus.EpochCompleted{
				Relation: features.Relation,
				Epoch:    epoch,
				Loss:     loss,
			})
			if err := b.Publish(context.WithoutCancel(ctx), bus.TopicEpochCompleted, event); err != nil {
				log.Warn("Failed to publish event", "topic", bus.TopicEpochCompleted, "error", err)
			}
		},
	})
	if err != nil {
		return err
	}

	if err := m.SaveFile(cfg.Weights.File); err != nil {
		return err
	}
	final := losses[len(losses)-1]
	log.Info("Saved template weights", "file", cfg.Weights.File, "loss", final)
	fmt.Fprintf(cmd.OutOrStdout(), "relation %s: %d epochs, final loss %.6f\n", features.Relation, len(losses), final)

	if cfg.Observability.MetricsEnabled && cfg.Observability.MetricsFile != "" {
		if err := reg.WriteTextfile(cfg.Observability.MetricsFile); err != nil {
			log.Warn("Failed to write metrics", "file", cfg.Observability.MetricsFile, "error", err)
		}
	}
	return nil
}
