package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/ricesearch/kbprobe/internal/bus"
	"github.com/ricesearch/kbprobe/internal/pkg/errors"
	"github.com/ricesearch/kbprobe/internal/pkg/logger"
)

var eventTopics = []string{bus.TopicBatchCompleted, bus.TopicRunCompleted, bus.TopicEpochCompleted}

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print run progress from the event journal or the Kafka bus",
		Long: `Replay the run events recorded in bus.event_log and print one line per
batch, epoch and finished run.

With --follow, subscribe to the configured Kafka bus afterwards and print
events as other kbprobe processes publish them, until interrupted.`,
		RunE: runEvents,
	}
	cmd.Flags().String("journal", "", "event journal to replay (overrides bus.event_log)")
	cmd.Flags().Bool("follow", false, "keep printing events published on the kafka bus")
	cmd.Flags().Duration("since", 0, "only replay events recorded within this duration")
	cmd.Flags().String("run", "", "only print events of this run id")
	return cmd
}

func runEvents(cmd *cobra.Command, _ []string) error {
	cfg, log, closeLog, err := setup(cmd)
	if err != nil {
		return err
	}
	defer closeLog()

	journal := cfg.Bus.EventLog
	if cmd.Flags().Changed("journal") {
		journal, _ = cmd.Flags().GetString("journal")
	}
	follow, _ := cmd.Flags().GetBool("follow")
	window, _ := cmd.Flags().GetDuration("since")
	run, _ := cmd.Flags().GetString("run")

	if journal == "" && !follow {
		return errors.ValidationError("events needs a journal (bus.event_log or --journal) or --follow")
	}
	if follow && cfg.Bus.Type != "kafka" {
		return errors.ValidationError("--follow needs the kafka bus")
	}

	ctx, stop := signalContext()
	defer stop()

	printer := newPrinter(cmd.OutOrStdout(), run)
	if journal != "" {
		var since time.Time
		if window > 0 {
			since = time.Now().Add(-window)
		}
		n, err := replayJournal(ctx, journal, since, printer, log)
		if err != nil {
			return err
		}
		log.Debug("Replayed journal", "file", journal, "events", n)
	}
	if !follow {
		return nil
	}

	// Following must not append what it reads back to the journal.
	busCfg := cfg.Bus
	busCfg.EventLog = ""
	b, err := bus.NewBus(busCfg, log)
	if err != nil {
		return err
	}
	defer b.Close()
	if err := subscribeAll(ctx, b, printer); err != nil {
		return err
	}
	log.Info("Following run events", "brokers", cfg.Bus.KafkaBrokers, "group", cfg.Bus.KafkaGroup)
	<-ctx.Done()
	return nil
}

// replayJournal prints the journal entries recorded after since in file order.
func replayJournal(ctx context.Context, path string, since time.Time, h bus.Handler, log *logger.Logger) (int, error) {
	b := bus.NewOrderedMemoryBus(log)
	defer b.Close()
	if err := subscribeAll(ctx, b, h); err != nil {
		return 0, err
	}
	return bus.Replay(ctx, path, b, since)
}

func subscribeAll(ctx context.Context, b bus.Bus, h bus.Handler) error {
	for _, topic := range eventTopics {
		if err := b.Subscribe(ctx, topic, h); err != nil {
			return err
		}
	}
	return nil
}

// newPrinter returns a handler writing one line per event to w. A non-empty
// run keeps only that run's events.
func newPrinter(w io.Writer, run string) bus.Handler {
	var mu sync.Mutex
	return func(ctx context.Context, event bus.Event) error {
		if run != "" && event.CorrelationID != run {
			return nil
		}
		line, err := formatEvent(event)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		_, err = fmt.Fprintln(w, line)
		return err
	}
}

func formatEvent(event bus.Event) (string, error) {
	at := time.UnixMilli(event.Timestamp).UTC().Format(time.RFC3339)
	payload, err := bus.DecodePayload(event.Type, event.Payload)
	if err != nil {
		return "", err
	}
	switch p := payload.(type) {
	case bus.BatchCompleted:
		return fmt.Sprintf("%s %s %s batch %d/%d samples=%d", at, event.CorrelationID, p.Relation, p.Batch+1, p.Batches, p.Samples), nil
	case bus.EpochCompleted:
		return fmt.Sprintf("%s %s %s epoch %d loss=%.6f", at, event.CorrelationID, p.Relation, p.Epoch, p.Loss), nil
	case bus.RunCompleted:
		line := fmt.Sprintf("%s %s %s done mode=%s samples=%d excluded=%d", at, event.CorrelationID, p.Relation, p.Mode, p.Samples, p.Excluded)
		if p.MRR != nil {
			line += fmt.Sprintf(" mrr=%.4f", *p.MRR)
		}
		if p.Precision1 != nil {
			line += fmt.Sprintf(" p@1=%.4f", *p.Precision1)
		}
		if p.Loss != nil {
			line += fmt.Sprintf(" loss=%.6f", *p.Loss)
		}
		return line, nil
	default:
		return fmt.Sprintf("%s %s %s", at, event.CorrelationID, event.Type), nil
	}
}
