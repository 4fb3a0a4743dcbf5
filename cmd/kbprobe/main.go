package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ricesearch/kbprobe/internal/config"
	"github.com/ricesearch/kbprobe/internal/pkg/errors"
	"github.com/ricesearch/kbprobe/internal/pkg/logger"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kbprobe",
		Short: "kbprobe - knowledge-base probing of masked language models",
		Long: `kbprobe measures how much relational knowledge a masked language model holds.
Each fact is rendered through several templates and the model's predictions
for the masked object are combined, reranked and scored against the gold object.

Run 'kbprobe eval -c config.yaml' to evaluate one relation.
Run 'kbprobe --help' for available commands.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")

	rootCmd.AddCommand(
		evalCmd(),
		factsCmd(),
		trainWeightsCmd(),
		eventsCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(errors.ExitCode(err))
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kbprobe %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}
}

// setup loads configuration and builds the logger shared by every command.
// The returned func closes the log file, if any.
func setup(cmd *cobra.Command) (*config.Config, *logger.Logger, func() error, error) {
	path, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")

	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, nil, errors.Wrap(errors.CodeValidation, "failed to load config", err)
	}
	if verbose {
		cfg.Log.Level = "debug"
	}

	log, closeLog, err := logger.NewFile(cfg.Log.File, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, log, closeLog, nil
}
