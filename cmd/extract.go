package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/listing-evidence/internal/pipeline"
)

var (
	extractAddresses   []string
	extractSourceIDs   []string
	extractTargetsFile string
	extractForce       bool
	extractConcurrency int
	extractWorkers     int
	extractLimit       int
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Collect photos and attributes for one or more listings",
	Long: `Runs each target through the fallback chain (direct fetch, browser
session, screenshot capture, search) until one step stores enough images.
Stale in-progress targets from a crashed run are swept back to pending first.`,
	Example: `  listing-evidence extract --address "123 Example St, Springfield" --source-id alpha=A1
  listing-evidence extract --targets targets.yaml --workers 4`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		targets, err := collectTargets(extractAddresses, extractSourceIDs, extractTargetsFile)
		if err != nil {
			return err
		}
		if extractLimit > 0 && len(targets) > extractLimit {
			targets = targets[:extractLimit]
		}

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		swept, err := env.State.Sweep(cfg.Pipeline.StaleAfter())
		if err != nil {
			return err
		}
		if len(swept) > 0 {
			zap.L().Info("reset stale targets", zap.Int("count", len(swept)))
		}

		coord, err := buildCoordinator(ctx, env, cfg, pipeline.Options{
			Workers:        extractWorkers,
			MaxConcurrency: extractConcurrency,
			Force:          extractForce,
		})
		if err != nil {
			return err
		}

		outcomes, runErr := coord.RunBatch(ctx, targets)
		if outcomes == nil {
			return runErr
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(outcomes); err != nil {
			return err
		}
		return runErr
	},
}

func init() {
	f := extractCmd.Flags()
	f.StringArrayVar(&extractAddresses, "address", nil, "normalized listing address (repeatable)")
	f.StringArrayVar(&extractSourceIDs, "source-id", nil, "known listing id as site=id, applied to --address targets (repeatable)")
	f.StringVar(&extractTargetsFile, "targets", "", "YAML or JSON file listing targets")
	f.BoolVar(&extractForce, "force", false, "re-extract targets already completed")
	f.IntVar(&extractConcurrency, "concurrency", 0, "max concurrent image downloads (default from config)")
	f.IntVar(&extractWorkers, "workers", 0, "targets processed in parallel (default from config)")
	f.IntVar(&extractLimit, "limit", 0, "process at most this many targets (0 = all)")
	rootCmd.AddCommand(extractCmd)
}
