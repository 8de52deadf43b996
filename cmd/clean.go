package main

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/listing-evidence/internal/contentstore"
	"github.com/sells-group/listing-evidence/internal/janitor"
	"github.com/sells-group/listing-evidence/internal/monitoring"
)

var (
	cleanMaxAge time.Duration
	cleanDryRun bool
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove stored images older than a maximum age",
	Long: `Removes manifest entries older than --max-age and deletes their image files
unless another surviving entry still references the same bytes. Files with no
manifest entry at all are collected too.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := contentstore.New(cfg.Store.Root)
		if err != nil {
			return err
		}
		manifest, err := contentstore.OpenManifest(cfg.Store.ManifestPath)
		if err != nil {
			return err
		}

		maxAge := cleanMaxAge
		if !cmd.Flags().Changed("max-age") {
			maxAge = cfg.Cleanup.MaxAge()
		}

		j := janitor.New(store, manifest, janitor.WithMetrics(monitoring.NewMetrics()))
		report, err := j.Clean(cmd.Context(), maxAge, cleanDryRun)
		if err != nil {
			return err
		}

		zap.L().Info("clean complete",
			zap.Bool("dry_run", report.DryRun),
			zap.Int("entries", report.EntriesRemoved()),
			zap.Int("artifacts", len(report.Artifacts)),
			zap.Int("orphans", len(report.Orphans)),
			zap.Int64("bytes_freed", report.BytesFreed),
		)

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	cleanCmd.Flags().DurationVar(&cleanMaxAge, "max-age", 0, "remove entries older than this (default from config)")
	cleanCmd.Flags().BoolVar(&cleanDryRun, "dry-run", false, "report what would be removed without deleting")
	rootCmd.AddCommand(cleanCmd)
}
