package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/listing-evidence/internal/state"
)

var sweepStaleAfter time.Duration

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Reset in-progress targets abandoned by a crashed run",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := state.Open(cfg.Store.StatePath)
		if err != nil {
			return err
		}

		staleAfter := sweepStaleAfter
		if staleAfter <= 0 {
			staleAfter = cfg.Pipeline.StaleAfter()
		}

		ids, err := st.Sweep(staleAfter)
		if err != nil {
			return err
		}
		zap.L().Info("sweep complete", zap.Int("reset", len(ids)), zap.Duration("stale_after", staleAfter))
		for _, id := range ids {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return nil
	},
}

func init() {
	sweepCmd.Flags().DurationVar(&sweepStaleAfter, "stale-after", 0, "age after which an in-progress claim is abandoned (default from config)")
	rootCmd.AddCommand(sweepCmd)
}
