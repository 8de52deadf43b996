package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/listing-evidence/internal/model"
	"github.com/sells-group/listing-evidence/internal/state"
)

var statusFilter string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-target extraction state",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := state.Open(cfg.Store.StatePath)
		if err != nil {
			return err
		}

		if statusFilter != "" && !model.Status(statusFilter).Valid() {
			return eris.Errorf("status: unknown status %q", statusFilter)
		}

		all, err := st.List()
		if err != nil {
			return eris.Wrap(err, "status")
		}
		if len(all) == 0 {
			zap.L().Info("no targets recorded, run 'extract' first")
			return nil
		}

		formatStates(os.Stdout, filterStates(all, model.Status(statusFilter)))
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "only show targets in this status (pending, in_progress, completed, failed)")
	rootCmd.AddCommand(statusCmd)
}

func filterStates(all []model.ExtractionState, want model.Status) []model.ExtractionState {
	if want == "" {
		return all
	}
	var out []model.ExtractionState
	for _, s := range all {
		if s.Status == want {
			out = append(out, s)
		}
	}
	return out
}

// formatStates writes a table of states followed by per-status totals.
func formatStates(out io.Writer, states []model.ExtractionState) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TARGET\tSTATUS\tUPDATED\tSOURCES\tREASON")
	_, _ = fmt.Fprintln(w, "------\t------\t-------\t-------\t------")

	counts := make(map[model.Status]int)
	for _, s := range states {
		counts[s.Status]++
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.TargetID,
			s.Status,
			s.LastUpdated.Format("2006-01-02 15:04"),
			formatSubStatus(s.SourceSubStatus),
			truncate(s.Reason, 60),
		)
	}
	_ = w.Flush()

	_, _ = fmt.Fprintf(out, "\n%d targets: %d pending, %d in progress, %d completed, %d failed\n",
		len(states),
		counts[model.StatusPending],
		counts[model.StatusInProgress],
		counts[model.StatusCompleted],
		counts[model.StatusFailed],
	)
}

func formatSubStatus(m map[string]string) string {
	if len(m) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s := ""
	for i, k := range keys {
		if i > 0 {
			s += " "
		}
		s += k + "=" + m[k]
	}
	return s
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
