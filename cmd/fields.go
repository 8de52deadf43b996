package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/sells-group/listing-evidence/internal/model"
)

var fieldsHistory bool

var fieldsCmd = &cobra.Command{
	Use:   "fields <address-or-target-id>",
	Short: "Print the merged metadata for a target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		id := model.TargetID(args[0])

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")

		if fieldsHistory {
			rec, err := env.Metadata.Record(ctx, id)
			if err != nil {
				return err
			}
			return enc.Encode(rec)
		}
		view, err := env.Metadata.Snapshot(ctx, id)
		if err != nil {
			return err
		}
		return enc.Encode(view)
	},
}

func init() {
	fieldsCmd.Flags().BoolVar(&fieldsHistory, "history", false, "include every value ever observed")
	rootCmd.AddCommand(fieldsCmd)
}
