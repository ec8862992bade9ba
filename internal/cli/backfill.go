package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"supply-integrity/internal/app"
)

var (
	backfillFrom   uint64
	backfillTo     uint64
	backfillDryRun bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Replay contract events from a block range",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cmd.Flags().Changed("to-block") {
			return fmt.Errorf("--to-block must be provided")
		}
		if backfillTo < backfillFrom {
			return fmt.Errorf("--from-block must not be after --to-block")
		}

		opts := app.BackfillOptions{
			FromBlock: backfillFrom,
			ToBlock:   backfillTo,
			DryRun:    backfillDryRun,
		}

		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().Uint64Var(&backfillFrom, "from-block", 0, "First block to replay (inclusive)")
	backfillCmd.Flags().Uint64Var(&backfillTo, "to-block", 0, "Last block to replay (inclusive)")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Apply events to an in-memory store instead of the configured one")
}
