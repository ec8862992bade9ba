package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"supply-integrity/internal/app"
)

var (
	showLimit int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display tracked batches with their integrity score",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit: showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

var integrityCmd = &cobra.Command{
	Use:   "integrity <batch-id>",
	Short: "Print the integrity report of a batch as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Integrity(cmd.Context(), args[0])
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of batches to display")
}
