package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"supply-integrity/internal/app"
)

var (
	simulateBatch     string
	simulateFrom      string
	simulateTo        string
	simulateLocation  string
	simulateTimestamp int64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-transfer",
	Short: "Record a transfer by hand and run anomaly detection on it",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateBatch == "" || simulateTo == "" {
			return errors.New("--batch and --to are required")
		}

		return getApp().SimulateTransfer(cmd.Context(), app.SimulateOptions{
			BatchID:   simulateBatch,
			From:      simulateFrom,
			To:        simulateTo,
			Location:  simulateLocation,
			Timestamp: simulateTimestamp,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateBatch, "batch", "", "Batch id")
	simulateCmd.Flags().StringVar(&simulateFrom, "from", "unknown", "Sender")
	simulateCmd.Flags().StringVar(&simulateTo, "to", "", "Receiver")
	simulateCmd.Flags().StringVar(&simulateLocation, "location", "", "Optional location")
	simulateCmd.Flags().Int64Var(&simulateTimestamp, "timestamp", 0, "Transfer time in epoch milliseconds (defaults to now)")
}
