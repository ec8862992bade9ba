package cli

import (
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate [up|down|status|redo|version] [args...]",
	Short: "Apply postgres schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		command := "up"
		if len(args) > 0 {
			command = args[0]
			args = args[1:]
		}
		return getApp().Migrate(cmd.Context(), command, args...)
	},
}
