package cli

import (
	"github.com/spf13/cobra"

	"listing-alerts/internal/app"
)

var detectEntityID int64

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Run a one-shot detection pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.DetectOptions{
			EntityID: detectEntityID,
		}
		return getApp().Detect(cmd.Context(), opts)
	},
}

func init() {
	detectCmd.Flags().Int64Var(&detectEntityID, "entity", 0, "Limit detection to one entity (default: sweep all tracked entities)")
}
