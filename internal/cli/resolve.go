package cli

import (
	"github.com/spf13/cobra"

	"listing-alerts/internal/app"
)

var (
	resolveAlertID int64
	resolveDismiss bool
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Mark an alert read or dismissed",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ResolveOptions{
			AlertID: resolveAlertID,
			Dismiss: resolveDismiss,
		}
		return getApp().Resolve(cmd.Context(), opts)
	},
}

func init() {
	resolveCmd.Flags().Int64Var(&resolveAlertID, "alert", 0, "Alert to resolve")
	resolveCmd.Flags().BoolVar(&resolveDismiss, "dismiss", false, "Dismiss instead of marking read")
}
