package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"listing-alerts/internal/app"
)

var (
	showLimit    int
	showUserID   int64
	showEntityID int64
	showKind     string
	showUnread   bool
	showAlertID  int64
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		if showUserID <= 0 && (showEntityID > 0 || showKind != "" || showUnread) {
			return fmt.Errorf("--entity, --kind and --unread require --user")
		}

		opts := app.ShowOptions{
			Limit:      showLimit,
			UserID:     showUserID,
			EntityID:   showEntityID,
			Kind:       showKind,
			UnreadOnly: showUnread,
			AlertID:    showAlertID,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of alerts to display")
	showCmd.Flags().Int64Var(&showUserID, "user", 0, "Show one user's alert feed instead of the global view")
	showCmd.Flags().Int64Var(&showEntityID, "entity", 0, "Filter the user feed to one entity")
	showCmd.Flags().StringVar(&showKind, "kind", "", "Filter the user feed to one alert kind")
	showCmd.Flags().BoolVar(&showUnread, "unread", false, "Only unread alerts")
	showCmd.Flags().Int64Var(&showAlertID, "alert", 0, "Show the delivery legs of one alert")
}
