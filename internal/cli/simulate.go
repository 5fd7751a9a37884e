package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"listing-alerts/internal/app"
)

var (
	simulateEntityID int64
	simulateOldPrice float64
	simulateNewPrice float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Insert a synthetic price change and run the pipeline once",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateOldPrice <= 0 || simulateNewPrice <= 0 {
			return errors.New("--old-price and --new-price must be greater than 0")
		}

		opts := app.SimulateOptions{
			EntityID: simulateEntityID,
			OldPrice: decimal.NewFromFloat(simulateOldPrice),
			NewPrice: decimal.NewFromFloat(simulateNewPrice),
		}
		return getApp().Simulate(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().Int64Var(&simulateEntityID, "entity", 0, "Entity to attach the synthetic observations to")
	simulateCmd.Flags().Float64Var(&simulateOldPrice, "old-price", 0, "Price for the older synthetic observation")
	simulateCmd.Flags().Float64Var(&simulateNewPrice, "new-price", 0, "Price for the newer synthetic observation")
}
