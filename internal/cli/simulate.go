package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var (
	simulateFastest float64
	simulateEconomy float64
	simulateMempool int64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Simulate a move into congestion and dispatch the alert",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateFastest <= 0 || simulateEconomy <= 0 {
			return errors.New("--fastest and --economy must be greater than zero")
		}
		if simulateMempool < 0 {
			return errors.New("--mempool cannot be negative")
		}
		return getApp().SimulateAlert(cmd.Context(), simulateFastest, simulateEconomy, simulateMempool)
	},
}

func init() {
	simulateCmd.Flags().Float64Var(&simulateFastest, "fastest", 60, "Simulated fastest fee in sat/vB")
	simulateCmd.Flags().Float64Var(&simulateEconomy, "economy", 5, "Simulated economy fee in sat/vB")
	simulateCmd.Flags().Int64Var(&simulateMempool, "mempool", 300000, "Simulated mempool transaction count")
}
