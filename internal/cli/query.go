package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"btc-fee-agent/internal/advisor"
	"btc-fee-agent/internal/app"
)

var (
	queryExplain      string
	recommendPriority string
	estimateFee       float64
	miningFee         float64
	miningTarget      int
)

func queryOptions() (app.QueryOptions, error) {
	switch strings.ToLower(queryExplain) {
	case "", "none":
		return app.QueryOptions{}, nil
	case "llm":
		return app.QueryOptions{WithLLM: true}, nil
	default:
		return app.QueryOptions{}, fmt.Errorf("--explain must be none or llm")
	}
}

var recommendCmd = &cobra.Command{
	Use:   "recommend",
	Short: "Print a fee recommendation for a priority",
	RunE: func(cmd *cobra.Command, args []string) error {
		priority, err := advisor.ParsePriority(recommendPriority)
		if err != nil {
			return err
		}
		opts, err := queryOptions()
		if err != nil {
			return err
		}
		return getApp().Recommend(cmd.Context(), cmd.OutOrStdout(), priority, opts)
	},
}

var estimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Estimate confirmation time for a custom fee",
	RunE: func(cmd *cobra.Command, args []string) error {
		if estimateFee <= 0 {
			return fmt.Errorf("--fee must be greater than zero")
		}
		opts, err := queryOptions()
		if err != nil {
			return err
		}
		return getApp().Estimate(cmd.Context(), cmd.OutOrStdout(), estimateFee, opts)
	},
}

var compareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Compare fast, medium and slow recommendations",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := queryOptions()
		if err != nil {
			return err
		}
		return getApp().Compare(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Refresh once and print the live state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Status(cmd.Context(), cmd.OutOrStdout())
	},
}

var miningTargetCmd = &cobra.Command{
	Use:   "mining-target",
	Short: "Evaluate projected mempool blocks",
	RunE: func(cmd *cobra.Command, args []string) error {
		var fee *float64
		if cmd.Flags().Changed("fee") {
			if miningFee <= 0 {
				return fmt.Errorf("--fee must be greater than zero")
			}
			fee = &miningFee
		}
		if cmd.Flags().Changed("target-blocks") && (miningTarget < 1 || miningTarget > advisor.MaxProjectedBlocks) {
			return fmt.Errorf("--target-blocks must be between 1 and %d", advisor.MaxProjectedBlocks)
		}
		return getApp().MiningTarget(cmd.Context(), cmd.OutOrStdout(), fee, miningTarget)
	},
}

func init() {
	for _, c := range []*cobra.Command{recommendCmd, estimateCmd, compareCmd} {
		c.Flags().StringVar(&queryExplain, "explain", "none", "Explanation mode: none or llm")
	}
	recommendCmd.Flags().StringVar(&recommendPriority, "priority", "medium", "Preset priority: fast, medium or slow")
	estimateCmd.Flags().Float64Var(&estimateFee, "fee", 0, "Custom fee in sat/vB")
	_ = estimateCmd.MarkFlagRequired("fee")
	miningTargetCmd.Flags().Float64Var(&miningFee, "fee", 0, "Optional fee to test in sat/vB")
	miningTargetCmd.Flags().IntVar(&miningTarget, "target-blocks", 0, "Desired confirmation within N blocks")
}
