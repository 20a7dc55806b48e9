package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/copyfat/Option-Loop/internal/app"
)

var (
	ruleAddArgs  app.RuleArgs
	ruleListArgs app.ContractArgs
)

var ruleCmd = &cobra.Command{
	Use:   "rule",
	Short: "Manage alert rules",
}

var ruleAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Attach a threshold rule to a tracked contract",
	RunE: func(cmd *cobra.Command, args []string) error {
		if ruleAddArgs.Metric == "" {
			return fmt.Errorf("--metric is required")
		}
		return getApp().RuleAdd(cmd.Context(), ruleAddArgs)
	},
}

var ruleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the rules attached to a tracked contract",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RuleList(cmd.Context(), ruleListArgs)
	},
}

func init() {
	contractFlags(ruleAddCmd, &ruleAddArgs.Contract)
	ruleAddCmd.Flags().StringVar(&ruleAddArgs.Metric, "metric", "", "Metric name: iv, delta, gamma, theta, vega, rho")
	ruleAddCmd.Flags().StringVar(&ruleAddArgs.Operator, "op", "gt", "Comparison operator: gt, gte, lt, lte")
	ruleAddCmd.Flags().Float64Var(&ruleAddArgs.Threshold, "threshold", 0, "Threshold value (same units as the metric)")

	contractFlags(ruleListCmd, &ruleListArgs)

	ruleCmd.AddCommand(ruleAddCmd)
	ruleCmd.AddCommand(ruleListCmd)
}
