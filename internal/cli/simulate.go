package cli

import (
	"github.com/spf13/cobra"

	"github.com/copyfat/Option-Loop/internal/app"
)

var simulateOpts app.SimulateOptions

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Price a hypothetical contract and print implied vol and Greeks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Simulate(cmd.Context(), simulateOpts)
	},
}

func init() {
	contractFlags(simulateCmd, &simulateOpts.Contract)
	simulateCmd.Flags().Float64Var(&simulateOpts.UnderlyingPrice, "underlying", 0, "Underlying price")
	simulateCmd.Flags().Float64Var(&simulateOpts.Bid, "bid", 0, "Option bid price")
	simulateCmd.Flags().Float64Var(&simulateOpts.Ask, "ask", 0, "Option ask price")
	simulateCmd.Flags().BoolVar(&simulateOpts.SendTest, "send-test", false, "Push a test notification through the configured channel")
	_ = simulateCmd.MarkFlagRequired("underlying")
	_ = simulateCmd.MarkFlagRequired("bid")
	_ = simulateCmd.MarkFlagRequired("ask")
}
