package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/copyfat/Option-Loop/internal/app"
	"github.com/copyfat/Option-Loop/internal/config"
	"github.com/copyfat/Option-Loop/internal/logging"
)

var (
	cfgFile   string
	logLevel  string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:   "optionloop",
	Short: "Monitor options risk metrics and alert on threshold transitions",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		logger := logging.NewLogger(cfg.Logging)
		appHandle = app.NewApp(cfg, logger)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(trackCmd)
	rootCmd.AddCommand(ruleCmd)
	rootCmd.AddCommand(alertsCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(versionCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}

// contractFlags registers the shared contract-identity flags on a command.
func contractFlags(cmd *cobra.Command, args *app.ContractArgs) {
	cmd.Flags().StringVar(&args.Symbol, "symbol", "", "Underlying symbol (e.g. AAPL)")
	cmd.Flags().StringVar(&args.Expiration, "expiration", "", "Expiration date (YYYY-MM-DD)")
	cmd.Flags().Float64Var(&args.Strike, "strike", 0, "Strike price")
	cmd.Flags().StringVar(&args.Type, "type", "call", "Option type: call or put")
	_ = cmd.MarkFlagRequired("symbol")
	_ = cmd.MarkFlagRequired("expiration")
	_ = cmd.MarkFlagRequired("strike")
}
