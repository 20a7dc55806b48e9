package cli

import (
	"github.com/spf13/cobra"

	"github.com/copyfat/Option-Loop/internal/app"
)

var (
	trackAddArgs    app.ContractArgs
	trackRemoveArgs app.ContractArgs
)

var trackCmd = &cobra.Command{
	Use:   "track",
	Short: "Manage tracked option positions",
}

var trackAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a contract for monitoring",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().TrackAdd(cmd.Context(), trackAddArgs)
	},
}

var trackRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Unregister a contract (removes its rules and alert history)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().TrackRemove(cmd.Context(), trackRemoveArgs)
	},
}

var trackListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked contracts and their rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().TrackList(cmd.Context())
	},
}

func init() {
	contractFlags(trackAddCmd, &trackAddArgs)
	contractFlags(trackRemoveCmd, &trackRemoveArgs)

	trackCmd.AddCommand(trackAddCmd)
	trackCmd.AddCommand(trackRemoveCmd)
	trackCmd.AddCommand(trackListCmd)
}
