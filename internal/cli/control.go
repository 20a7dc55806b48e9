package cli

import (
	"github.com/spf13/cobra"
)

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Suspend polling cycles without losing tracked positions or state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Pause(cmd.Context())
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume polling cycles after a pause",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Resume(cmd.Context())
	},
}
