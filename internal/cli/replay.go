package cli

import (
	"github.com/spf13/cobra"

	"beaconwatch/internal/app"
)

var (
	replayPersist bool
	replayForward bool
	replayQuiet   bool
)

var replayCmd = &cobra.Command{
	Use:   "replay <capture.csv>",
	Short: "Replay a recorded advertisement capture through the monitor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Replay(cmd.Context(), app.ReplayOptions{
			Path:    args[0],
			Persist: replayPersist,
			Forward: replayForward,
			Print:   !replayQuiet,
		})
	},
}

func init() {
	replayCmd.Flags().BoolVar(&replayPersist, "persist", false, "Store replayed statistics in the database")
	replayCmd.Flags().BoolVar(&replayForward, "forward", false, "Forward replayed statistics to the configured brokers")
	replayCmd.Flags().BoolVar(&replayQuiet, "quiet", false, "Do not print statistics records")
}
