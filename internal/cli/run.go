package cli

import (
	"github.com/spf13/cobra"

	"beaconwatch/internal/app"
)

var (
	runDuration    string
	runCapturePath string
	runPrint       bool
	runNoAdvertise bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Advertise and listen using the configured transport",
	RunE: func(cmd *cobra.Command, args []string) error {
		duration, err := parseDuration("--duration", runDuration)
		if err != nil {
			return err
		}
		return getApp().Run(cmd.Context(), app.RunOptions{
			Duration:    duration,
			CapturePath: runCapturePath,
			Print:       runPrint,
			NoAdvertise: runNoAdvertise,
		})
	},
}

func init() {
	runCmd.Flags().StringVar(&runDuration, "duration", "", "Stop after this long (e.g. 10m); empty runs until interrupted")
	runCmd.Flags().StringVar(&runCapturePath, "capture", "", "Record received advertisements to a CSV capture")
	runCmd.Flags().BoolVar(&runPrint, "print", false, "Print every statistics record to stdout")
	runCmd.Flags().BoolVar(&runNoAdvertise, "no-advertise", false, "Listen only; do not advertise")
}
