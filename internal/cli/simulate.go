package cli

import (
	"github.com/spf13/cobra"

	"beaconwatch/internal/app"
)

var (
	simulateDuration string
	simulateSeed     int64
	simulatePeers    int
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "使用模拟蓝牙传输运行监听流程",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		if cmd.Flags().Changed("seed") {
			a.Config.Simulate.Seed = simulateSeed
		}
		if simulatePeers > 0 {
			a.Config.Simulate.Peers = simulatePeers
		}

		duration := a.Config.Simulate.Duration
		if simulateDuration != "" {
			d, err := parseDuration("--duration", simulateDuration)
			if err != nil {
				return err
			}
			duration = d
		}

		return a.Run(cmd.Context(), app.RunOptions{
			Driver:   "simulated",
			Duration: duration,
			Print:    true,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateDuration, "duration", "", "模拟时长 (默认读取 simulate.duration)")
	simulateCmd.Flags().Int64Var(&simulateSeed, "seed", 0, "随机种子")
	simulateCmd.Flags().IntVar(&simulatePeers, "peers", 0, "模拟的对端数量")
}
