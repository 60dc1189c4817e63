package cli

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"fleet-tracking/internal/app"
)

var (
	simulateVehicle  string
	simulateSamples  int
	simulateInterval time.Duration
	simulateSpeed    float64
	simulateOffAfter int
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-drive",
	Short: "模拟一次直线行驶并走完整实时管线",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateVehicle == "" {
			return errors.New("--vehicle 必须配置")
		}
		if simulateSamples <= 1 {
			return errors.New("--samples 必须大于 1")
		}

		opts := app.SimulateOptions{
			VehicleID:     simulateVehicle,
			Samples:       simulateSamples,
			Interval:      simulateInterval,
			SpeedKmh:      simulateSpeed,
			OffRouteAfter: simulateOffAfter,
		}
		return getApp().SimulateDrive(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateVehicle, "vehicle", "sim-1", "模拟车辆 id")
	simulateCmd.Flags().IntVar(&simulateSamples, "samples", 30, "模拟样本数量")
	simulateCmd.Flags().DurationVar(&simulateInterval, "interval", time.Second, "样本间隔")
	simulateCmd.Flags().Float64Var(&simulateSpeed, "speed", 40, "行驶速度 km/h")
	simulateCmd.Flags().IntVar(&simulateOffAfter, "off-route-after", 0, "从第几个样本开始偏离路线（0 表示不偏离）")
}
