package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"fleet-tracking/internal/app"
)

var (
	replayVehicle string
	replayRoute   string
	replayFrom    string
	replayTo      string
	replaySpeed   float64
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a vehicle's recorded window through the pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		if replayVehicle == "" {
			return fmt.Errorf("--vehicle must be provided")
		}
		if replayFrom == "" || replayTo == "" {
			return fmt.Errorf("--from and --to must be provided")
		}

		from, err := time.Parse(time.RFC3339, replayFrom)
		if err != nil {
			return fmt.Errorf("invalid --from value: %w", err)
		}
		to, err := time.Parse(time.RFC3339, replayTo)
		if err != nil {
			return fmt.Errorf("invalid --to value: %w", err)
		}
		if !from.Before(to) {
			return fmt.Errorf("--from must be before --to")
		}

		opts := app.ReplayOptions{
			VehicleID: replayVehicle,
			RouteID:   replayRoute,
			From:      from,
			To:        to,
			Speed:     replaySpeed,
		}

		return getApp().Replay(cmd.Context(), opts)
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayVehicle, "vehicle", "", "Vehicle id to replay")
	replayCmd.Flags().StringVar(&replayRoute, "route", "", "Route id for deviation evaluation")
	replayCmd.Flags().StringVar(&replayFrom, "from", "", "Window start (RFC3339, inclusive)")
	replayCmd.Flags().StringVar(&replayTo, "to", "", "Window end (RFC3339, exclusive)")
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 16, "Playback speed factor")
}
