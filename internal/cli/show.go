package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"fleet-tracking/internal/app"
)

var (
	showVehicle string
	showLimit   int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display a vehicle's recent position samples",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showVehicle == "" {
			return fmt.Errorf("--vehicle must be provided")
		}
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			VehicleID: showVehicle,
			Limit:     showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showVehicle, "vehicle", "", "Vehicle id to display")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of samples to display")
}
