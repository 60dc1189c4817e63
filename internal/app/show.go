package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"
)

// ShowOptions configure the show command.
type ShowOptions struct {
	VehicleID string
	Limit     int
}

// Show prints a vehicle's recent stored samples, newest first.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show samples")
	}
	if closeStore != nil {
		defer closeStore()
	}

	samples, err := store.ListRecentSamples(ctx, opts.VehicleID, opts.Limit)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		fmt.Fprintln(os.Stdout, "no samples found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Source (UTC)\tLat\tLng\tSpeed km/h\tHeading\tAccuracy m")

	for _, sample := range samples {
		fmt.Fprintf(
			writer,
			"%s\t%.5f\t%.5f\t%s\t%s\t%s\n",
			sample.SourceTime.UTC().Format(time.RFC3339),
			sample.Lat,
			sample.Lng,
			formatOptional(sample.SpeedKmh, 1),
			formatOptional(sample.HeadingDeg, 0),
			formatOptional(sample.AccuracyM, 1),
		)
	}

	writer.Flush()
	return nil
}

func formatOptional(v *float64, precision int) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', precision, 64)
}
