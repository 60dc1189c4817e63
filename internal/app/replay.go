package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"fleet-tracking/internal/playback"
)

// ReplayOptions configure the replay job.
type ReplayOptions struct {
	VehicleID string
	RouteID   string
	From      time.Time
	To        time.Time
	Speed     float64
}

// Replay runs a historical window through the full pipeline and streams the
// derived state to stdout.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot replay")
	}
	if closeStore != nil {
		defer closeStore()
	}

	manager := playback.NewManager(a.Config.Playback, store, store, a.Logger)
	defer manager.Close()

	session, err := manager.Open(ctx, opts.VehicleID, opts.RouteID, opts.From, opts.To)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.Play(opts.Speed); err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Cursor (UTC)\tLat\tLng\tSpeed km/h\tTraveled m\tOff-route m\tDeviating")

	var last playback.Update
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-session.Updates():
			if !ok {
				return errors.New("replay session closed unexpectedly")
			}
			last = u
			if u.Sample != nil {
				fmt.Fprintf(
					writer,
					"%s\t%.5f\t%.5f\t%.1f\t%.0f\t%.0f\t%t\n",
					u.Cursor.UTC().Format(time.RFC3339),
					u.Sample.Lat,
					u.Sample.Lng,
					u.Metrics.InstSpeedKmh,
					u.Metrics.TraveledM,
					u.Deviation.DistanceOffRouteM,
					u.Deviation.Deviating,
				)
			}
			if u.State == playback.StateFinished {
				writer.Flush()
				a.Logger.Info().
					Str("vehicle", opts.VehicleID).
					Float64("traveled_m", last.Metrics.TraveledM).
					Bool("deviating", last.Deviation.Deviating).
					Msg("replay finished")
				return nil
			}
		}
	}
}
