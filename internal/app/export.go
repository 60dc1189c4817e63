package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"fleet-tracking/internal/storage"
	"fleet-tracking/internal/track"
)

// ExportOptions hold parameters for exporting a vehicle's history.
type ExportOptions struct {
	VehicleID string
	RouteID   string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// trajectoryPoint is one derived point of the exported history.
type trajectoryPoint struct {
	At        time.Time
	Lat       float64
	Lng       float64
	SpeedKmh  float64
	TraveledM float64
	OffRouteM float64
	Deviating bool
}

// Export renders a vehicle's trajectory history as CSV and/or PNG. The
// stored raw samples are folded through the same pipeline the live service
// runs, so the exported speeds and deviation distances match what operators
// saw live.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.VehicleID == "" {
		return errors.New("--vehicle must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	samples, err := store.FetchSamples(ctx, opts.VehicleID, from, to)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		a.Logger.Info().Str("vehicle", opts.VehicleID).Msg("no samples found for export window")
		return nil
	}

	var route *track.RouteGeometry
	if opts.RouteID != "" {
		geom, routeErr := store.FetchRouteGeometry(ctx, opts.RouteID)
		if routeErr != nil {
			if errors.Is(routeErr, storage.ErrRouteNotFound) {
				a.Logger.Warn().Str("route", opts.RouteID).Msg("route not found; exporting without deviation")
			} else {
				return routeErr
			}
		} else {
			route = &geom
		}
	}

	points := a.derivePoints(samples, route)
	downsampled := downsamplePoints(points, opts.MaxPoints)
	a.Logger.Info().Int("total", len(points)).Int("exported", len(downsampled)).Msg("exporting trajectory")

	if opts.CSVPath != "" {
		if err := writePointsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writePointsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func (a *App) derivePoints(samples []track.PositionSample, route *track.RouteGeometry) []trajectoryPoint {
	validator := track.NewValidator(a.Config.Tracker.Validator)
	analyzer := track.NewAnalyzer(a.Config.Tracker.Analyzer)
	detector := track.NewDetector(a.Config.Tracker.Deviation)

	var (
		prev      *track.PositionSample
		metrics   track.TrajectoryMetrics
		deviation track.DeviationState
	)
	points := make([]trajectoryPoint, 0, len(samples))
	for _, raw := range samples {
		sample, outcome, err := validator.Validate(raw, prev)
		if err != nil {
			continue
		}
		p := prev
		if outcome == track.FreshSegment {
			p = nil
		}
		metrics = analyzer.Update(metrics, sample, p)
		deviation = detector.Evaluate(sample.Point(), sample.SourceTime, route, deviation)
		prev = &sample

		points = append(points, trajectoryPoint{
			At:        sample.SourceTime,
			Lat:       sample.Lat,
			Lng:       sample.Lng,
			SpeedKmh:  metrics.InstSpeedKmh,
			TraveledM: metrics.TraveledM,
			OffRouteM: deviation.DistanceOffRouteM,
			Deviating: deviation.Deviating,
		})
	}
	return points
}

func downsamplePoints(points []trajectoryPoint, max int) []trajectoryPoint {
	if max <= 0 || len(points) <= max {
		return points
	}

	result := make([]trajectoryPoint, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writePointsCSV(path string, points []trajectoryPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"source_ts", "lat", "lng", "speed_kmh", "traveled_m", "off_route_m", "deviating"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, point := range points {
		record := []string{
			point.At.Format(time.RFC3339),
			strconv.FormatFloat(point.Lat, 'f', 6, 64),
			strconv.FormatFloat(point.Lng, 'f', 6, 64),
			strconv.FormatFloat(point.SpeedKmh, 'f', 2, 64),
			strconv.FormatFloat(point.TraveledM, 'f', 1, 64),
			strconv.FormatFloat(point.OffRouteM, 'f', 1, 64),
			strconv.FormatBool(point.Deviating),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writePointsPNG(path string, points []trajectoryPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(points))
	speed := make([]float64, len(points))
	offRoute := make([]float64, len(points))

	for i, point := range points {
		x[i] = point.At
		speed[i] = point.SpeedKmh
		offRoute[i] = point.OffRouteM
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.1f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Speed (km/h)",
			ValueFormatter: valueFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Off-route (m)",
			ValueFormatter: valueFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Speed",
				XValues: x,
				YValues: speed,
			},
			chart.TimeSeries{
				Name:    "Off-route",
				XValues: x,
				YValues: offRoute,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
