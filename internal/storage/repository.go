package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleet-tracking/internal/geo"
	"fleet-tracking/internal/track"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrRouteNotFound indicates the requested route geometry does not exist.
	ErrRouteNotFound = errors.New("storage: route not found")
)

const (
	insertSampleSQL = `INSERT INTO position_samples (
        vehicle_id,
        lat,
        lng,
        speed_kmh,
        heading_deg,
        accuracy_m,
        source_ts,
        received_ts
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (vehicle_id, source_ts) DO NOTHING;`

	fetchSamplesSQL = `SELECT
        vehicle_id,
        lat,
        lng,
        speed_kmh,
        heading_deg,
        accuracy_m,
        source_ts,
        received_ts
    FROM position_samples
    WHERE vehicle_id = $1
      AND source_ts >= $2
      AND source_ts < $3
    ORDER BY source_ts;`

	listRecentSamplesSQL = `SELECT
        vehicle_id,
        lat,
        lng,
        speed_kmh,
        heading_deg,
        accuracy_m,
        source_ts,
        received_ts
    FROM position_samples
    WHERE vehicle_id = $1
    ORDER BY source_ts DESC
    LIMIT $2;`

	countSamplesSQL = `SELECT COUNT(*) FROM position_samples WHERE vehicle_id = $1;`

	fetchRouteGeometrySQL = `SELECT
        route_id,
        version,
        vertices
    FROM route_geometries
    WHERE route_id = $1
    ORDER BY version DESC
    LIMIT 1;`

	insertDeviationEventSQL = `INSERT INTO deviation_events (
        vehicle_id,
        route_id,
        entered,
        distance_off_route_m,
        since_ts,
        event_ts
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    ) RETURNING id, created_at;`

	listRecentDeviationEventsSQL = `SELECT
        id,
        vehicle_id,
        route_id,
        entered,
        distance_off_route_m,
        since_ts,
        event_ts,
        created_at
    FROM deviation_events
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteDeviationEventsBeforeSQL = `DELETE FROM deviation_events WHERE created_at < $1;`
)

// SampleStore defines operations for position sample persistence. The engine
// treats stored samples as append-only: they are never updated in place.
type SampleStore interface {
	InsertSample(ctx context.Context, sample track.PositionSample) error
	FetchSamples(ctx context.Context, vehicleID string, from, to time.Time) ([]track.PositionSample, error)
	ListRecentSamples(ctx context.Context, vehicleID string, limit int) ([]track.PositionSample, error)
	CountSamples(ctx context.Context, vehicleID string) (int64, error)
}

// RouteSource resolves route geometries; read-only for the engine.
type RouteSource interface {
	FetchRouteGeometry(ctx context.Context, routeID string) (track.RouteGeometry, error)
}

// DeviationEventStore defines operations for deviation transition auditing.
type DeviationEventStore interface {
	InsertDeviationEvent(ctx context.Context, event DeviationEvent) (DeviationEvent, error)
	ListRecentDeviationEvents(ctx context.Context, limit int) ([]DeviationEvent, error)
	DeleteDeviationEventsBefore(ctx context.Context, olderThan time.Time) error
}

// Store aggregates access to samples, routes and deviation events.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertSample appends one sample; duplicates on (vehicle, source_ts) are
// discarded by the unique constraint, keeping ingestion idempotent.
func (s *Store) InsertSample(ctx context.Context, sample track.PositionSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertSampleSQL,
		sample.VehicleID,
		sample.Lat,
		sample.Lng,
		nullableFloat(sample.SpeedKmh),
		nullableFloat(sample.HeadingDeg),
		nullableFloat(sample.AccuracyM),
		sample.SourceTime,
		sample.ReceivedTime,
	)
	if execErr != nil {
		return fmt.Errorf("insert sample: %w", execErr)
	}
	return nil
}

// FetchSamples lists samples for a vehicle inside [from, to), ordered by
// source timestamp.
func (s *Store) FetchSamples(ctx context.Context, vehicleID string, from, to time.Time) ([]track.PositionSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, fetchSamplesSQL, vehicleID, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("fetch samples: %w", queryErr)
	}
	defer rows.Close()

	return collectSamples(rows, 0)
}

// ListRecentSamples lists the newest samples for a vehicle, newest first.
func (s *Store) ListRecentSamples(ctx context.Context, vehicleID string, limit int) ([]track.PositionSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSamplesSQL, vehicleID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent samples: %w", queryErr)
	}
	defer rows.Close()

	return collectSamples(rows, limit)
}

// CountSamples counts stored samples for a vehicle.
func (s *Store) CountSamples(ctx context.Context, vehicleID string) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSamplesSQL, vehicleID).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count samples: %w", scanErr)
	}
	return count, nil
}

// FetchRouteGeometry loads the latest version of a route polyline.
func (s *Store) FetchRouteGeometry(ctx context.Context, routeID string) (track.RouteGeometry, error) {
	pool, err := s.getPool()
	if err != nil {
		return track.RouteGeometry{}, err
	}

	var (
		id       string
		version  int64
		vertices json.RawMessage
	)
	row := pool.QueryRow(ctx, fetchRouteGeometrySQL, routeID)
	if scanErr := row.Scan(&id, &version, &vertices); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return track.RouteGeometry{}, ErrRouteNotFound
		}
		return track.RouteGeometry{}, fmt.Errorf("fetch route geometry: %w", scanErr)
	}

	var points []struct {
		Lat float64 `json:"lat"`
		Lng float64 `json:"lng"`
	}
	if err := json.Unmarshal(vertices, &points); err != nil {
		return track.RouteGeometry{}, fmt.Errorf("decode route vertices: %w", err)
	}

	geom := track.RouteGeometry{ID: id, Version: version, Vertices: make([]geo.Point, 0, len(points))}
	for _, p := range points {
		geom.Vertices = append(geom.Vertices, geo.Point{Lat: p.Lat, Lng: p.Lng})
	}
	if len(geom.Vertices) < 2 {
		return track.RouteGeometry{}, fmt.Errorf("route %s: geometry needs at least 2 vertices", routeID)
	}
	return geom, nil
}

// InsertDeviationEvent persists a confirmed transition.
func (s *Store) InsertDeviationEvent(ctx context.Context, event DeviationEvent) (DeviationEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return DeviationEvent{}, err
	}

	row := pool.QueryRow(ctx, insertDeviationEventSQL,
		event.VehicleID,
		event.RouteID,
		event.Entered,
		event.DistanceOffRouteM,
		event.Since,
		event.At,
	)
	if scanErr := row.Scan(&event.ID, &event.CreatedAt); scanErr != nil {
		return DeviationEvent{}, fmt.Errorf("insert deviation event: %w", scanErr)
	}
	return event, nil
}

// ListRecentDeviationEvents lists most recent transitions.
func (s *Store) ListRecentDeviationEvents(ctx context.Context, limit int) ([]DeviationEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentDeviationEventsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent deviation events: %w", queryErr)
	}
	defer rows.Close()

	events := make([]DeviationEvent, 0, limit)
	for rows.Next() {
		var (
			rec   DeviationEvent
			since sql.NullTime
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.VehicleID,
			&rec.RouteID,
			&rec.Entered,
			&rec.DistanceOffRouteM,
			&since,
			&rec.At,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		if since.Valid {
			value := since.Time
			rec.Since = &value
		}
		events = append(events, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

// DeleteDeviationEventsBefore deletes historical transitions.
func (s *Store) DeleteDeviationEventsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteDeviationEventsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete deviation events before: %w", execErr)
	}
	return nil
}

func collectSamples(rows pgx.Rows, hint int) ([]track.PositionSample, error) {
	samples := make([]track.PositionSample, 0, hint)
	for rows.Next() {
		sample, scanErr := scanSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

func scanSample(rows pgx.Rows) (track.PositionSample, error) {
	var (
		sample   track.PositionSample
		speed    sql.NullFloat64
		heading  sql.NullFloat64
		accuracy sql.NullFloat64
	)

	if err := rows.Scan(
		&sample.VehicleID,
		&sample.Lat,
		&sample.Lng,
		&speed,
		&heading,
		&accuracy,
		&sample.SourceTime,
		&sample.ReceivedTime,
	); err != nil {
		return track.PositionSample{}, err
	}

	if speed.Valid {
		value := speed.Float64
		sample.SpeedKmh = &value
	}
	if heading.Valid {
		value := heading.Float64
		sample.HeadingDeg = &value
	}
	if accuracy.Valid {
		value := accuracy.Float64
		sample.AccuracyM = &value
	}
	return sample, nil
}

func nullableFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
