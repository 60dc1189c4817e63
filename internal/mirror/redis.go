package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"fleet-tracking/internal/realtime"
	"fleet-tracking/internal/track"
)

// Config encapsulates the snapshot mirror connection.
type Config struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// Record is the mirrored shape of one vehicle's latest state. It is what
// dashboards read when they bypass the engine.
type Record struct {
	VehicleID         string              `json:"vehicle_id"`
	CompanyID         string              `json:"company_id,omitempty"`
	RouteID           string              `json:"route_id,omitempty"`
	Status            track.VehicleStatus `json:"status"`
	Lat               float64             `json:"lat"`
	Lng               float64             `json:"lng"`
	SpeedKmh          float64             `json:"speed_kmh"`
	HeadingDeg        float64             `json:"heading_deg"`
	Deviating         bool                `json:"deviating"`
	DistanceOffRouteM float64             `json:"distance_off_route_m"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// Mirror keeps the latest snapshot per vehicle in Redis with a TTL, so a
// vehicle that stops reporting ages out of the mirror on its own.
type Mirror struct {
	client *redis.Client
	cfg    Config
	logger zerolog.Logger
}

// New connects the mirror and verifies the server is reachable.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Mirror, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "fleet:vehicle:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Mirror{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "mirror").Logger(),
	}, nil
}

// Store writes one vehicle's latest state.
func (m *Mirror) Store(ctx context.Context, snap realtime.VehicleSnapshot) error {
	rec := Record{
		VehicleID:         snap.VehicleID,
		CompanyID:         snap.CompanyID,
		RouteID:           snap.RouteID,
		Status:            snap.Status,
		Lat:               snap.LastSample.Lat,
		Lng:               snap.LastSample.Lng,
		SpeedKmh:          snap.Metrics.InstSpeedKmh,
		HeadingDeg:        snap.Metrics.HeadingDeg,
		Deviating:         snap.Deviation.Deviating,
		DistanceOffRouteM: snap.Deviation.DistanceOffRouteM,
		UpdatedAt:         snap.UpdatedAt,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode mirror record: %w", err)
	}
	if err := m.client.Set(ctx, m.key(snap.VehicleID), payload, m.cfg.TTL).Err(); err != nil {
		return fmt.Errorf("mirror SET %s: %w", snap.VehicleID, err)
	}
	return nil
}

// Load reads one vehicle's mirrored state; ok is false when the key is
// missing or expired.
func (m *Mirror) Load(ctx context.Context, vehicleID string) (Record, bool, error) {
	payload, err := m.client.Get(ctx, m.key(vehicleID)).Bytes()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("mirror GET %s: %w", vehicleID, err)
	}
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode mirror record %s: %w", vehicleID, err)
	}
	return rec, true, nil
}

// LoadMany reads mirrored state for a set of vehicles in one round trip.
func (m *Mirror) LoadMany(ctx context.Context, vehicleIDs []string) (map[string]Record, error) {
	out := make(map[string]Record, len(vehicleIDs))
	if len(vehicleIDs) == 0 {
		return out, nil
	}
	keys := make([]string, 0, len(vehicleIDs))
	for _, id := range vehicleIDs {
		keys = append(keys, m.key(id))
	}
	values, err := m.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mirror MGET: %w", err)
	}
	for i, v := range values {
		if v == nil {
			continue
		}
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			m.logger.Warn().Err(err).Str("vehicle", vehicleIDs[i]).Msg("dropping undecodable mirror record")
			continue
		}
		out[vehicleIDs[i]] = rec
	}
	return out, nil
}

// Run mirrors a realtime subscription until ctx is cancelled. Overflow
// markers carry no snapshot and are skipped; the next event re-syncs the key.
func (m *Mirror) Run(ctx context.Context, sub *realtime.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if ev.Overflow {
				continue
			}
			if err := m.Store(ctx, ev.Snapshot); err != nil && ctx.Err() == nil {
				m.logger.Warn().Err(err).Str("vehicle", ev.VehicleID).Msg("mirror write failed")
			}
		}
	}
}

// Close releases the client.
func (m *Mirror) Close() error {
	return m.client.Close()
}

func (m *Mirror) key(vehicleID string) string {
	return m.cfg.KeyPrefix + vehicleID
}
