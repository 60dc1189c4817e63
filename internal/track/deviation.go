package track

import (
	"time"

	"fleet-tracking/internal/geo"
)

// DeviationConfig tunes the route deviation detector.
type DeviationConfig struct {
	// ThresholdM is the soft off-route distance. Route classes with wider
	// corridors (rural lines) configure a larger value per route.
	ThresholdM float64 `mapstructure:"threshold_m"`
	// HardFactor multiplies ThresholdM into the single-sample confirmation
	// distance.
	HardFactor float64 `mapstructure:"hard_factor"`
	// DebounceCount is the number of consecutive qualifying samples required
	// to flip the confirmed state, in either direction.
	DebounceCount int `mapstructure:"debounce_count"`
}

// DefaultDeviationConfig returns the engine defaults. The hard factor is 4 so
// that a vehicle a few hundred meters off a 150 m corridor still debounces
// instead of alerting on a single noisy fix.
func DefaultDeviationConfig() DeviationConfig {
	return DeviationConfig{
		ThresholdM:    150,
		HardFactor:    4,
		DebounceCount: 3,
	}
}

// Detector evaluates debounced route deviation. Evaluate is pure: the whole
// state lives in the DeviationState value.
type Detector struct {
	cfg DeviationConfig
}

// NewDetector constructs a Detector, falling back to defaults for unset
// fields.
func NewDetector(cfg DeviationConfig) *Detector {
	def := DefaultDeviationConfig()
	if cfg.ThresholdM <= 0 {
		cfg.ThresholdM = def.ThresholdM
	}
	if cfg.HardFactor <= 1 {
		cfg.HardFactor = def.HardFactor
	}
	if cfg.DebounceCount <= 0 {
		cfg.DebounceCount = def.DebounceCount
	}
	return &Detector{cfg: cfg}
}

// Evaluate folds one accepted position into the deviation state against the
// assigned route. A nil route (or one with fewer than two vertices) is a
// no-op that always reports not deviating.
func (d *Detector) Evaluate(pos geo.Point, at time.Time, route *RouteGeometry, prev DeviationState) DeviationState {
	if route == nil || len(route.Vertices) < 2 {
		return DeviationState{}
	}

	next := prev
	next.DistanceOffRouteM = geo.DistanceToPolylineM(pos, route.Vertices)

	if next.DistanceOffRouteM > d.cfg.ThresholdM {
		next.ConsecutiveOff++
		next.ConsecutiveIn = 0

		if !next.Deviating {
			hard := next.DistanceOffRouteM > d.cfg.ThresholdM*d.cfg.HardFactor
			if next.ConsecutiveOff >= d.cfg.DebounceCount || hard {
				next.Deviating = true
				since := at
				next.Since = &since
			}
		}
		return next
	}

	next.ConsecutiveIn++
	next.ConsecutiveOff = 0
	if next.Deviating && next.ConsecutiveIn >= d.cfg.DebounceCount {
		next.Deviating = false
		next.Since = nil
	}
	return next
}
