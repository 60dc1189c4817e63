package track

import (
	"time"

	"fleet-tracking/internal/geo"
)

// AnalyzerConfig tunes trajectory derivation.
type AnalyzerConfig struct {
	// DeviceSpeedMaxGap is the maximum sample gap under which a
	// device-reported speed is preferred over the haversine estimate.
	DeviceSpeedMaxGap time.Duration `mapstructure:"device_speed_max_gap"`
	// HeadingNoiseFloorM is the minimum displacement for a heading update.
	HeadingNoiseFloorM float64 `mapstructure:"heading_noise_floor_m"`
	// StopDisplacementM and StopDwell define the confirmed-stop condition.
	StopDisplacementM float64       `mapstructure:"stop_displacement_m"`
	StopDwell         time.Duration `mapstructure:"stop_dwell"`
	// MovingSpeedKmh separates moving from idling between dwell checks.
	MovingSpeedKmh float64 `mapstructure:"moving_speed_kmh"`
	// ExcessiveSpeedKmh is the advisory global speed ceiling.
	ExcessiveSpeedKmh float64 `mapstructure:"excessive_speed_kmh"`
	// SuddenStopDecelKmh flags a speed drop of at least this much between
	// consecutive samples.
	SuddenStopDecelKmh float64 `mapstructure:"sudden_stop_decel_kmh"`
	// AnomalyWindow bounds the retained recent anomalies.
	AnomalyWindow int `mapstructure:"anomaly_window"`
}

// DefaultAnalyzerConfig returns the engine defaults. The moving threshold of
// 3 km/h (~0.83 m/s) matches the live map's moving/stopped split.
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		DeviceSpeedMaxGap:  2 * time.Second,
		HeadingNoiseFloorM: 5,
		StopDisplacementM:  15,
		StopDwell:          120 * time.Second,
		MovingSpeedKmh:     3,
		ExcessiveSpeedKmh:  110,
		SuddenStopDecelKmh: 40,
		AnomalyWindow:      16,
	}
}

// Analyzer derives motion metrics from ordered accepted samples for one
// vehicle. Update is pure with respect to external state: all carried state
// lives in the TrajectoryMetrics value.
type Analyzer struct {
	cfg AnalyzerConfig
}

// NewAnalyzer constructs an Analyzer, falling back to defaults for unset
// fields.
func NewAnalyzer(cfg AnalyzerConfig) *Analyzer {
	def := DefaultAnalyzerConfig()
	if cfg.DeviceSpeedMaxGap <= 0 {
		cfg.DeviceSpeedMaxGap = def.DeviceSpeedMaxGap
	}
	if cfg.HeadingNoiseFloorM <= 0 {
		cfg.HeadingNoiseFloorM = def.HeadingNoiseFloorM
	}
	if cfg.StopDisplacementM <= 0 {
		cfg.StopDisplacementM = def.StopDisplacementM
	}
	if cfg.StopDwell <= 0 {
		cfg.StopDwell = def.StopDwell
	}
	if cfg.MovingSpeedKmh <= 0 {
		cfg.MovingSpeedKmh = def.MovingSpeedKmh
	}
	if cfg.ExcessiveSpeedKmh <= 0 {
		cfg.ExcessiveSpeedKmh = def.ExcessiveSpeedKmh
	}
	if cfg.SuddenStopDecelKmh <= 0 {
		cfg.SuddenStopDecelKmh = def.SuddenStopDecelKmh
	}
	if cfg.AnomalyWindow <= 0 {
		cfg.AnomalyWindow = def.AnomalyWindow
	}
	return &Analyzer{cfg: cfg}
}

// Update folds a new accepted sample into the metrics. prev is the previous
// accepted sample of the same segment, or nil at the start of a segment.
func (a *Analyzer) Update(m TrajectoryMetrics, cur PositionSample, prev *PositionSample) TrajectoryMetrics {
	if prev == nil {
		// Fresh segment: keep nothing that bridges across the gap.
		m.InstSpeedKmh = 0
		if cur.SpeedKmh != nil {
			m.InstSpeedKmh = *cur.SpeedKmh
		}
		if cur.HeadingDeg != nil {
			m.HeadingDeg = *cur.HeadingDeg
			m.HeadingKnown = true
		}
		m.StoppedSince = nil
		m.IdleDuration = 0
		m.dwellStart = nil
		m.dwellAnchor = cur.Point()
		return m
	}

	elapsed := cur.SourceTime.Sub(prev.SourceTime)
	displacementM := geo.HaversineM(prev.Point(), cur.Point())
	m.TraveledM += displacementM

	prevSpeed := m.InstSpeedKmh
	m.InstSpeedKmh = displacementM / elapsed.Seconds() * 3.6
	if cur.SpeedKmh != nil && elapsed < a.cfg.DeviceSpeedMaxGap {
		// At sub-GPS-noise intervals the device odometer is smoother.
		m.InstSpeedKmh = *cur.SpeedKmh
	}

	if displacementM >= a.cfg.HeadingNoiseFloorM {
		m.HeadingDeg = geo.BearingDeg(prev.Point(), cur.Point())
		m.HeadingKnown = true
	}

	m = a.updateDwell(m, cur)
	m = a.flagAnomalies(m, cur, prevSpeed)
	return m
}

// updateDwell measures displacement against the fixed candidate anchor, not
// the previous sample, so a vehicle creeping a few meters per fix still
// breaks the candidate once it leaves the stop radius.
func (a *Analyzer) updateDwell(m TrajectoryMetrics, cur PositionSample) TrajectoryMetrics {
	if m.dwellStart != nil && geo.HaversineM(m.dwellAnchor, cur.Point()) < a.cfg.StopDisplacementM {
		if m.StoppedSince == nil && cur.SourceTime.Sub(*m.dwellStart) >= a.cfg.StopDwell {
			m.StoppedSince = m.dwellStart
		}
		if m.StoppedSince != nil {
			m.IdleDuration = cur.SourceTime.Sub(*m.StoppedSince)
		}
		return m
	}

	start := cur.SourceTime
	m.dwellStart = &start
	m.dwellAnchor = cur.Point()
	m.StoppedSince = nil
	m.IdleDuration = 0
	return m
}

func (a *Analyzer) flagAnomalies(m TrajectoryMetrics, cur PositionSample, prevSpeedKmh float64) TrajectoryMetrics {
	if m.InstSpeedKmh > a.cfg.ExcessiveSpeedKmh {
		m = a.appendAnomaly(m, Anomaly{Flag: AnomalyExcessiveSpeed, At: cur.SourceTime})
	}
	if prevSpeedKmh-m.InstSpeedKmh >= a.cfg.SuddenStopDecelKmh {
		m = a.appendAnomaly(m, Anomaly{Flag: AnomalySuddenStop, At: cur.SourceTime})
	}
	return m
}

func (a *Analyzer) appendAnomaly(m TrajectoryMetrics, an Anomaly) TrajectoryMetrics {
	anomalies := append(append([]Anomaly(nil), m.Anomalies...), an)
	if len(anomalies) > a.cfg.AnomalyWindow {
		anomalies = anomalies[len(anomalies)-a.cfg.AnomalyWindow:]
	}
	m.Anomalies = anomalies
	return m
}

// Status maps metrics to the coarse vehicle status. Speed below the moving
// threshold reports stopped immediately; the dwell rule only decides when
// StoppedSince and IdleDuration start counting.
func (a *Analyzer) Status(m TrajectoryMetrics) VehicleStatus {
	if m.Stopped() || m.InstSpeedKmh < a.cfg.MovingSpeedKmh {
		return StatusStopped
	}
	return StatusMoving
}
