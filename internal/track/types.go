package track

import (
	"time"

	"fleet-tracking/internal/geo"
)

// VehicleStatus is the coarse state shown on the map for a tracked vehicle.
type VehicleStatus string

const (
	StatusUnknown VehicleStatus = "unknown"
	StatusMoving  VehicleStatus = "moving"
	StatusStopped VehicleStatus = "stopped"
	StatusOffline VehicleStatus = "offline"
)

// PositionSample is one GPS reading for a vehicle. Samples are immutable once
// validated; optional device fields are pointers so that absence is
// distinguishable from zero.
type PositionSample struct {
	VehicleID    string
	Lat          float64
	Lng          float64
	SpeedKmh     *float64
	HeadingDeg   *float64
	AccuracyM    *float64
	SourceTime   time.Time
	ReceivedTime time.Time
}

// Point returns the sample coordinate.
func (s PositionSample) Point() geo.Point {
	return geo.Point{Lat: s.Lat, Lng: s.Lng}
}

// RouteGeometry is the planned polyline for a route. Geometries are versioned
// and never mutated in place; a route edit produces a new version.
type RouteGeometry struct {
	ID       string
	Version  int64
	Vertices []geo.Point
}

// AnomalyFlag marks an advisory trajectory anomaly.
type AnomalyFlag string

const (
	AnomalySuddenStop     AnomalyFlag = "sudden_stop"
	AnomalyExcessiveSpeed AnomalyFlag = "excessive_speed"
)

// Anomaly is one flagged observation.
type Anomaly struct {
	Flag AnomalyFlag
	At   time.Time
}

// TrajectoryMetrics are derived per-vehicle motion metrics. They are
// recomputable from the sample stream and never the source of truth.
type TrajectoryMetrics struct {
	InstSpeedKmh float64
	HeadingDeg   float64
	HeadingKnown bool

	// StoppedSince is set once the dwell condition is confirmed and cleared
	// on the first sample that breaks it.
	StoppedSince *time.Time
	IdleDuration time.Duration

	// TraveledM accumulates great-circle displacement over accepted samples.
	TraveledM float64

	// Anomalies holds the most recent advisory flags, oldest first.
	Anomalies []Anomaly

	// dwellStart/dwellAnchor track an unconfirmed stop candidate.
	dwellStart  *time.Time
	dwellAnchor geo.Point
}

// Stopped reports whether the dwell condition is currently confirmed.
func (m TrajectoryMetrics) Stopped() bool {
	return m.StoppedSince != nil
}

// DeviationState is the debounced off-route state for one vehicle. It only
// transitions through Detector.Evaluate.
type DeviationState struct {
	Deviating         bool
	DistanceOffRouteM float64
	Since             *time.Time
	ConsecutiveOff    int
	ConsecutiveIn     int
}
