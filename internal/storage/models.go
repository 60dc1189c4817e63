package storage

import (
	"time"
)

// DeviationEvent captures one confirmed deviation transition for auditing
// and for the external alerting subsystem.
type DeviationEvent struct {
	ID                int64
	VehicleID         string
	RouteID           string
	Entered           bool
	DistanceOffRouteM float64
	Since             *time.Time
	At                time.Time
	CreatedAt         time.Time
}
