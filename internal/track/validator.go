package track

import (
	"fmt"
	"time"

	"fleet-tracking/internal/geo"
)

// ErrorKind classifies a sample rejection.
type ErrorKind string

const (
	ErrOutOfRange     ErrorKind = "out_of_range"
	ErrStale          ErrorKind = "stale"
	ErrDuplicate      ErrorKind = "duplicate"
	ErrImpossibleJump ErrorKind = "impossible_jump"
)

// ValidationError describes why a sample was rejected. Rejections are
// per-sample and non-fatal; callers count them and move on.
type ValidationError struct {
	Kind   ErrorKind
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Outcome qualifies an accepted sample.
type Outcome int

const (
	// Accepted means the sample continues the current segment.
	Accepted Outcome = iota
	// FreshSegment means the sample starts a new segment after a device
	// reset; downstream analysis must not bridge from the previous sample.
	FreshSegment
	// Rejected means the sample must be discarded.
	Rejected
)

// ValidatorConfig tunes sample sanitisation.
type ValidatorConfig struct {
	// DeviceResetGap is the backwards time gap beyond which an out-of-order
	// sample is treated as a fresh segment instead of stale data.
	DeviceResetGap time.Duration `mapstructure:"device_reset_gap"`
	// MaxSpeedKmh is the hard physical ceiling used to flag GPS teleports.
	MaxSpeedKmh float64 `mapstructure:"max_speed_kmh"`
}

// DefaultValidatorConfig returns the engine defaults.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		DeviceResetGap: 6 * time.Hour,
		MaxSpeedKmh:    220,
	}
}

// Validator sanitises raw samples. It is a pure function of its inputs;
// logging and counting rejections is the caller's responsibility.
type Validator struct {
	cfg ValidatorConfig
}

// NewValidator constructs a Validator, falling back to defaults for unset
// fields.
func NewValidator(cfg ValidatorConfig) *Validator {
	def := DefaultValidatorConfig()
	if cfg.DeviceResetGap <= 0 {
		cfg.DeviceResetGap = def.DeviceResetGap
	}
	if cfg.MaxSpeedKmh <= 0 {
		cfg.MaxSpeedKmh = def.MaxSpeedKmh
	}
	return &Validator{cfg: cfg}
}

// Validate checks raw against the previous accepted sample for the same
// vehicle (nil when none). The returned error, when non-nil, is always a
// *ValidationError and the outcome is Rejected.
func (v *Validator) Validate(raw PositionSample, prev *PositionSample) (PositionSample, Outcome, error) {
	if raw.Lat < -90 || raw.Lat > 90 || raw.Lng < -180 || raw.Lng > 180 {
		return raw, Rejected, &ValidationError{Kind: ErrOutOfRange, Detail: fmt.Sprintf("lat=%f lng=%f", raw.Lat, raw.Lng)}
	}
	// Null-island fixes are emitted by cold receivers before first lock.
	if raw.Lat == 0 && raw.Lng == 0 {
		return raw, Rejected, &ValidationError{Kind: ErrOutOfRange, Detail: "zero coordinates"}
	}
	if raw.SourceTime.IsZero() {
		return raw, Rejected, &ValidationError{Kind: ErrStale, Detail: "missing source timestamp"}
	}

	if prev == nil {
		return raw, FreshSegment, nil
	}

	if raw.SourceTime.Equal(prev.SourceTime) {
		return raw, Rejected, &ValidationError{Kind: ErrDuplicate, Detail: raw.SourceTime.UTC().Format(time.RFC3339)}
	}

	if raw.SourceTime.Before(prev.SourceTime) {
		gap := prev.SourceTime.Sub(raw.SourceTime)
		if gap >= v.cfg.DeviceResetGap {
			return raw, FreshSegment, nil
		}
		return raw, Rejected, &ValidationError{Kind: ErrStale, Detail: fmt.Sprintf("behind last accepted by %s", gap)}
	}

	elapsed := raw.SourceTime.Sub(prev.SourceTime)
	distM := geo.HaversineM(prev.Point(), raw.Point())
	impliedKmh := distM / elapsed.Seconds() * 3.6
	if impliedKmh > v.cfg.MaxSpeedKmh {
		return raw, Rejected, &ValidationError{
			Kind:   ErrImpossibleJump,
			Detail: fmt.Sprintf("implied %.0f km/h over %s", impliedKmh, elapsed),
		}
	}

	return raw, Accepted, nil
}
