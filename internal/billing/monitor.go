package billing

import (
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"fleet-tracking/internal/observability"
)

// CallKind identifies a metered external mapping API call.
type CallKind string

const (
	CallGeocode    CallKind = "geocode"
	CallStaticMap  CallKind = "static_map"
	CallDirections CallKind = "directions"
)

// Kinds lists every metered call kind.
func Kinds() []CallKind {
	return []CallKind{CallGeocode, CallStaticMap, CallDirections}
}

// Config tunes the budget gate.
type Config struct {
	// Window is the rolling quota window.
	Window time.Duration `mapstructure:"window"`
	// Limits caps calls per kind per window; a missing or zero entry means
	// the kind is unlimited.
	Limits map[string]int64 `mapstructure:"limits"`
	// UnitPriceUSD estimates spend per call kind for reporting.
	UnitPriceUSD map[string]float64 `mapstructure:"unit_price_usd"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Window: time.Hour,
		Limits: map[string]int64{
			string(CallGeocode):    1000,
			string(CallStaticMap):  2000,
			string(CallDirections): 500,
		},
	}
}

type bucket struct {
	epoch atomic.Int64
	calls atomic.Int64
	// spent counts authorized calls across all windows, for spend estimates.
	spent atomic.Int64
	// denied counts gate refusals across all windows.
	denied atomic.Int64
}

// Monitor is a budget gate in front of external mapping API calls. Authorize
// is the hot path and uses only atomics; windows reset lazily when the
// boundary is crossed, so no background timer is needed.
type Monitor struct {
	window  time.Duration
	limits  map[CallKind]int64
	prices  map[CallKind]decimal.Decimal
	buckets map[CallKind]*bucket
	now     func() time.Time
}

// Snapshot reports one kind's current window for operators.
type Snapshot struct {
	Kind        CallKind
	WindowStart time.Time
	CallsMade   int64
	CallLimit   int64
	SpentUSD    decimal.Decimal
}

// NewMonitor constructs a Monitor from config.
func NewMonitor(cfg Config) *Monitor {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}

	m := &Monitor{
		window:  cfg.Window,
		limits:  make(map[CallKind]int64),
		prices:  make(map[CallKind]decimal.Decimal),
		buckets: make(map[CallKind]*bucket),
		now:     time.Now,
	}
	for _, kind := range Kinds() {
		m.buckets[kind] = &bucket{}
		if limit, ok := cfg.Limits[string(kind)]; ok {
			m.limits[kind] = limit
		}
		if price, ok := cfg.UnitPriceUSD[string(kind)]; ok {
			m.prices[kind] = decimal.NewFromFloat(price)
		}
	}
	return m
}

// Authorize reports whether one more call of the given kind fits the current
// window budget. Exhaustion is a normal gate result, not an error; callers
// must degrade gracefully (cached tiles, skipped geocode).
func (m *Monitor) Authorize(kind CallKind) bool {
	b, ok := m.buckets[kind]
	if !ok {
		// Unknown kinds are not metered.
		return true
	}

	limit := m.limits[kind]
	epoch := m.now().UnixNano() / int64(m.window)

	// Lazy atomic window reset: whoever wins the CAS zeroes the counter.
	if old := b.epoch.Load(); old != epoch {
		if b.epoch.CompareAndSwap(old, epoch) {
			b.calls.Store(0)
		}
	}

	if limit <= 0 {
		b.calls.Add(1)
		b.spent.Add(1)
		return true
	}

	if b.calls.Add(1) > limit {
		b.denied.Add(1)
		observability.BillingDenied.WithLabelValues(string(kind)).Inc()
		return false
	}
	b.spent.Add(1)
	return true
}

// Denied returns the number of gate refusals for a kind since startup.
func (m *Monitor) Denied(kind CallKind) int64 {
	if b, ok := m.buckets[kind]; ok {
		return b.denied.Load()
	}
	return 0
}

// EstimatedSpendUSD sums unit price times authorized calls over all kinds.
func (m *Monitor) EstimatedSpendUSD() decimal.Decimal {
	total := decimal.Zero
	for kind, b := range m.buckets {
		price, ok := m.prices[kind]
		if !ok {
			continue
		}
		total = total.Add(price.Mul(decimal.NewFromInt(b.spent.Load())))
	}
	return total
}

// Snapshots reports the current window per kind, for the show command and
// the HTTP surface.
func (m *Monitor) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(m.buckets))
	for _, kind := range Kinds() {
		b := m.buckets[kind]
		calls := b.calls.Load()
		if b.epoch.Load() != m.now().UnixNano()/int64(m.window) {
			calls = 0
		}
		// The raw counter keeps counting denied attempts past the limit; the
		// window can never have granted more than the limit.
		if limit := m.limits[kind]; limit > 0 && calls > limit {
			calls = limit
		}
		spend := decimal.Zero
		if price, ok := m.prices[kind]; ok {
			spend = price.Mul(decimal.NewFromInt(b.spent.Load()))
		}
		out = append(out, Snapshot{
			Kind:        kind,
			WindowStart: time.Unix(0, b.epoch.Load()*int64(m.window)),
			CallsMade:   calls,
			CallLimit:   m.limits[kind],
			SpentUSD:    spend,
		})
	}
	return out
}
