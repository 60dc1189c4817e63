package billing

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestAuthorizeExhaustsAtLimit(t *testing.T) {
	m := NewMonitor(Config{
		Window: time.Hour,
		Limits: map[string]int64{string(CallGeocode): 100},
	})

	clock := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }

	for i := 0; i < 100; i++ {
		if !m.Authorize(CallGeocode) {
			t.Fatalf("call %d within limit must be authorized", i+1)
		}
	}
	if m.Authorize(CallGeocode) {
		t.Fatal("101st call in the same window must be denied")
	}
	if m.Denied(CallGeocode) != 1 {
		t.Fatalf("expected 1 denial recorded, got %d", m.Denied(CallGeocode))
	}

	// Window rollover restores the budget.
	clock = clock.Add(time.Hour)
	if !m.Authorize(CallGeocode) {
		t.Fatal("call after window rollover must be authorized again")
	}
}

func TestAuthorizeKindsAreIndependent(t *testing.T) {
	m := NewMonitor(Config{
		Window: time.Hour,
		Limits: map[string]int64{string(CallGeocode): 1},
	})

	if !m.Authorize(CallGeocode) {
		t.Fatal("first geocode must pass")
	}
	if m.Authorize(CallGeocode) {
		t.Fatal("second geocode must be denied")
	}
	if !m.Authorize(CallDirections) {
		t.Fatal("directions budget must be unaffected by geocode exhaustion")
	}
}

func TestAuthorizeUnlimitedKind(t *testing.T) {
	m := NewMonitor(Config{Window: time.Hour})
	for i := 0; i < 10000; i++ {
		if !m.Authorize(CallStaticMap) {
			t.Fatal("kind without a limit must never be denied")
		}
	}
}

func TestEstimatedSpend(t *testing.T) {
	m := NewMonitor(Config{
		Window:       time.Hour,
		UnitPriceUSD: map[string]float64{string(CallGeocode): 0.005},
	})

	for i := 0; i < 200; i++ {
		m.Authorize(CallGeocode)
	}

	want := decimal.RequireFromString("1")
	if !m.EstimatedSpendUSD().Equal(want) {
		t.Fatalf("expected spend %s, got %s", want, m.EstimatedSpendUSD())
	}
}

func TestSnapshotCallsMadeCapsAtLimit(t *testing.T) {
	m := NewMonitor(Config{
		Window: time.Hour,
		Limits: map[string]int64{string(CallGeocode): 5},
	})
	fixed := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	for i := 0; i < 8; i++ {
		m.Authorize(CallGeocode)
	}

	for _, snap := range m.Snapshots() {
		if snap.Kind != CallGeocode {
			continue
		}
		if snap.CallsMade != 5 {
			t.Fatalf("calls made must report granted calls, not attempts: got %d, want 5", snap.CallsMade)
		}
		return
	}
	t.Fatal("geocode snapshot missing")
}

func TestAuthorizeConcurrent(t *testing.T) {
	const limit = 500
	m := NewMonitor(Config{
		Window: time.Hour,
		Limits: map[string]int64{string(CallDirections): limit},
	})
	fixed := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	var wg sync.WaitGroup
	var granted sync.Map
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			n := 0
			for i := 0; i < 200; i++ {
				if m.Authorize(CallDirections) {
					n++
				}
			}
			granted.Store(g, n)
		}(g)
	}
	wg.Wait()

	total := 0
	granted.Range(func(_, v any) bool {
		total += v.(int)
		return true
	})
	if total != limit {
		t.Fatalf("expected exactly %d grants across goroutines, got %d", limit, total)
	}
}
