package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fleet-tracking/internal/geo"
	"fleet-tracking/internal/storage"
	"fleet-tracking/internal/track"
)

var testStart = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func testService(t *testing.T, mutate func(*Config), opts Options) *Service {
	t.Helper()
	cfg := DefaultConfig()
	mutate(&cfg)
	svc := New(cfg, opts, zerolog.Nop())
	t.Cleanup(svc.Close)
	return svc
}

func testSample(vehicleID string, lat, lng float64, at time.Time) track.PositionSample {
	return track.PositionSample{
		VehicleID:    vehicleID,
		Lat:          lat,
		Lng:          lng,
		SourceTime:   at,
		ReceivedTime: at,
	}
}

func waitEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		if !ok {
			t.Fatalf("subscription closed while waiting for event")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return Event{}
}

func assertNoEvent(t *testing.T, sub *Subscription, within time.Duration) {
	t.Helper()
	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event for vehicle %s", ev.VehicleID)
	case <-time.After(within):
	}
}

type stubRouteSource struct {
	geom track.RouteGeometry
}

func (s *stubRouteSource) FetchRouteGeometry(_ context.Context, _ string) (track.RouteGeometry, error) {
	return s.geom, nil
}

type memoryEventStore struct {
	mu     sync.Mutex
	events []storage.DeviationEvent
}

func (m *memoryEventStore) InsertDeviationEvent(_ context.Context, event storage.DeviationEvent) (storage.DeviationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.ID = int64(len(m.events) + 1)
	event.CreatedAt = time.Now().UTC()
	m.events = append(m.events, event)
	return event, nil
}

func (m *memoryEventStore) ListRecentDeviationEvents(_ context.Context, limit int) ([]storage.DeviationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]storage.DeviationEvent(nil), m.events...)
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memoryEventStore) DeleteDeviationEventsBefore(_ context.Context, _ time.Time) error {
	return nil
}

func (m *memoryEventStore) snapshot() []storage.DeviationEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.DeviationEvent(nil), m.events...)
}

func TestIngestPublishesSnapshot(t *testing.T) {
	svc := testService(t, func(*Config) {}, Options{})

	sub := svc.Subscribe(Filter{VehicleID: "bus-1"})
	defer sub.Close()

	svc.Ingest(testSample("bus-1", 39.9, 116.4, testStart))

	ev := waitEvent(t, sub)
	if ev.VehicleID != "bus-1" {
		t.Fatalf("event vehicle = %s, want bus-1", ev.VehicleID)
	}
	if ev.Snapshot.Status != track.StatusMoving && ev.Snapshot.Status != track.StatusStopped {
		t.Fatalf("unexpected status %s after first sample", ev.Snapshot.Status)
	}

	snap, ok := svc.Snapshot("bus-1")
	if !ok {
		t.Fatalf("snapshot for bus-1 missing")
	}
	if !snap.UpdatedAt.Equal(testStart) {
		t.Fatalf("snapshot UpdatedAt = %v, want %v", snap.UpdatedAt, testStart)
	}
}

func TestDuplicateIngestIsIdempotent(t *testing.T) {
	svc := testService(t, func(*Config) {}, Options{})

	sub := svc.Subscribe(Filter{VehicleID: "bus-2"})
	defer sub.Close()

	first := testSample("bus-2", 39.9, 116.4, testStart)
	svc.Ingest(first)
	waitEvent(t, sub)

	// Re-delivering the same sample must not mutate state or publish.
	svc.Ingest(first)
	assertNoEvent(t, sub, 300*time.Millisecond)

	second := testSample("bus-2", 39.901, 116.4, testStart.Add(10*time.Second))
	svc.Ingest(second)
	ev := waitEvent(t, sub)
	if !ev.Snapshot.UpdatedAt.Equal(second.SourceTime) {
		t.Fatalf("snapshot UpdatedAt = %v, want %v", ev.Snapshot.UpdatedAt, second.SourceTime)
	}
	// Only A->B contributes distance; the duplicate adds nothing.
	wantM := geo.HaversineM(first.Point(), second.Point())
	if diff := ev.Snapshot.Metrics.TraveledM - wantM; diff > 1 || diff < -1 {
		t.Fatalf("TraveledM = %.1f, want ~%.1f", ev.Snapshot.Metrics.TraveledM, wantM)
	}
}

func TestRejectedSampleDoesNotPublish(t *testing.T) {
	svc := testService(t, func(*Config) {}, Options{})

	sub := svc.Subscribe(Filter{VehicleID: "bus-3"})
	defer sub.Close()

	svc.Ingest(testSample("bus-3", 95, 116.4, testStart))
	assertNoEvent(t, sub, 300*time.Millisecond)

	if _, ok := svc.Snapshot("bus-3"); ok {
		t.Fatalf("rejected sample must not create a snapshot")
	}
}

func TestOfflineSweep(t *testing.T) {
	svc := testService(t, func(cfg *Config) {
		cfg.OfflineTimeout = time.Minute
	}, Options{})

	sub := svc.Subscribe(Filter{VehicleID: "bus-4"})
	defer sub.Close()

	svc.Ingest(testSample("bus-4", 39.9, 116.4, testStart))
	waitEvent(t, sub)

	if err := svc.SweepOffline(context.Background(), testStart.Add(10*time.Minute)); err != nil {
		t.Fatalf("SweepOffline: %v", err)
	}

	ev := waitEvent(t, sub)
	if ev.Snapshot.Status != track.StatusOffline {
		t.Fatalf("status after sweep = %s, want %s", ev.Snapshot.Status, track.StatusOffline)
	}

	// A second sweep must not publish again.
	if err := svc.SweepOffline(context.Background(), testStart.Add(20*time.Minute)); err != nil {
		t.Fatalf("SweepOffline: %v", err)
	}
	assertNoEvent(t, sub, 300*time.Millisecond)
}

func TestSweepSkipsRecentlyActive(t *testing.T) {
	svc := testService(t, func(cfg *Config) {
		cfg.OfflineTimeout = time.Hour
	}, Options{})

	sub := svc.Subscribe(Filter{VehicleID: "bus-5"})
	defer sub.Close()

	svc.Ingest(testSample("bus-5", 39.9, 116.4, testStart))
	waitEvent(t, sub)

	if err := svc.SweepOffline(context.Background(), testStart.Add(10*time.Minute)); err != nil {
		t.Fatalf("SweepOffline: %v", err)
	}
	assertNoEvent(t, sub, 300*time.Millisecond)
}

func TestSubscriptionFilters(t *testing.T) {
	svc := testService(t, func(*Config) {}, Options{})

	svc.Assign("bus-a", Assignment{RouteID: "r-1", CompanyID: "acme"})
	svc.Assign("bus-b", Assignment{RouteID: "r-2", CompanyID: "other"})

	byCompany := svc.Subscribe(Filter{CompanyID: "acme"})
	defer byCompany.Close()

	svc.Ingest(testSample("bus-b", 40.0, 116.5, testStart))
	svc.Ingest(testSample("bus-a", 39.9, 116.4, testStart))

	ev := waitEvent(t, byCompany)
	if ev.VehicleID != "bus-a" {
		t.Fatalf("filtered subscription saw %s, want bus-a", ev.VehicleID)
	}
	assertNoEvent(t, byCompany, 300*time.Millisecond)
}

func TestSlowSubscriberOverflowMarker(t *testing.T) {
	svc := testService(t, func(cfg *Config) {
		cfg.SubscriberQueue = 2
	}, Options{})

	sub := svc.Subscribe(Filter{})
	defer sub.Close()

	// Publish more events than the queue holds without draining.
	for i := 0; i < 10; i++ {
		svc.publish(VehicleSnapshot{
			VehicleID: "bus-6",
			UpdatedAt: testStart.Add(time.Duration(i) * time.Second),
		})
	}

	markers := 0
	var last Event
	for drained := false; !drained; {
		select {
		case ev := <-sub.C:
			if ev.Overflow {
				markers++
			} else {
				last = ev
			}
		case <-time.After(300 * time.Millisecond):
			drained = true
		}
	}

	if markers != 1 {
		t.Fatalf("overflow markers = %d, want exactly 1", markers)
	}
	wantAt := testStart.Add(9 * time.Second)
	if !last.Snapshot.UpdatedAt.Equal(wantAt) {
		t.Fatalf("latest event UpdatedAt = %v, want %v", last.Snapshot.UpdatedAt, wantAt)
	}
}

func TestDeviationTransitionPersistsEvent(t *testing.T) {
	route := track.RouteGeometry{
		ID:      "r-9",
		Version: 1,
		Vertices: []geo.Point{
			{Lat: 39.90, Lng: 116.40},
			{Lat: 39.95, Lng: 116.40},
		},
	}
	events := &memoryEventStore{}
	svc := testService(t, func(cfg *Config) {
		cfg.Deviation.ThresholdM = 150
		cfg.Deviation.DebounceCount = 1
	}, Options{
		Routes: &stubRouteSource{geom: route},
		Events: events,
	})

	svc.Assign("bus-7", Assignment{RouteID: "r-9", CompanyID: "acme"})

	sub := svc.Subscribe(Filter{VehicleID: "bus-7"})
	defer sub.Close()

	// ~850 m east of the corridor at this latitude.
	svc.Ingest(testSample("bus-7", 39.92, 116.41, testStart))
	ev := waitEvent(t, sub)
	if !ev.Snapshot.Deviation.Deviating {
		t.Fatalf("expected confirmed deviation, got %+v", ev.Snapshot.Deviation)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		recorded := events.snapshot()
		if len(recorded) == 1 {
			if !recorded[0].Entered || recorded[0].VehicleID != "bus-7" || recorded[0].RouteID != "r-9" {
				t.Fatalf("unexpected persisted event: %+v", recorded[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("deviation event was not persisted, have %d", len(recorded))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStopTrackingReleasesState(t *testing.T) {
	svc := testService(t, func(*Config) {}, Options{})

	sub := svc.Subscribe(Filter{VehicleID: "bus-8"})
	defer sub.Close()

	svc.Ingest(testSample("bus-8", 39.9, 116.4, testStart))
	waitEvent(t, sub)

	svc.StopTracking("bus-8")
	if _, ok := svc.Snapshot("bus-8"); ok {
		t.Fatalf("snapshot should be released after StopTracking")
	}

	// Re-ingesting starts a fresh segment on a new worker.
	svc.Ingest(testSample("bus-8", 39.9, 116.4, testStart.Add(time.Hour)))
	ev := waitEvent(t, sub)
	if ev.Snapshot.Metrics.TraveledM != 0 {
		t.Fatalf("fresh worker TraveledM = %.1f, want 0", ev.Snapshot.Metrics.TraveledM)
	}
}
