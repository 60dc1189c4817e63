package playback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fleet-tracking/internal/geo"
	"fleet-tracking/internal/track"
)

var windowStart = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

type memorySampleStore struct {
	samples []track.PositionSample
	err     error
}

func (m *memorySampleStore) InsertSample(context.Context, track.PositionSample) error {
	return nil
}

func (m *memorySampleStore) FetchSamples(_ context.Context, vehicleID string, from, to time.Time) ([]track.PositionSample, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []track.PositionSample
	for _, s := range m.samples {
		if s.VehicleID == vehicleID && !s.SourceTime.Before(from) && s.SourceTime.Before(to) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memorySampleStore) ListRecentSamples(context.Context, string, int) ([]track.PositionSample, error) {
	return nil, nil
}

func (m *memorySampleStore) CountSamples(context.Context, string) (int64, error) {
	return int64(len(m.samples)), nil
}

// recordedDrive builds a straight northbound drive at roughly 40 km/h with
// one sample per second.
func recordedDrive(vehicleID string, n int) []track.PositionSample {
	const stepDeg = 40.0 / 3.6 / 111320 // metres per second in latitude degrees
	samples := make([]track.PositionSample, 0, n)
	for i := 0; i < n; i++ {
		at := windowStart.Add(time.Duration(i) * time.Second)
		samples = append(samples, track.PositionSample{
			VehicleID:    vehicleID,
			Lat:          39.9 + float64(i)*stepDeg,
			Lng:          116.4,
			SourceTime:   at,
			ReceivedTime: at,
		})
	}
	return samples
}

func testManager(t *testing.T, store *memorySampleStore, routes RouteSource) *Manager {
	t.Helper()
	m := NewManager(DefaultConfig(), store, routes, zerolog.Nop())
	t.Cleanup(m.Close)
	return m
}

func collectUntilFinished(t *testing.T, session *Session) []Update {
	t.Helper()
	var updates []Update
	deadline := time.After(5 * time.Second)
	for {
		select {
		case u, ok := <-session.Updates():
			if !ok {
				t.Fatalf("update stream closed before the session finished")
			}
			updates = append(updates, u)
			if u.State == StateFinished {
				return updates
			}
		case <-deadline:
			t.Fatalf("session did not finish, got %d updates", len(updates))
		}
	}
}

func waitUpdate(t *testing.T, session *Session) Update {
	t.Helper()
	select {
	case u, ok := <-session.Updates():
		if !ok {
			t.Fatalf("update stream closed unexpectedly")
		}
		return u
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for playback update")
	}
	return Update{}
}

func TestOpenSurfacesStorageFailure(t *testing.T) {
	store := &memorySampleStore{err: errors.New("connection refused")}
	m := testManager(t, store, nil)

	_, err := m.Open(context.Background(), "bus-1", "", windowStart, windowStart.Add(time.Minute))
	if err == nil {
		t.Fatalf("expected error from failing store")
	}
	if len(m.Sessions()) != 0 {
		t.Fatalf("failed open must not leave a session behind")
	}

	// The failure is transient; a retry against a healthy store succeeds.
	store.err = nil
	store.samples = recordedDrive("bus-1", 3)
	session, err := m.Open(context.Background(), "bus-1", "", windowStart, windowStart.Add(time.Minute))
	if err != nil {
		t.Fatalf("retry after storage recovery: %v", err)
	}
	session.Close()
}

func TestOpenEmptyWindow(t *testing.T) {
	store := &memorySampleStore{samples: recordedDrive("bus-1", 3)}
	m := testManager(t, store, nil)

	_, err := m.Open(context.Background(), "bus-1", "", windowStart.Add(time.Hour), windowStart.Add(2*time.Hour))
	if !errors.Is(err, ErrEmptyWindow) {
		t.Fatalf("err = %v, want ErrEmptyWindow", err)
	}
}

func TestPlayToFinish(t *testing.T) {
	samples := recordedDrive("bus-1", 4)
	store := &memorySampleStore{samples: samples}
	m := testManager(t, store, nil)

	session, err := m.Open(context.Background(), "bus-1", "", windowStart, windowStart.Add(time.Minute))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := session.Play(16); err != nil {
		t.Fatalf("Play: %v", err)
	}

	updates := collectUntilFinished(t, session)
	// One update per accepted sample plus the finished marker.
	if len(updates) != len(samples)+1 {
		t.Fatalf("updates = %d, want %d", len(updates), len(samples)+1)
	}
	for i := 1; i < len(updates); i++ {
		if updates[i].Cursor.Before(updates[i-1].Cursor) {
			t.Fatalf("cursor went backwards at update %d", i)
		}
	}

	final := updates[len(updates)-1]
	if final.State != StateFinished {
		t.Fatalf("final state = %s, want finished", final.State)
	}
	if !final.Cursor.Equal(session.To) {
		t.Fatalf("final cursor = %v, want window end %v", final.Cursor, session.To)
	}

	if err := session.Play(1); !errors.Is(err, ErrSessionFinished) {
		t.Fatalf("Play after finish = %v, want ErrSessionFinished", err)
	}
}

func TestReplayMatchesDirectPipeline(t *testing.T) {
	samples := recordedDrive("bus-1", 5)
	store := &memorySampleStore{samples: samples}
	m := testManager(t, store, nil)

	session, err := m.Open(context.Background(), "bus-1", "", windowStart, windowStart.Add(time.Minute))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := session.Play(16); err != nil {
		t.Fatalf("Play: %v", err)
	}
	updates := collectUntilFinished(t, session)

	// Fold the same samples through the pipeline directly.
	cfg := DefaultConfig()
	validator := track.NewValidator(cfg.Validator)
	analyzer := track.NewAnalyzer(cfg.Analyzer)
	var (
		prev    *track.PositionSample
		metrics track.TrajectoryMetrics
	)
	for _, raw := range samples {
		sample, outcome, verr := validator.Validate(raw, prev)
		if verr != nil {
			continue
		}
		p := prev
		if outcome == track.FreshSegment {
			p = nil
		}
		metrics = analyzer.Update(metrics, sample, p)
		prev = &sample
	}

	final := updates[len(updates)-1]
	if diff := final.Metrics.TraveledM - metrics.TraveledM; diff > 0.01 || diff < -0.01 {
		t.Fatalf("replayed TraveledM = %.3f, direct pipeline = %.3f", final.Metrics.TraveledM, metrics.TraveledM)
	}
	if final.Metrics.InstSpeedKmh != metrics.InstSpeedKmh {
		t.Fatalf("replayed speed = %.3f, direct pipeline = %.3f", final.Metrics.InstSpeedKmh, metrics.InstSpeedKmh)
	}
}

func TestSeekIsDeterministic(t *testing.T) {
	samples := recordedDrive("bus-1", 10)
	store := &memorySampleStore{samples: samples}
	m := testManager(t, store, nil)

	target := windowStart.Add(5 * time.Second)

	// Session A seeks straight to the target.
	a, err := m.Open(context.Background(), "bus-1", "", windowStart, windowStart.Add(time.Minute))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := a.Seek(target); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	ua := waitUpdate(t, a)

	// Session B plays through, then seeks back to the same target.
	b, err := m.Open(context.Background(), "bus-1", "", windowStart, windowStart.Add(time.Minute))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := b.Play(16); err != nil {
		t.Fatalf("Play: %v", err)
	}
	collectUntilFinished(t, b)
	if err := b.Seek(target); err != nil {
		t.Fatalf("Seek after finish: %v", err)
	}
	ub := waitUpdate(t, b)

	if ua.Metrics.TraveledM != ub.Metrics.TraveledM {
		t.Fatalf("seek state diverged: %.3f vs %.3f", ua.Metrics.TraveledM, ub.Metrics.TraveledM)
	}
	if !ua.Cursor.Equal(ub.Cursor) {
		t.Fatalf("seek cursor diverged: %v vs %v", ua.Cursor, ub.Cursor)
	}
	if b.State() != StatePaused {
		t.Fatalf("seek after finish should re-arm the session, state = %s", b.State())
	}
}

func TestSeekClampsToWindow(t *testing.T) {
	store := &memorySampleStore{samples: recordedDrive("bus-1", 3)}
	m := testManager(t, store, nil)

	session, err := m.Open(context.Background(), "bus-1", "", windowStart, windowStart.Add(time.Minute))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := session.Seek(windowStart.Add(-time.Hour)); err != nil {
		t.Fatalf("Seek before window: %v", err)
	}
	u := waitUpdate(t, session)
	if !u.Cursor.Equal(windowStart) {
		t.Fatalf("cursor = %v, want clamp to window start %v", u.Cursor, windowStart)
	}

	if err := session.Seek(windowStart.Add(time.Hour)); err != nil {
		t.Fatalf("Seek past window: %v", err)
	}
	u = waitUpdate(t, session)
	if !u.Cursor.Equal(session.To) {
		t.Fatalf("cursor = %v, want clamp to window end %v", u.Cursor, session.To)
	}
}

func TestPauseHaltsCursor(t *testing.T) {
	store := &memorySampleStore{samples: recordedDrive("bus-1", 120)}
	m := testManager(t, store, nil)

	session, err := m.Open(context.Background(), "bus-1", "", windowStart, windowStart.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := session.Play(16); err != nil {
		t.Fatalf("Play: %v", err)
	}
	waitUpdate(t, session)
	if err := session.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if session.State() != StatePaused {
		t.Fatalf("state = %s, want paused", session.State())
	}

	// Drain whatever was emitted before the pause landed, then expect silence.
	for draining := true; draining; {
		select {
		case <-session.Updates():
		case <-time.After(300 * time.Millisecond):
			draining = false
		}
	}
	select {
	case u := <-session.Updates():
		t.Fatalf("paused session emitted update at cursor %v", u.Cursor)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestReplayEvaluatesDeviation(t *testing.T) {
	// Drive far east of a north-south corridor.
	samples := recordedDrive("bus-1", 5)
	for i := range samples {
		samples[i].Lng = 116.41
	}
	store := &memorySampleStore{samples: samples}
	route := track.RouteGeometry{
		ID:      "r-1",
		Version: 1,
		Vertices: []geo.Point{
			{Lat: 39.90, Lng: 116.40},
			{Lat: 39.95, Lng: 116.40},
		},
	}
	m := testManager(t, store, stubRoutes{geom: route})

	session, err := m.Open(context.Background(), "bus-1", "r-1", windowStart, windowStart.Add(time.Minute))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := session.Play(16); err != nil {
		t.Fatalf("Play: %v", err)
	}
	updates := collectUntilFinished(t, session)

	final := updates[len(updates)-1]
	if !final.Deviation.Deviating {
		t.Fatalf("expected replay to confirm deviation, got %+v", final.Deviation)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	store := &memorySampleStore{samples: recordedDrive("bus-1", 3)}
	m := testManager(t, store, nil)

	session, err := m.Open(context.Background(), "bus-1", "", windowStart, windowStart.Add(time.Minute))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	session.Close()
	session.Close()

	if err := session.Play(1); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Play on closed session = %v, want ErrSessionClosed", err)
	}
	if len(m.Sessions()) != 0 {
		t.Fatalf("closed session still registered")
	}
}

func TestSweepIdleReclaimsSessions(t *testing.T) {
	store := &memorySampleStore{samples: recordedDrive("bus-1", 3)}
	m := testManager(t, store, nil)

	session, err := m.Open(context.Background(), "bus-1", "", windowStart, windowStart.Add(time.Minute))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := m.SweepIdle(context.Background(), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SweepIdle: %v", err)
	}
	if len(m.Sessions()) != 0 {
		t.Fatalf("idle session survived the sweep")
	}
	if err := session.Play(1); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Play after sweep = %v, want ErrSessionClosed", err)
	}
}

type stubRoutes struct {
	geom track.RouteGeometry
}

func (s stubRoutes) FetchRouteGeometry(context.Context, string) (track.RouteGeometry, error) {
	return s.geom, nil
}
