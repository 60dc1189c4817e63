package realtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fleet-tracking/internal/alerting"
	"fleet-tracking/internal/observability"
	"fleet-tracking/internal/storage"
	"fleet-tracking/internal/track"
)

// Config tunes the live tracking service.
type Config struct {
	// OfflineTimeout is how long a vehicle may stay silent before the sweep
	// marks it offline.
	OfflineTimeout time.Duration `mapstructure:"offline_timeout"`
	// SweepInterval is the cadence of the offline sweep.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// SubscriberQueue bounds each subscriber's event queue.
	SubscriberQueue int `mapstructure:"subscriber_queue"`
	// WorkerQueue bounds each vehicle worker's inbox.
	WorkerQueue int `mapstructure:"worker_queue"`

	Validator track.ValidatorConfig `mapstructure:"validator"`
	Analyzer  track.AnalyzerConfig  `mapstructure:"analyzer"`
	Deviation track.DeviationConfig `mapstructure:"deviation"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		OfflineTimeout:  180 * time.Second,
		SweepInterval:   30 * time.Second,
		SubscriberQueue: 64,
		WorkerQueue:     64,
		Validator:       track.DefaultValidatorConfig(),
		Analyzer:        track.DefaultAnalyzerConfig(),
		Deviation:       track.DefaultDeviationConfig(),
	}
}

// Assignment binds a vehicle to its planned route and owning company, used
// for deviation evaluation and subscription filtering.
type Assignment struct {
	RouteID   string
	CompanyID string
}

// VehicleSnapshot is an immutable copy of one vehicle's live state. The
// service owns the mutable record; readers only ever see snapshots.
type VehicleSnapshot struct {
	VehicleID  string
	CompanyID  string
	RouteID    string
	Status     track.VehicleStatus
	LastSample track.PositionSample
	Metrics    track.TrajectoryMetrics
	Deviation  track.DeviationState
	UpdatedAt  time.Time
}

// Event is one subscriber delivery. Overflow marks a gap where older events
// were dropped for a slow subscriber; the latest state always follows.
type Event struct {
	VehicleID string
	Snapshot  VehicleSnapshot
	Overflow  bool
}

// Filter narrows a subscription. Zero fields match everything.
type Filter struct {
	VehicleID string
	RouteID   string
	CompanyID string
}

func (f Filter) matches(snap VehicleSnapshot) bool {
	if f.VehicleID != "" && f.VehicleID != snap.VehicleID {
		return false
	}
	if f.RouteID != "" && f.RouteID != snap.RouteID {
		return false
	}
	if f.CompanyID != "" && f.CompanyID != snap.CompanyID {
		return false
	}
	return true
}

// RouteSource resolves route geometries for deviation evaluation.
type RouteSource interface {
	FetchRouteGeometry(ctx context.Context, routeID string) (track.RouteGeometry, error)
}

// Options carry the service's injected collaborators; all are optional.
type Options struct {
	Routes   RouteSource
	Notifier alerting.Notifier
	Events   storage.DeviationEventStore
}

type workerMsg struct {
	sample  *track.PositionSample
	sweepAt time.Time
}

type worker struct {
	vehicleID string
	in        chan workerMsg
	done      chan struct{}

	// Worker-owned state, touched only by the worker goroutine.
	prev      *track.PositionSample
	metrics   track.TrajectoryMetrics
	deviation track.DeviationState
	status    track.VehicleStatus
}

type alertMsg struct {
	note alerting.Notification
}

// Service maintains live per-vehicle state. Each vehicle is owned by exactly
// one goroutine so ingestion, analysis and deviation evaluation are strictly
// serialized per vehicle and fully parallel across vehicles.
type Service struct {
	cfg       Config
	logger    zerolog.Logger
	validator *track.Validator
	analyzer  *track.Analyzer
	detector  *track.Detector
	opts      Options

	mu          sync.RWMutex
	workers     map[string]*worker
	assignments map[string]Assignment
	snapshots   map[string]VehicleSnapshot
	subs        map[int64]*subscriber
	nextSubID   int64
	closed      bool

	routeMu    sync.RWMutex
	routeCache map[string]*track.RouteGeometry

	alertCh chan alertMsg
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs the live tracking service and starts its alert dispatcher.
func New(cfg Config, opts Options, logger zerolog.Logger) *Service {
	def := DefaultConfig()
	if cfg.OfflineTimeout <= 0 {
		cfg.OfflineTimeout = def.OfflineTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.SubscriberQueue <= 0 {
		cfg.SubscriberQueue = def.SubscriberQueue
	}
	if cfg.WorkerQueue <= 0 {
		cfg.WorkerQueue = def.WorkerQueue
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:         cfg,
		logger:      logger.With().Str("component", "realtime").Logger(),
		validator:   track.NewValidator(cfg.Validator),
		analyzer:    track.NewAnalyzer(cfg.Analyzer),
		detector:    track.NewDetector(cfg.Deviation),
		opts:        opts,
		workers:     make(map[string]*worker),
		assignments: make(map[string]Assignment),
		snapshots:   make(map[string]VehicleSnapshot),
		subs:        make(map[int64]*subscriber),
		routeCache:  make(map[string]*track.RouteGeometry),
		alertCh:     make(chan alertMsg, 128),
		ctx:         ctx,
		cancel:      cancel,
	}

	s.wg.Add(1)
	go s.dispatchAlerts()
	return s
}

// Assign binds a vehicle to a route and company. Safe at any time; the next
// ingested sample evaluates against the new route.
func (s *Service) Assign(vehicleID string, a Assignment) {
	s.mu.Lock()
	s.assignments[vehicleID] = a
	s.mu.Unlock()
}

// InvalidateRoute drops a cached geometry after a version bump; the next
// evaluation refetches it.
func (s *Service) InvalidateRoute(routeID string) {
	s.routeMu.Lock()
	delete(s.routeCache, routeID)
	s.routeMu.Unlock()
}

// Ingest hands one raw sample to the owning vehicle worker. It blocks only
// on that vehicle's bounded inbox, never on subscriber delivery. Rejected
// samples are counted, not surfaced.
func (s *Service) Ingest(sample track.PositionSample) {
	if sample.ReceivedTime.IsZero() {
		sample.ReceivedTime = time.Now().UTC()
	}

	w := s.workerFor(sample.VehicleID)
	if w == nil {
		return
	}
	select {
	case w.in <- workerMsg{sample: &sample}:
	case <-w.done:
	case <-s.ctx.Done():
	}
}

func (s *Service) workerFor(vehicleID string) *worker {
	s.mu.RLock()
	w, ok := s.workers[vehicleID]
	closed := s.closed
	s.mu.RUnlock()
	if ok {
		return w
	}
	if closed {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if w, ok = s.workers[vehicleID]; ok {
		return w
	}
	w = &worker{
		vehicleID: vehicleID,
		in:        make(chan workerMsg, s.cfg.WorkerQueue),
		done:      make(chan struct{}),
		status:    track.StatusUnknown,
	}
	s.workers[vehicleID] = w
	s.wg.Add(1)
	go s.runWorker(w)
	return w
}

func (s *Service) runWorker(w *worker) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-w.done:
			return
		case msg := <-w.in:
			if msg.sample != nil {
				s.processSample(w, *msg.sample)
			} else {
				s.sweepWorker(w, msg.sweepAt)
			}
		}
	}
}

func (s *Service) processSample(w *worker, raw track.PositionSample) {
	start := time.Now()

	sample, outcome, err := s.validator.Validate(raw, w.prev)
	if err != nil {
		verr := err.(*track.ValidationError)
		observability.SamplesRejected.WithLabelValues(string(verr.Kind)).Inc()
		s.logger.Debug().
			Str("vehicle", raw.VehicleID).
			Str("reason", string(verr.Kind)).
			Msg("sample rejected")
		return
	}

	prev := w.prev
	if outcome == track.FreshSegment {
		prev = nil
	}
	w.metrics = s.analyzer.Update(w.metrics, sample, prev)
	w.status = s.analyzer.Status(w.metrics)

	assignment := s.assignmentFor(sample.VehicleID)
	route := s.routeFor(assignment.RouteID)

	prevDeviating := w.deviation.Deviating
	w.deviation = s.detector.Evaluate(sample.Point(), sample.SourceTime, route, w.deviation)

	w.prev = &sample
	snap := VehicleSnapshot{
		VehicleID:  sample.VehicleID,
		CompanyID:  assignment.CompanyID,
		RouteID:    assignment.RouteID,
		Status:     w.status,
		LastSample: sample,
		Metrics:    w.metrics,
		Deviation:  w.deviation,
		UpdatedAt:  sample.SourceTime,
	}
	s.publish(snap)

	if w.deviation.Deviating != prevDeviating {
		s.onDeviationTransition(snap)
	}

	observability.SamplesIngested.Inc()
	observability.ObserveIngestLatency(start)
}

func (s *Service) sweepWorker(w *worker, at time.Time) {
	if w.prev == nil || w.status == track.StatusOffline {
		return
	}
	if at.Sub(w.prev.ReceivedTime) < s.cfg.OfflineTimeout {
		return
	}

	w.status = track.StatusOffline
	observability.VehiclesOffline.Inc()

	assignment := s.assignmentFor(w.vehicleID)
	s.publish(VehicleSnapshot{
		VehicleID:  w.vehicleID,
		CompanyID:  assignment.CompanyID,
		RouteID:    assignment.RouteID,
		Status:     track.StatusOffline,
		LastSample: *w.prev,
		Metrics:    w.metrics,
		Deviation:  w.deviation,
		UpdatedAt:  at,
	})
}

// SweepOffline nudges every worker to re-check its silence window. Work is
// delegated to the workers so state stays serialized; busy workers are
// skipped and caught on the next sweep.
func (s *Service) SweepOffline(ctx context.Context, at time.Time) error {
	s.mu.RLock()
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.RUnlock()

	for _, w := range workers {
		select {
		case w.in <- workerMsg{sweepAt: at}:
		default:
		}
	}
	return nil
}

func (s *Service) assignmentFor(vehicleID string) Assignment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.assignments[vehicleID]
}

// routeFor resolves a cached geometry, fetching once on miss. The fetch
// blocks only the owning vehicle's worker.
func (s *Service) routeFor(routeID string) *track.RouteGeometry {
	if routeID == "" || s.opts.Routes == nil {
		return nil
	}

	s.routeMu.RLock()
	cached, ok := s.routeCache[routeID]
	s.routeMu.RUnlock()
	if ok {
		return cached
	}

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	geom, err := s.opts.Routes.FetchRouteGeometry(ctx, routeID)
	if err != nil {
		s.logger.Warn().Err(err).Str("route", routeID).Msg("route geometry unavailable")
		return nil
	}

	s.routeMu.Lock()
	s.routeCache[routeID] = &geom
	s.routeMu.Unlock()
	return &geom
}

func (s *Service) onDeviationTransition(snap VehicleSnapshot) {
	direction := "cleared"
	if snap.Deviation.Deviating {
		direction = "entered"
	}
	observability.DeviationTransitions.WithLabelValues(direction).Inc()

	since := time.Time{}
	if snap.Deviation.Since != nil {
		since = *snap.Deviation.Since
	}
	note := alerting.Notification{
		VehicleID:         snap.VehicleID,
		RouteID:           snap.RouteID,
		Entered:           snap.Deviation.Deviating,
		DistanceOffRouteM: snap.Deviation.DistanceOffRouteM,
		Since:             since,
		At:                snap.UpdatedAt,
	}

	select {
	case s.alertCh <- alertMsg{note: note}:
	default:
		s.logger.Warn().Str("vehicle", snap.VehicleID).Msg("alert queue full, transition dropped")
	}
}

func (s *Service) dispatchAlerts() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.alertCh:
			s.deliverAlert(msg)
		}
	}
}

func (s *Service) deliverAlert(msg alertMsg) {
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()

	if s.opts.Events != nil {
		var since *time.Time
		if !msg.note.Since.IsZero() {
			value := msg.note.Since
			since = &value
		}
		event := storage.DeviationEvent{
			VehicleID:         msg.note.VehicleID,
			RouteID:           msg.note.RouteID,
			Entered:           msg.note.Entered,
			DistanceOffRouteM: msg.note.DistanceOffRouteM,
			Since:             since,
			At:                msg.note.At,
		}
		if _, err := s.opts.Events.InsertDeviationEvent(ctx, event); err != nil {
			s.logger.Error().Err(err).Str("vehicle", msg.note.VehicleID).Msg("failed to persist deviation event")
		}
	}

	if s.opts.Notifier != nil {
		if err := s.opts.Notifier.Notify(ctx, msg.note); err != nil {
			s.logger.Error().Err(err).Str("vehicle", msg.note.VehicleID).Msg("failed to dispatch deviation alert")
		}
	}
}

// Close stops all workers and the alert dispatcher. Idempotent.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[int64]*subscriber)
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	for _, sub := range subs {
		sub.close()
	}
}

// StopTracking releases a vehicle's worker and live state.
func (s *Service) StopTracking(vehicleID string) {
	s.mu.Lock()
	w, ok := s.workers[vehicleID]
	if ok {
		delete(s.workers, vehicleID)
		delete(s.snapshots, vehicleID)
	}
	s.mu.Unlock()
	if ok {
		close(w.done)
	}
}

// Snapshot returns the latest published state for a vehicle.
func (s *Service) Snapshot(vehicleID string) (VehicleSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[vehicleID]
	return snap, ok
}

// Snapshots returns all published states ordered by vehicle id.
func (s *Service) Snapshots() []VehicleSnapshot {
	s.mu.RLock()
	out := make([]VehicleSnapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		out = append(out, snap)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].VehicleID < out[j].VehicleID })
	return out
}
