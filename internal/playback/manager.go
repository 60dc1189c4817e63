package playback

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"fleet-tracking/internal/storage"
	"fleet-tracking/internal/track"
)

var (
	// ErrSessionClosed is returned by controls on a closed session.
	ErrSessionClosed = errors.New("playback: session closed")
	// ErrSessionFinished is returned by Play after the window is exhausted;
	// Seek back into the window resumes playability.
	ErrSessionFinished = errors.New("playback: session finished")
	// ErrEmptyWindow is returned when the requested window holds no samples.
	ErrEmptyWindow = errors.New("playback: no samples in window")
)

// Config tunes playback behaviour.
type Config struct {
	// MinSpeed and MaxSpeed bound the time compression factor.
	MinSpeed float64 `mapstructure:"min_speed"`
	MaxSpeed float64 `mapstructure:"max_speed"`
	// UpdateQueue bounds each session's update stream.
	UpdateQueue int `mapstructure:"update_queue"`
	// IdleTimeout is how long an uncontrolled session survives before the
	// idle sweep reclaims it.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	Validator track.ValidatorConfig `mapstructure:"validator"`
	Analyzer  track.AnalyzerConfig  `mapstructure:"analyzer"`
	Deviation track.DeviationConfig `mapstructure:"deviation"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MinSpeed:    0.5,
		MaxSpeed:    16,
		UpdateQueue: 256,
		IdleTimeout: 15 * time.Minute,
		Validator:   track.DefaultValidatorConfig(),
		Analyzer:    track.DefaultAnalyzerConfig(),
		Deviation:   track.DefaultDeviationConfig(),
	}
}

// RouteSource resolves route geometries for deviation replay.
type RouteSource interface {
	FetchRouteGeometry(ctx context.Context, routeID string) (track.RouteGeometry, error)
}

// Manager owns playback sessions over the sample archive.
type Manager struct {
	cfg     Config
	logger  zerolog.Logger
	samples storage.SampleStore
	routes  RouteSource

	mu       sync.Mutex
	sessions map[string]*Session
	nextID   atomic.Int64
}

// NewManager constructs a session manager.
func NewManager(cfg Config, samples storage.SampleStore, routes RouteSource, logger zerolog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.MinSpeed <= 0 {
		cfg.MinSpeed = def.MinSpeed
	}
	if cfg.MaxSpeed <= 0 {
		cfg.MaxSpeed = def.MaxSpeed
	}
	if cfg.UpdateQueue <= 0 {
		cfg.UpdateQueue = def.UpdateQueue
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.MaxSpeed < cfg.MinSpeed {
		cfg.MaxSpeed = cfg.MinSpeed
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger.With().Str("component", "playback").Logger(),
		samples:  samples,
		routes:   routes,
		sessions: make(map[string]*Session),
	}
}

// Open loads a vehicle's recorded window and creates a paused session over
// it. A storage failure leaves nothing behind; the caller just retries.
func (m *Manager) Open(ctx context.Context, vehicleID, routeID string, from, to time.Time) (*Session, error) {
	if !to.After(from) {
		return nil, fmt.Errorf("playback: window end %v is not after start %v", to, from)
	}

	samples, err := m.samples.FetchSamples(ctx, vehicleID, from, to)
	if err != nil {
		return nil, fmt.Errorf("load playback window: %w", err)
	}
	if len(samples) == 0 {
		return nil, ErrEmptyWindow
	}

	var route *track.RouteGeometry
	if routeID != "" && m.routes != nil {
		geom, routeErr := m.routes.FetchRouteGeometry(ctx, routeID)
		if routeErr != nil {
			m.logger.Warn().Err(routeErr).Str("route", routeID).Msg("replaying without route geometry")
		} else {
			route = &geom
		}
	}

	id := fmt.Sprintf("%s-%d", vehicleID, m.nextID.Add(1))
	session := &Session{
		ID:        id,
		VehicleID: vehicleID,
		RouteID:   routeID,
		From:      from,
		To:        to,
		cfg:       m.cfg,
		logger:    m.logger.With().Str("session", id).Logger(),
		samples:   samples,
		route:     route,
		validator: track.NewValidator(m.cfg.Validator),
		analyzer:  track.NewAnalyzer(m.cfg.Analyzer),
		detector:  track.NewDetector(m.cfg.Deviation),
		updates:   make(chan Update, m.cfg.UpdateQueue),
		cmds:      make(chan command),
		done:      make(chan struct{}),
	}
	session.lastActive = time.Now()
	session.state = StateIdle
	session.onClose = func() { m.remove(id) }

	m.mu.Lock()
	m.sessions[id] = session
	m.mu.Unlock()

	go session.run()
	return session, nil
}

// Session looks up an open session by id.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	return session, ok
}

// Sessions lists open sessions ordered by id.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	out := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		out = append(out, session)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// SweepIdle closes sessions that have not seen a control command within the
// idle timeout. Driven by the shared maintenance scheduler.
func (m *Manager) SweepIdle(ctx context.Context, at time.Time) error {
	for _, session := range m.Sessions() {
		if at.Sub(session.idleSince()) >= m.cfg.IdleTimeout {
			m.logger.Info().Str("session", session.ID).Msg("reclaiming idle playback session")
			session.Close()
		}
	}
	return nil
}

// Close tears down all open sessions.
func (m *Manager) Close() {
	for _, session := range m.Sessions() {
		session.Close()
	}
}
