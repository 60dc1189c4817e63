package playback

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fleet-tracking/internal/track"
)

// State is the lifecycle of a playback session.
type State string

const (
	StateIdle     State = "idle"
	StatePlaying  State = "playing"
	StatePaused   State = "paused"
	StateFinished State = "finished"
)

// Update is one playback emission: the cursor position and the derived state
// at that point of the recorded window.
type Update struct {
	SessionID string
	Cursor    time.Time
	Sample    *track.PositionSample
	Metrics   track.TrajectoryMetrics
	Deviation track.DeviationState
	State     State
}

type cmdKind int

const (
	cmdPlay cmdKind = iota
	cmdPause
	cmdSeek
)

type command struct {
	kind   cmdKind
	speed  float64
	seekTo time.Time
	reply  chan error
}

// Session replays one vehicle's recorded window through the same
// validate/analyze/deviate pipeline the live service runs, on a virtual
// clock. All mutable state is owned by the session goroutine.
type Session struct {
	ID        string
	VehicleID string
	RouteID   string
	From      time.Time
	To        time.Time

	cfg     Config
	logger  zerolog.Logger
	samples []track.PositionSample
	route   *track.RouteGeometry

	validator *track.Validator
	analyzer  *track.Analyzer
	detector  *track.Detector

	updates chan Update
	cmds    chan command
	done    chan struct{}
	once    sync.Once
	onClose func()

	mu         sync.Mutex
	state      State
	lastActive time.Time
}

// Updates returns the session's emission stream. The channel is closed when
// the session closes. Slow consumers lose intermediate updates, never the
// stream itself.
func (s *Session) Updates() <-chan Update {
	return s.updates
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Play starts or resumes the virtual clock. The speed factor is clamped to
// the configured range.
func (s *Session) Play(speed float64) error {
	return s.send(command{kind: cmdPlay, speed: speed})
}

// Pause halts the virtual clock, keeping the cursor in place.
func (s *Session) Pause() error {
	return s.send(command{kind: cmdPause})
}

// Seek moves the cursor, clamped to the session window. The pipeline is
// re-run from the window start up to the target so derived state is
// identical no matter how the cursor got there.
func (s *Session) Seek(to time.Time) error {
	return s.send(command{kind: cmdSeek, seekTo: to})
}

// Close tears the session down. Idempotent.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
}

func (s *Session) send(cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return ErrSessionClosed
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// cursorState is the session goroutine's private playback position.
type cursorState struct {
	idx       int
	prev      *track.PositionSample
	metrics   track.TrajectoryMetrics
	deviation track.DeviationState
	cursor    time.Time
	speed     float64
	playing   bool
}

func (s *Session) run() {
	defer close(s.updates)

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	cs := cursorState{cursor: s.From, speed: 1}
	s.setState(StateIdle)

	for {
		select {
		case <-s.done:
			return
		case cmd := <-s.cmds:
			s.touch()
			cmd.reply <- s.handle(&cs, cmd, timer)
		case <-timer.C:
			s.advance(&cs, timer)
		}
	}
}

func (s *Session) handle(cs *cursorState, cmd command, timer *time.Timer) error {
	switch cmd.kind {
	case cmdPlay:
		if s.State() == StateFinished {
			return ErrSessionFinished
		}
		speed := cmd.speed
		if speed < s.cfg.MinSpeed {
			speed = s.cfg.MinSpeed
		}
		if speed > s.cfg.MaxSpeed {
			speed = s.cfg.MaxSpeed
		}
		cs.speed = speed
		cs.playing = true
		s.setState(StatePlaying)
		s.schedule(cs, timer)
	case cmdPause:
		cs.playing = false
		stopTimer(timer)
		if s.State() == StatePlaying {
			s.setState(StatePaused)
		}
	case cmdSeek:
		s.seek(cs, cmd.seekTo, timer)
	}
	return nil
}

// seek rebuilds derived state from the window start so the result is a pure
// function of the recorded samples and the target cursor.
func (s *Session) seek(cs *cursorState, target time.Time, timer *time.Timer) {
	stopTimer(timer)

	if target.Before(s.From) {
		target = s.From
	}
	if target.After(s.To) {
		target = s.To
	}

	cs.idx = 0
	cs.prev = nil
	cs.metrics = track.TrajectoryMetrics{}
	cs.deviation = track.DeviationState{}
	cs.cursor = target

	for cs.idx < len(s.samples) && !s.samples[cs.idx].SourceTime.After(target) {
		s.apply(cs, s.samples[cs.idx])
		cs.idx++
	}

	// Seeking always re-arms the session, even after it finished.
	if cs.playing {
		s.setState(StatePlaying)
	} else {
		s.setState(StatePaused)
	}

	s.emit(Update{
		SessionID: s.ID,
		Cursor:    cs.cursor,
		Sample:    cs.prev,
		Metrics:   cs.metrics,
		Deviation: cs.deviation,
		State:     s.State(),
	})

	if cs.playing {
		s.schedule(cs, timer)
	}
}

// advance plays the next recorded sample and schedules the one after it.
func (s *Session) advance(cs *cursorState, timer *time.Timer) {
	if !cs.playing {
		return
	}
	if cs.idx >= len(s.samples) {
		s.finish(cs)
		return
	}

	sample := s.samples[cs.idx]
	cs.idx++
	accepted := s.apply(cs, sample)
	cs.cursor = sample.SourceTime

	if accepted {
		s.emit(Update{
			SessionID: s.ID,
			Cursor:    cs.cursor,
			Sample:    cs.prev,
			Metrics:   cs.metrics,
			Deviation: cs.deviation,
			State:     StatePlaying,
		})
	}

	s.schedule(cs, timer)
}

func (s *Session) finish(cs *cursorState) {
	cs.playing = false
	cs.cursor = s.To
	s.setState(StateFinished)
	s.emit(Update{
		SessionID: s.ID,
		Cursor:    s.To,
		Sample:    cs.prev,
		Metrics:   cs.metrics,
		Deviation: cs.deviation,
		State:     StateFinished,
	})
}

// apply runs one recorded sample through the pipeline. Rejected samples are
// skipped exactly as the live service skips them.
func (s *Session) apply(cs *cursorState, raw track.PositionSample) bool {
	sample, outcome, err := s.validator.Validate(raw, cs.prev)
	if err != nil {
		return false
	}
	prev := cs.prev
	if outcome == track.FreshSegment {
		prev = nil
	}
	cs.metrics = s.analyzer.Update(cs.metrics, sample, prev)
	cs.deviation = s.detector.Evaluate(sample.Point(), sample.SourceTime, s.route, cs.deviation)
	cs.prev = &sample
	return true
}

// schedule arms the timer for the gap to the next sample, compressed by the
// speed factor. Rejected or identically-timed samples replay immediately.
func (s *Session) schedule(cs *cursorState, timer *time.Timer) {
	stopTimer(timer)
	if cs.idx >= len(s.samples) {
		timer.Reset(0)
		return
	}
	gap := s.samples[cs.idx].SourceTime.Sub(cs.cursor)
	if gap < 0 {
		gap = 0
	}
	timer.Reset(time.Duration(float64(gap) / cs.speed))
}

func (s *Session) emit(u Update) {
	select {
	case s.updates <- u:
	default:
		s.logger.Debug().Str("session", s.ID).Msg("playback consumer behind, update dropped")
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
