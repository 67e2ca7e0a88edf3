// Package match implements the match controller: the loaded match, its
// phase timer and the control state it pushes to every station.
package match

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/fieldlink-project/fieldlink/internal/events"
	"github.com/fieldlink-project/fieldlink/internal/protocol"
	"github.com/fieldlink-project/fieldlink/internal/util"
)

var (
	ErrMatchInProgress = errors.New("match in progress")
	ErrNotReady        = errors.New("match is not in pre-match")
	ErrNoStations      = errors.New("no stations assigned")
	ErrStationsUnready = errors.New("not every station is linked")
	ErrFieldEstop      = errors.New("field e-stop is asserted")
	ErrNotRunning      = errors.New("no match running")
)

// Durations are the timed phase lengths.
type Durations struct {
	Auto   time.Duration
	Pause  time.Duration
	Teleop time.Duration
}

// DefaultDurations returns 15 s auto, 3 s pause and 135 s teleop.
func DefaultDurations() Durations {
	return Durations{
		Auto:   15 * time.Second,
		Pause:  3 * time.Second,
		Teleop: 135 * time.Second,
	}
}

// Field is the part of the link supervisor the controller drives.
type Field interface {
	Stations() []protocol.AllianceStation
	LinkStatus(station protocol.AllianceStation) (events.LinkStatus, bool)
	SetControl(station protocol.AllianceStation, control protocol.ControlState) error
	FieldEstop() bool
}

// State is a read-only view of the controller.
type State struct {
	Level            protocol.TournamentLevel `json:"tournament_level"`
	MatchNumber      uint16                   `json:"match_number"`
	PlayNumber       uint8                    `json:"play_number"`
	Phase            events.MatchPhase        `json:"phase"`
	PhaseStartedAt   time.Time                `json:"phase_started_at"`
	RemainingSeconds uint16                   `json:"remaining_seconds"`
	StationEstops    []string                 `json:"station_estops"`
}

// Controller owns the match state machine:
// PreMatch -> Auto -> Pause -> Teleop -> PostMatch, with Aborted from any
// running phase.
type Controller struct {
	mu sync.Mutex

	field     Field
	emitter   events.Emitter
	clock     clockwork.Clock
	durations Durations

	level       protocol.TournamentLevel
	matchNumber uint16
	playNumber  uint8

	phase          events.MatchPhase
	phaseStartedAt time.Time
	stationEstops  map[protocol.AllianceStation]bool

	logger zerolog.Logger
}

// NewController creates a controller with a test match loaded.
func NewController(field Field, emitter events.Emitter, clock clockwork.Clock, durations Durations) *Controller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	d := durations
	if d == (Durations{}) {
		d = DefaultDurations()
	}
	if d.Auto <= 0 {
		d.Auto = DefaultDurations().Auto
	}
	if d.Teleop <= 0 {
		d.Teleop = DefaultDurations().Teleop
	}
	if d.Pause < 0 {
		d.Pause = 0
	}
	return &Controller{
		field:          field,
		emitter:        emitter,
		clock:          clock,
		durations:      d,
		level:          protocol.LevelTest,
		playNumber:     1,
		phase:          events.PhasePreMatch,
		phaseStartedAt: clock.Now(),
		stationEstops:  make(map[protocol.AllianceStation]bool),
		logger:         util.ComponentLogger("match"),
	}
}

// Durations returns the configured phase lengths.
func (c *Controller) Durations() Durations {
	return c.durations
}

// Load selects the next match. Refused while a match is running.
func (c *Controller) Load(level protocol.TournamentLevel, number uint16, play uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.runningLocked() {
		return ErrMatchInProgress
	}
	if play == 0 {
		play = 1
	}
	c.level, c.matchNumber, c.playNumber = level, number, play
	c.stationEstops = make(map[protocol.AllianceStation]bool)
	c.setPhaseLocked(events.PhasePreMatch, "loaded")
	c.pushLocked()
	return nil
}

// Start begins auto. Every assigned station must be Linked and the field
// e-stop must be clear.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != events.PhasePreMatch {
		return ErrNotReady
	}
	if c.field.FieldEstop() {
		return ErrFieldEstop
	}
	stations := c.field.Stations()
	if len(stations) == 0 {
		return ErrNoStations
	}
	var unready []string
	for _, st := range stations {
		if status, _ := c.field.LinkStatus(st); status != events.LinkLinked {
			unready = append(unready, fmt.Sprintf("%s (%s)", st, status))
		}
	}
	if len(unready) > 0 {
		return fmt.Errorf("%w: %v", ErrStationsUnready, unready)
	}

	c.setPhaseLocked(events.PhaseAuto, "started")
	c.pushLocked()
	return nil
}

// Abort stops a running match and disables every robot.
func (c *Controller) Abort(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.runningLocked() {
		return ErrNotRunning
	}
	if reason == "" {
		reason = "aborted"
	}
	c.setPhaseLocked(events.PhaseAborted, reason)
	c.pushLocked()
	return nil
}

// Reset returns to pre-match and clears latched station e-stops. Resetting
// an aborted match bumps the play number for the replay.
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.runningLocked() {
		return ErrMatchInProgress
	}
	if c.phase == events.PhaseAborted {
		c.playNumber++
	}
	c.stationEstops = make(map[protocol.AllianceStation]bool)
	c.setPhaseLocked(events.PhasePreMatch, "reset")
	c.pushLocked()
	return nil
}

// EstopStation latches an e-stop on one station until Reset.
func (c *Controller) EstopStation(station protocol.AllianceStation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stationEstops[station] = true
	if err := c.field.SetControl(station, c.controlLocked(station)); err != nil {
		return err
	}
	c.logger.Warn().Str("station", station.String()).Msg("station e-stop latched")
	return nil
}

// Advance moves through the timed phases. While a match runs it also
// re-pushes control so late assignments pick it up.
func (c *Controller) Advance(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.runningLocked() {
		return
	}
	if c.field.FieldEstop() {
		c.setPhaseLocked(events.PhaseAborted, "field e-stop")
		c.pushLocked()
		return
	}

	elapsed := now.Sub(c.phaseStartedAt)
	switch c.phase {
	case events.PhaseAuto:
		if elapsed >= c.durations.Auto {
			c.setPhaseAtLocked(events.PhasePause, "auto complete", c.phaseStartedAt.Add(c.durations.Auto))
		}
	case events.PhasePause:
		if elapsed >= c.durations.Pause {
			c.setPhaseAtLocked(events.PhaseTeleop, "pause complete", c.phaseStartedAt.Add(c.durations.Pause))
		}
	case events.PhaseTeleop:
		if elapsed >= c.durations.Teleop {
			c.setPhaseAtLocked(events.PhasePostMatch, "teleop complete", c.phaseStartedAt.Add(c.durations.Teleop))
		}
	}

	c.pushLocked()
}

// MatchContext builds the per-tick snapshot the link supervisor encodes
// into every control packet.
func (c *Controller) MatchContext(now time.Time) protocol.MatchContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return protocol.MatchContext{
		Level:            c.level,
		MatchNumber:      c.matchNumber,
		PlayNumber:       c.playNumber,
		RemainingSeconds: c.remainingLocked(now),
		Timestamp:        now,
	}
}

// State returns a copy of the controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := State{
		Level:            c.level,
		MatchNumber:      c.matchNumber,
		PlayNumber:       c.playNumber,
		Phase:            c.phase,
		PhaseStartedAt:   c.phaseStartedAt,
		RemainingSeconds: c.remainingLocked(c.clock.Now()),
		StationEstops:    []string{},
	}
	for _, st := range protocol.AllStations() {
		if c.stationEstops[st] {
			s.StationEstops = append(s.StationEstops, st.Code())
		}
	}
	return s
}

// Run calls Advance on every interval until ctx is cancelled.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.Advance(c.clock.Now())
		}
	}
}

func (c *Controller) runningLocked() bool {
	switch c.phase {
	case events.PhaseAuto, events.PhasePause, events.PhaseTeleop:
		return true
	}
	return false
}

func (c *Controller) remainingLocked(now time.Time) uint16 {
	var total time.Duration
	switch c.phase {
	case events.PhasePreMatch:
		return uint16(c.durations.Auto / time.Second)
	case events.PhaseAuto:
		total = c.durations.Auto
	case events.PhasePause:
		total = c.durations.Pause
	case events.PhaseTeleop:
		total = c.durations.Teleop
	default:
		return 0
	}
	left := total - now.Sub(c.phaseStartedAt)
	if left <= 0 {
		return 0
	}
	return uint16((left + time.Second - 1) / time.Second)
}

func (c *Controller) controlLocked(station protocol.AllianceStation) protocol.ControlState {
	mode, enabled := protocol.ModeTeleop, false
	switch c.phase {
	case events.PhaseAuto:
		mode, enabled = protocol.ModeAuto, true
	case events.PhaseTeleop:
		enabled = true
	case events.PhasePreMatch:
		mode = protocol.ModeAuto
	}
	return protocol.ControlState{
		Estop:   c.stationEstops[station],
		Enabled: enabled,
		Mode:    mode,
	}
}

// pushLocked sends the phase's control state to every assigned station.
func (c *Controller) pushLocked() {
	for _, st := range c.field.Stations() {
		if err := c.field.SetControl(st, c.controlLocked(st)); err != nil {
			c.logger.Debug().Err(err).Str("station", st.String()).Msg("failed to push control")
		}
	}
}

func (c *Controller) setPhaseLocked(to events.MatchPhase, reason string) {
	c.setPhaseAtLocked(to, reason, c.clock.Now())
}

func (c *Controller) setPhaseAtLocked(to events.MatchPhase, reason string, at time.Time) {
	from := c.phase
	c.phase = to
	c.phaseStartedAt = at

	c.logger.Info().
		Str("level", c.level.String()).
		Uint16("match", c.matchNumber).
		Uint8("play", c.playNumber).
		Str("from", from.String()).
		Str("to", to.String()).
		Str("reason", reason).
		Msg("match state changed")

	if c.emitter != nil {
		c.emitter.Emit(context.Background(), events.Event{
			Type:   events.EventMatchStateChanged,
			Source: "match",
			Payload: events.MatchStatePayload{
				Level:       c.level,
				MatchNumber: c.matchNumber,
				PlayNumber:  c.playNumber,
				From:        from,
				To:          to,
				Reason:      reason,
			},
		})
	}
}
