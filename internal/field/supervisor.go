package field

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/fieldlink-project/fieldlink/internal/events"
	"github.com/fieldlink-project/fieldlink/internal/protocol"
	"github.com/fieldlink-project/fieldlink/internal/util"
)

// Transport delivers one encoded control packet to a station's DS.
type Transport interface {
	Send(station protocol.AllianceStation, packet []byte) error
}

// SourceResolver maps a datagram source to the station that owns it.
type SourceResolver interface {
	StationFor(source netip.AddrPort) (protocol.AllianceStation, bool)
}

// EstopSource reports the field-wide emergency stop.
type EstopSource interface {
	FieldEstop() bool
}

// MatchSource produces the per-tick match snapshot.
type MatchSource interface {
	MatchContext(now time.Time) protocol.MatchContext
}

// SupervisorConfig wires a LinkSupervisor to its collaborators.
// Estop, Emitter and Clock may be nil.
type SupervisorConfig struct {
	Transport Transport
	Resolver  SourceResolver
	Estop     EstopSource
	Emitter   events.Emitter
	Clock     clockwork.Clock
	Timing    Timing
}

// LinkSupervisor owns the set of station sessions and drives the send loop.
type LinkSupervisor struct {
	mu       sync.RWMutex
	sessions map[protocol.AllianceStation]*StationSession

	transport Transport
	resolver  SourceResolver
	estop     EstopSource
	emitter   events.Emitter
	clock     clockwork.Clock
	timing    Timing

	logger zerolog.Logger
}

// NewLinkSupervisor creates a supervisor with no assigned stations.
func NewLinkSupervisor(cfg SupervisorConfig) (*LinkSupervisor, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("link supervisor: transport is required")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("link supervisor: source resolver is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	return &LinkSupervisor{
		sessions:  make(map[protocol.AllianceStation]*StationSession),
		transport: cfg.Transport,
		resolver:  cfg.Resolver,
		estop:     cfg.Estop,
		emitter:   cfg.Emitter,
		clock:     cfg.Clock,
		timing:    cfg.Timing.withDefaults(),
		logger:    util.ComponentLogger("link_supervisor"),
	}, nil
}

// Timing returns the effective timing.
func (ls *LinkSupervisor) Timing() Timing {
	return ls.timing
}

// Assign creates the session for a station, replacing (and closing) any
// existing one.
func (ls *LinkSupervisor) Assign(station protocol.AllianceStation, team uint16) error {
	if !station.Valid() {
		return fmt.Errorf("%w: %d/%d", protocol.ErrInvalidStation, station.Alliance, station.Slot)
	}
	now := ls.clock.Now()
	session := NewStationSession(station, team, ls.timing, now)

	ls.mu.Lock()
	old := ls.sessions[station]
	ls.sessions[station] = session
	ls.mu.Unlock()

	if old != nil {
		ls.retire(old, now)
	}

	ls.logger.Info().
		Str("station", station.String()).
		Uint16("team", team).
		Msg("station assigned")
	ls.emit(events.EventStationAssigned, events.AssignmentPayload{Station: station, Team: team})
	return nil
}

// Release closes and removes a station's session. No packet is sent for it
// from the next tick on.
func (ls *LinkSupervisor) Release(station protocol.AllianceStation) error {
	ls.mu.Lock()
	session, ok := ls.sessions[station]
	delete(ls.sessions, station)
	ls.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStation, station)
	}
	ls.retire(session, ls.clock.Now())
	return nil
}

func (ls *LinkSupervisor) retire(session *StationSession, now time.Time) {
	if tr, changed := session.Close(now); changed {
		ls.emitTransition(session, tr, now)
	}
	ls.logger.Info().
		Str("station", session.Station().String()).
		Uint16("team", session.Team()).
		Msg("station released")
	ls.emit(events.EventStationReleased, events.AssignmentPayload{
		Station: session.Station(),
		Team:    session.Team(),
	})
}

// SetControl updates the desired control state of an assigned station.
func (ls *LinkSupervisor) SetControl(station protocol.AllianceStation, control protocol.ControlState) error {
	session, ok := ls.session(station)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStation, station)
	}
	session.SetControl(control)
	return nil
}

// Disconnect marks a station Unlinked after its DS connection closed.
func (ls *LinkSupervisor) Disconnect(station protocol.AllianceStation) error {
	session, ok := ls.session(station)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStation, station)
	}
	now := ls.clock.Now()
	if tr, changed := session.Disconnect(now); changed {
		ls.emitTransition(session, tr, now)
	}
	return nil
}

// Tick runs one pass of the send loop: every session is checked for
// timeouts, then sent a control packet if its cadence is due. A failing
// station never stops the others.
func (ls *LinkSupervisor) Tick(now time.Time, match protocol.MatchContext) {
	sessions := ls.sessionList()
	fieldEstop := ls.fieldEstop()

	for _, session := range sessions {
		if tr, changed := session.Evaluate(now); changed {
			ls.emitTransition(session, tr, now)
		}

		pkt, due, err := session.NextControlPacket(match, fieldEstop, now)
		if !due {
			continue
		}
		if err != nil {
			ls.logger.Error().
				Err(err).
				Str("station", session.Station().String()).
				Msg("failed to encode control packet")
			continue
		}

		if err := ls.transport.Send(session.Station(), pkt); err != nil {
			seq := binary.BigEndian.Uint16(pkt[0:2])
			ls.logger.Debug().
				Err(err).
				Str("station", session.Station().String()).
				Uint16("seq", seq).
				Msg("control send failed")
			ls.emit(events.EventTransportError, events.TransportErrorPayload{
				Station:  session.Station(),
				Sequence: seq,
				Err:      err,
			})
			continue
		}

		ls.logger.Trace().
			Str("station", session.Station().String()).
			Hex("packet", pkt).
			Msg("control sent")
	}
}

// OnDatagram routes one inbound datagram to the owning session.
func (ls *LinkSupervisor) OnDatagram(source netip.AddrPort, data []byte, now time.Time) {
	station, ok := ls.resolver.StationFor(source)
	if !ok {
		ls.emit(events.EventUnknownSource, events.UnknownSourcePayload{
			Source: source.String(),
			Length: len(data),
		})
		return
	}

	session, ok := ls.session(station)
	if !ok {
		ls.emit(events.EventUnknownSource, events.UnknownSourcePayload{
			Source: source.String(),
			Length: len(data),
		})
		return
	}

	status, err := protocol.DecodeStatus(data)
	if err == nil && status.TeamNumber != session.Team() {
		err = fmt.Errorf("%w: got %d, assigned %d", ErrTeamMismatch, status.TeamNumber, session.Team())
	}
	if err != nil {
		ls.logger.Debug().
			Err(err).
			Str("station", station.String()).
			Str("source", source.String()).
			Msg("dropping status datagram")
		ls.emit(events.EventDecodeError, events.DecodeErrorPayload{
			Station: station,
			Source:  source.String(),
			Length:  len(data),
			Err:     err,
		})
		return
	}

	out := session.ApplyStatus(status, now)
	switch out.Result {
	case StatusStale:
		ls.emit(events.EventStaleStatus, events.StaleStatusPayload{
			Station:  station,
			Last:     out.Previous,
			Received: status.Sequence,
		})
	case StatusAccepted:
		if out.Missed > 0 {
			ls.emit(events.EventSequenceGap, events.SequenceGapPayload{
				Station:  station,
				Previous: out.Previous,
				Received: status.Sequence,
				Missed:   out.Missed,
			})
		}
		if out.Changed {
			ls.emitTransition(session, out.Transition, now)
		}
	}
}

// Run drives Tick at the send cadence until ctx is cancelled.
func (ls *LinkSupervisor) Run(ctx context.Context, match MatchSource) error {
	ticker := ls.clock.NewTicker(ls.timing.SendInterval)
	defer ticker.Stop()

	ls.logger.Info().
		Dur("interval", ls.timing.SendInterval).
		Dur("degraded_timeout", ls.timing.DegradedTimeout).
		Dur("lost_timeout", ls.timing.LostTimeout).
		Msg("link supervisor started")

	for {
		select {
		case <-ctx.Done():
			ls.logger.Info().Msg("link supervisor stopped")
			return ctx.Err()
		case <-ticker.Chan():
			now := ls.clock.Now()
			ls.Tick(now, match.MatchContext(now))
		}
	}
}

// LinkStatus returns one station's classification.
func (ls *LinkSupervisor) LinkStatus(station protocol.AllianceStation) (events.LinkStatus, bool) {
	session, ok := ls.session(station)
	if !ok {
		return events.LinkUnlinked, false
	}
	return session.LinkStatus(), true
}

// AllLinkStatuses returns the classification of every assigned station.
func (ls *LinkSupervisor) AllLinkStatuses() map[protocol.AllianceStation]events.LinkStatus {
	sessions := ls.sessionList()
	out := make(map[protocol.AllianceStation]events.LinkStatus, len(sessions))
	for _, s := range sessions {
		out[s.Station()] = s.LinkStatus()
	}
	return out
}

// Snapshots returns copies of every session in station index order.
func (ls *LinkSupervisor) Snapshots() []SessionSnapshot {
	sessions := ls.sessionList()
	out := make([]SessionSnapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// Snapshot returns a copy of one station's session.
func (ls *LinkSupervisor) Snapshot(station protocol.AllianceStation) (SessionSnapshot, bool) {
	session, ok := ls.session(station)
	if !ok {
		return SessionSnapshot{}, false
	}
	return session.Snapshot(), true
}

// StationForTeam finds the station a team is assigned to.
func (ls *LinkSupervisor) StationForTeam(team uint16) (protocol.AllianceStation, bool) {
	for _, s := range ls.sessionList() {
		if s.Team() == team {
			return s.Station(), true
		}
	}
	return protocol.AllianceStation{}, false
}

// Stations returns the assigned stations in index order.
func (ls *LinkSupervisor) Stations() []protocol.AllianceStation {
	sessions := ls.sessionList()
	out := make([]protocol.AllianceStation, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Station())
	}
	return out
}

// FieldEstop reports the current field e-stop input.
func (ls *LinkSupervisor) FieldEstop() bool {
	return ls.fieldEstop()
}

func (ls *LinkSupervisor) fieldEstop() bool {
	if ls.estop == nil {
		return false
	}
	return ls.estop.FieldEstop()
}

func (ls *LinkSupervisor) session(station protocol.AllianceStation) (*StationSession, bool) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	s, ok := ls.sessions[station]
	return s, ok
}

// sessionList copies the session set so per-session work happens outside
// the map lock.
func (ls *LinkSupervisor) sessionList() []*StationSession {
	ls.mu.RLock()
	out := make([]*StationSession, 0, len(ls.sessions))
	for _, s := range ls.sessions {
		out = append(out, s)
	}
	ls.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Station().Index() < out[j].Station().Index()
	})
	return out
}

func (ls *LinkSupervisor) emitTransition(session *StationSession, tr Transition, now time.Time) {
	ls.logger.Info().
		Str("station", session.Station().String()).
		Uint16("team", session.Team()).
		Str("from", tr.From.String()).
		Str("to", tr.To.String()).
		Str("reason", tr.Reason).
		Msg("link status changed")
	ls.emit(events.EventLinkStatusChanged, events.LinkStatusPayload{
		Station: session.Station(),
		Team:    session.Team(),
		From:    tr.From,
		To:      tr.To,
		Reason:  tr.Reason,
		At:      now,
	})
}

func (ls *LinkSupervisor) emit(eventType events.EventType, payload interface{}) {
	if ls.emitter == nil {
		return
	}
	ls.emitter.Emit(context.Background(), events.Event{
		Type:    eventType,
		Source:  "link_supervisor",
		Payload: payload,
	})
}
