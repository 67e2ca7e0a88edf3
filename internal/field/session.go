package field

import (
	"sync"
	"time"

	"github.com/fieldlink-project/fieldlink/internal/events"
	"github.com/fieldlink-project/fieldlink/internal/protocol"
)

// ApplyResult says what happened to one inbound status datagram.
type ApplyResult int

const (
	StatusAccepted ApplyResult = iota
	StatusStale
	StatusClosed
)

func (r ApplyResult) String() string {
	switch r {
	case StatusAccepted:
		return "accepted"
	case StatusStale:
		return "stale"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transition is a link classification change.
type Transition struct {
	From   events.LinkStatus
	To     events.LinkStatus
	Reason string
}

// StatusOutcome is the result of ApplyStatus.
type StatusOutcome struct {
	Result ApplyResult
	// Previous is the last accepted sequence before this datagram; only
	// meaningful when HadPrevious is set.
	Previous    uint16
	HadPrevious bool
	// Missed is the number of datagrams skipped by this one.
	Missed     int
	Transition Transition
	Changed    bool
}

// StationSession is the FMS-side state of one driver station link.
// All methods are safe for concurrent use; each session has its own lock
// so sessions never contend with each other.
type StationSession struct {
	mu sync.Mutex

	station protocol.AllianceStation
	team    uint16
	timing  Timing

	control protocol.ControlState
	nextSeq uint16

	lastStatus     protocol.InboundStatus
	hasStatus      bool
	lastSentAt     time.Time
	lastReceivedAt time.Time
	linkStatus     events.LinkStatus
	statusSince    time.Time

	missedPackets   uint64
	packetsSent     uint64
	packetsAccepted uint64
	packetsStale    uint64

	closed bool
}

// NewStationSession creates an Unlinked session for a validated station.
func NewStationSession(station protocol.AllianceStation, team uint16, timing Timing, now time.Time) *StationSession {
	return &StationSession{
		station:     station,
		team:        team,
		timing:      timing.withDefaults(),
		linkStatus:  events.LinkUnlinked,
		statusSince: now,
	}
}

// Station returns the station this session drives.
func (s *StationSession) Station() protocol.AllianceStation {
	return s.station
}

// Team returns the assigned team number.
func (s *StationSession) Team() uint16 {
	return s.team
}

// LinkStatus returns the current classification.
func (s *StationSession) LinkStatus() events.LinkStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.linkStatus
}

// SetControl stores the desired control state; it takes effect on the
// next send.
func (s *StationSession) SetControl(c protocol.ControlState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.control = c
}

// Control returns the desired (not effective) control state.
func (s *StationSession) Control() protocol.ControlState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.control
}

// ApplyStatus folds one decoded status datagram into the session.
func (s *StationSession) ApplyStatus(status protocol.InboundStatus, now time.Time) StatusOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return StatusOutcome{Result: StatusClosed}
	}

	out := StatusOutcome{
		Result:      StatusAccepted,
		Previous:    s.lastStatus.Sequence,
		HadPrevious: s.hasStatus,
	}

	switch {
	case !s.hasStatus:
		// First status ever: anything goes.
	case s.linkStatus == events.LinkUnlinked:
		// After a loss the DS may have restarted its counter. Only an exact
		// repeat of the last accepted datagram is rejected.
		if status.Sequence == s.lastStatus.Sequence {
			s.packetsStale++
			out.Result = StatusStale
			return out
		}
	default:
		newer, d := newerSequence(s.lastStatus.Sequence, status.Sequence)
		if !newer {
			s.packetsStale++
			out.Result = StatusStale
			return out
		}
		if d > 1 {
			out.Missed = int(d - 1)
			s.missedPackets += uint64(out.Missed)
		}
	}

	s.lastStatus = status
	s.hasStatus = true
	s.lastReceivedAt = now
	s.packetsAccepted++

	target, reason := events.LinkLinked, "status received"
	if out.Missed >= s.timing.MissedThreshold {
		target, reason = events.LinkDegraded, "sequence gap"
	}
	out.Transition, out.Changed = s.setLinkLocked(target, reason, now)
	return out
}

// Evaluate applies the silence timeouts at now.
func (s *StationSession) Evaluate(now time.Time) (Transition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.linkStatus == events.LinkUnlinked {
		return Transition{}, false
	}

	silence := now.Sub(s.lastReceivedAt)
	switch {
	case silence > s.timing.LostTimeout:
		return s.setLinkLocked(events.LinkUnlinked, "loss timeout", now)
	case silence > s.timing.DegradedTimeout && s.linkStatus == events.LinkLinked:
		return s.setLinkLocked(events.LinkDegraded, "degraded timeout", now)
	}
	return Transition{}, false
}

// NextControlPacket encodes the next control datagram if the send cadence
// is due. The returned bool is false when nothing is due (or the session is
// closed). The sequence advances on every successful encode whether or not
// the caller's send later succeeds.
func (s *StationSession) NextControlPacket(match protocol.MatchContext, fieldEstop bool, now time.Time) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false, nil
	}
	if !s.lastSentAt.IsZero() && now.Sub(s.lastSentAt) < s.timing.SendInterval {
		return nil, false, nil
	}
	s.lastSentAt = now

	effective := s.effectiveControlLocked(fieldEstop)
	pkt, err := protocol.EncodeControl(s.nextSeq, match, s.station, effective)
	if err != nil {
		return nil, true, err
	}
	s.nextSeq++
	s.packetsSent++
	return pkt[:], true, nil
}

// EffectiveControl is what the next packet would carry.
func (s *StationSession) EffectiveControl(fieldEstop bool) protocol.ControlState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effectiveControlLocked(fieldEstop)
}

func (s *StationSession) effectiveControlLocked(fieldEstop bool) protocol.ControlState {
	c := s.control
	c.Estop = c.Estop || fieldEstop
	if c.Estop || s.linkStatus != events.LinkLinked {
		c.Enabled = false
	}
	return c
}

// Disconnect drops the link after the DS connection was torn down.
func (s *StationSession) Disconnect(now time.Time) (Transition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Transition{}, false
	}
	return s.setLinkLocked(events.LinkUnlinked, "disconnected", now)
}

// Close retires the session. It neither sends nor accepts datagrams
// afterwards. The transition is reported if the session was linked.
func (s *StationSession) Close(now time.Time) (Transition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Transition{}, false
	}
	tr, changed := s.setLinkLocked(events.LinkUnlinked, "released", now)
	s.closed = true
	return tr, changed
}

// Closed reports whether Close was called.
func (s *StationSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *StationSession) setLinkLocked(to events.LinkStatus, reason string, now time.Time) (Transition, bool) {
	if s.linkStatus == to {
		return Transition{}, false
	}
	tr := Transition{From: s.linkStatus, To: to, Reason: reason}
	s.linkStatus = to
	s.statusSince = now
	return tr, true
}

// SessionSnapshot is a read-only copy of a session for observers.
type SessionSnapshot struct {
	Station         protocol.AllianceStation `json:"station"`
	Team            uint16                   `json:"team"`
	LinkStatus      events.LinkStatus        `json:"link_status"`
	StatusSince     time.Time                `json:"status_since"`
	Control         protocol.ControlState    `json:"control"`
	NextSequence    uint16                   `json:"next_sequence"`
	LastStatus      *protocol.InboundStatus  `json:"last_status,omitempty"`
	LastSentAt      time.Time                `json:"last_sent_at"`
	LastReceivedAt  time.Time                `json:"last_received_at"`
	MissedPackets   uint64                   `json:"missed_packets"`
	PacketsSent     uint64                   `json:"packets_sent"`
	PacketsAccepted uint64                   `json:"packets_accepted"`
	PacketsStale    uint64                   `json:"packets_stale"`
}

// Snapshot copies the session state.
func (s *StationSession) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := SessionSnapshot{
		Station:         s.station,
		Team:            s.team,
		LinkStatus:      s.linkStatus,
		StatusSince:     s.statusSince,
		Control:         s.control,
		NextSequence:    s.nextSeq,
		LastSentAt:      s.lastSentAt,
		LastReceivedAt:  s.lastReceivedAt,
		MissedPackets:   s.missedPackets,
		PacketsSent:     s.packetsSent,
		PacketsAccepted: s.packetsAccepted,
		PacketsStale:    s.packetsStale,
	}
	if s.hasStatus {
		st := s.lastStatus
		snap.LastStatus = &st
	}
	return snap
}
