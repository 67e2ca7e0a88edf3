// Package events defines event types and enumerations for the fieldlink event system.
package events

import (
	"time"

	"github.com/fieldlink-project/fieldlink/internal/protocol"
)

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Link events
	EventLinkStatusChanged EventType = "link_status_changed"
	EventSequenceGap       EventType = "sequence_gap"
	EventStaleStatus       EventType = "stale_status"
	EventDecodeError       EventType = "decode_error"
	EventUnknownSource     EventType = "unknown_source"
	EventTransportError    EventType = "transport_error"

	// Assignment events
	EventStationAssigned EventType = "station_assigned"
	EventStationReleased EventType = "station_released"

	// Field events
	EventFieldEstopChanged EventType = "field_estop_changed"
	EventMatchStateChanged EventType = "match_state_changed"

	// Notification events
	EventLinkAlert EventType = "link_alert"

	// System events
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// LinkStatus is the classification of one station's link health.
type LinkStatus int

const (
	LinkUnlinked LinkStatus = iota
	LinkLinked
	LinkDegraded
)

// linkStatusStrings maps LinkStatus values to their lowercase JSON string representation.
var linkStatusStrings = map[LinkStatus]string{
	LinkUnlinked: "unlinked",
	LinkLinked:   "linked",
	LinkDegraded: "degraded",
}

// String returns the string representation of LinkStatus.
func (s LinkStatus) String() string {
	if str, ok := linkStatusStrings[s]; ok {
		return str
	}
	return "unlinked"
}

// MarshalJSON serializes LinkStatus as a JSON string (e.g. "linked").
func (s LinkStatus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// MatchPhase is the current phase of the loaded match.
type MatchPhase int

const (
	PhasePreMatch MatchPhase = iota
	PhaseAuto
	PhasePause
	PhaseTeleop
	PhasePostMatch
	PhaseAborted
)

var matchPhaseStrings = map[MatchPhase]string{
	PhasePreMatch:  "pre_match",
	PhaseAuto:      "auto",
	PhasePause:     "pause",
	PhaseTeleop:    "teleop",
	PhasePostMatch: "post_match",
	PhaseAborted:   "aborted",
}

// String returns the string representation of MatchPhase.
func (p MatchPhase) String() string {
	if str, ok := matchPhaseStrings[p]; ok {
		return str
	}
	return "pre_match"
}

// MarshalJSON serializes MatchPhase as a JSON string (e.g. "teleop").
func (p MatchPhase) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.String() + `"`), nil
}

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// LinkStatusPayload is emitted on every link classification change.
type LinkStatusPayload struct {
	Station protocol.AllianceStation
	Team    uint16
	From    LinkStatus
	To      LinkStatus
	Reason  string
	At      time.Time
}

// SequenceGapPayload reports status datagrams lost between two accepted ones.
type SequenceGapPayload struct {
	Station  protocol.AllianceStation
	Previous uint16
	Received uint16
	Missed   int
}

// StaleStatusPayload reports a status datagram dropped as out of order or duplicated.
type StaleStatusPayload struct {
	Station  protocol.AllianceStation
	Last     uint16
	Received uint16
}

// DecodeErrorPayload reports a datagram that could not be used.
type DecodeErrorPayload struct {
	Station protocol.AllianceStation
	Source  string
	Length  int
	Err     error
}

// UnknownSourcePayload reports a datagram from an address no station owns.
type UnknownSourcePayload struct {
	Source string
	Length int
}

// TransportErrorPayload reports a failed control packet send.
type TransportErrorPayload struct {
	Station  protocol.AllianceStation
	Sequence uint16
	Err      error
}

// AssignmentPayload is used for both station assigned and released events.
type AssignmentPayload struct {
	Station protocol.AllianceStation
	Team    uint16
}

// FieldEstopPayload is emitted on every field e-stop edge.
type FieldEstopPayload struct {
	Asserted bool
	Reason   string
}

// MatchStatePayload is emitted on every match phase change.
type MatchStatePayload struct {
	Level       protocol.TournamentLevel
	MatchNumber uint16
	PlayNumber  uint8
	From        MatchPhase
	To          MatchPhase
	Reason      string
}

// LinkAlertPayload is raised by the health monitor.
type LinkAlertPayload struct {
	Station protocol.AllianceStation
	Title   string
	Message string
	Level   string // "info", "warning", "error"
}

// ConfigChangedPayload is emitted when configuration changes occur.
type ConfigChangedPayload struct {
	Section string
	Key     string
	Value   interface{}
}
