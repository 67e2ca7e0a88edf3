// Package field implements the FMS side of the driver station link: one
// StationSession per alliance station and a LinkSupervisor that drives
// them at the send cadence.
package field

import (
	"errors"
	"time"
)

// Default link timing.
const (
	DefaultSendInterval    = 20 * time.Millisecond
	DefaultDegradedTimeout = 1 * time.Second
	DefaultLostTimeout     = 5 * time.Second
	DefaultMissedThreshold = 3
)

var (
	// ErrUnknownStation is returned for operations on a station with no session.
	ErrUnknownStation = errors.New("no session for station")
	// ErrTeamMismatch marks a status datagram whose team number differs
	// from the team assigned to the station.
	ErrTeamMismatch = errors.New("team number does not match assignment")
)

// Timing holds the cadence and timeouts every session uses.
type Timing struct {
	SendInterval    time.Duration
	DegradedTimeout time.Duration
	LostTimeout     time.Duration
	// MissedThreshold is the number of status datagrams missing in one gap
	// that forces a Degraded classification.
	MissedThreshold int
}

// DefaultTiming returns the standard 20 ms / 1 s / 5 s timing.
func DefaultTiming() Timing {
	return Timing{
		SendInterval:    DefaultSendInterval,
		DegradedTimeout: DefaultDegradedTimeout,
		LostTimeout:     DefaultLostTimeout,
		MissedThreshold: DefaultMissedThreshold,
	}
}

// withDefaults fills zero fields and keeps the loss timeout beyond the
// degraded timeout.
func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	if t.SendInterval <= 0 {
		t.SendInterval = d.SendInterval
	}
	if t.DegradedTimeout <= 0 {
		t.DegradedTimeout = d.DegradedTimeout
	}
	if t.LostTimeout <= 0 {
		t.LostTimeout = d.LostTimeout
	}
	if t.LostTimeout < t.DegradedTimeout {
		t.LostTimeout = t.DegradedTimeout
	}
	if t.MissedThreshold <= 0 {
		t.MissedThreshold = d.MissedThreshold
	}
	return t
}

// newerSequence reports whether next is strictly newer than last in serial
// arithmetic mod 65536: a forward distance of 1..32767.
func newerSequence(last, next uint16) (bool, uint16) {
	d := next - last
	return d != 0 && d < 1<<15, d
}
