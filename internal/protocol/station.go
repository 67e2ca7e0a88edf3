package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Alliance is one side of the field.
type Alliance uint8

const (
	AllianceRed Alliance = iota
	AllianceBlue
)

// String returns "Red" or "Blue".
func (a Alliance) String() string {
	switch a {
	case AllianceRed:
		return "Red"
	case AllianceBlue:
		return "Blue"
	default:
		return "Unknown"
	}
}

// StationCount is the number of alliance stations on a field.
const StationCount = 6

// AllianceStation identifies one of the six driver station slots.
// The zero value is not a valid station; build one with NewAllianceStation.
type AllianceStation struct {
	Alliance Alliance
	Slot     uint8
}

// NewAllianceStation validates and builds a station. Slots outside 1..3 are
// rejected rather than wrapped so two robots can never alias to one wire slot.
func NewAllianceStation(alliance Alliance, slot uint8) (AllianceStation, error) {
	if alliance != AllianceRed && alliance != AllianceBlue {
		return AllianceStation{}, fmt.Errorf("%w: alliance %d", ErrInvalidStation, alliance)
	}
	if slot < 1 || slot > 3 {
		return AllianceStation{}, fmt.Errorf("%w: slot %d (must be 1-3)", ErrInvalidStation, slot)
	}
	return AllianceStation{Alliance: alliance, Slot: slot}, nil
}

// MustStation is NewAllianceStation for compile-time constants; it panics on
// an invalid slot and must not be used with runtime input.
func MustStation(alliance Alliance, slot uint8) AllianceStation {
	s, err := NewAllianceStation(alliance, slot)
	if err != nil {
		panic(err)
	}
	return s
}

// Valid reports whether the station is one of the six real slots.
func (s AllianceStation) Valid() bool {
	return (s.Alliance == AllianceRed || s.Alliance == AllianceBlue) && s.Slot >= 1 && s.Slot <= 3
}

// Index returns the wire station index: Red 0..2, Blue 3..5.
func (s AllianceStation) Index() uint8 {
	idx := (s.Slot - 1) % 3
	if s.Alliance == AllianceBlue {
		idx += 3
	}
	return idx
}

// String returns the display name, e.g. "Red 1".
func (s AllianceStation) String() string {
	return fmt.Sprintf("%s %d", s.Alliance, s.Slot)
}

// Code returns the short form used in config files and URLs, e.g. "R1".
func (s AllianceStation) Code() string {
	return fmt.Sprintf("%c%d", s.Alliance.String()[0], s.Slot)
}

// MarshalText encodes the station as its short code.
func (s AllianceStation) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d/%d", ErrInvalidStation, s.Alliance, s.Slot)
	}
	return []byte(s.Code()), nil
}

// UnmarshalText accepts any form ParseAllianceStation accepts.
func (s *AllianceStation) UnmarshalText(text []byte) error {
	parsed, err := ParseAllianceStation(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// StationFromIndex maps a wire index 0..5 back to a station.
func StationFromIndex(idx uint8) (AllianceStation, error) {
	if idx >= StationCount {
		return AllianceStation{}, fmt.Errorf("%w: index %d", ErrInvalidStation, idx)
	}
	if idx < 3 {
		return AllianceStation{Alliance: AllianceRed, Slot: idx + 1}, nil
	}
	return AllianceStation{Alliance: AllianceBlue, Slot: idx - 2}, nil
}

// ParseAllianceStation accepts "R1", "b3", "red2", "Blue 1" and "blue-3".
func ParseAllianceStation(s string) (AllianceStation, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.NewReplacer(" ", "", "-", "", "_", "").Replace(v)
	if len(v) < 2 {
		return AllianceStation{}, fmt.Errorf("%w: %q", ErrInvalidStation, s)
	}

	var alliance Alliance
	var rest string
	switch {
	case strings.HasPrefix(v, "red"):
		alliance, rest = AllianceRed, v[3:]
	case strings.HasPrefix(v, "blue"):
		alliance, rest = AllianceBlue, v[4:]
	case v[0] == 'r':
		alliance, rest = AllianceRed, v[1:]
	case v[0] == 'b':
		alliance, rest = AllianceBlue, v[1:]
	default:
		return AllianceStation{}, fmt.Errorf("%w: %q", ErrInvalidStation, s)
	}

	slot, err := strconv.ParseUint(rest, 10, 8)
	if err != nil {
		return AllianceStation{}, fmt.Errorf("%w: %q", ErrInvalidStation, s)
	}
	return NewAllianceStation(alliance, uint8(slot))
}

// AllStations returns the six stations in wire index order.
func AllStations() []AllianceStation {
	out := make([]AllianceStation, 0, StationCount)
	for i := uint8(0); i < StationCount; i++ {
		st, _ := StationFromIndex(i)
		out = append(out, st)
	}
	return out
}
