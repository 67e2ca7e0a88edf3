package protocol

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Mode is the robot operating mode carried in the low two control bits.
type Mode uint8

const (
	ModeTeleop Mode = 0
	ModeTest   Mode = 1
	ModeAuto   Mode = 2
)

// String returns the lowercase mode name.
func (m Mode) String() string {
	switch m {
	case ModeTeleop:
		return "teleop"
	case ModeTest:
		return "test"
	case ModeAuto:
		return "auto"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode parses "teleop", "test" or "auto".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "teleop", "":
		return ModeTeleop, nil
	case "test":
		return ModeTest, nil
	case "auto", "autonomous":
		return ModeAuto, nil
	default:
		return 0, fmt.Errorf("unknown mode %q", s)
	}
}

// MarshalText encodes the mode by name.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText decodes a mode name.
func (m *Mode) UnmarshalText(text []byte) error {
	v, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// TournamentLevel is the match type code (control byte 6).
type TournamentLevel uint8

const (
	LevelTest          TournamentLevel = 0
	LevelPractice      TournamentLevel = 1
	LevelQualification TournamentLevel = 2
	LevelPlayoff       TournamentLevel = 3
)

// String returns the lowercase level name.
func (l TournamentLevel) String() string {
	switch l {
	case LevelTest:
		return "test"
	case LevelPractice:
		return "practice"
	case LevelQualification:
		return "qualification"
	case LevelPlayoff:
		return "playoff"
	default:
		return fmt.Sprintf("level(%d)", uint8(l))
	}
}

// ParseTournamentLevel parses a level name.
func ParseTournamentLevel(s string) (TournamentLevel, error) {
	switch s {
	case "test", "":
		return LevelTest, nil
	case "practice":
		return LevelPractice, nil
	case "qualification", "qual":
		return LevelQualification, nil
	case "playoff", "elimination":
		return LevelPlayoff, nil
	default:
		return 0, fmt.Errorf("unknown tournament level %q", s)
	}
}

// MarshalText encodes the level by name.
func (l TournamentLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText decodes a level name.
func (l *TournamentLevel) UnmarshalText(text []byte) error {
	v, err := ParseTournamentLevel(string(text))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// ControlState is the desired robot state for one station.
type ControlState struct {
	Estop   bool `json:"estop"`
	Enabled bool `json:"enabled"`
	Mode    Mode `json:"mode"`
}

// ControlByte packs the state into the wire control byte. An e-stop always
// clears the enabled bit.
func (c ControlState) ControlByte() byte {
	var b byte
	if c.Estop {
		b |= ControlBitEstop
	} else if c.Enabled {
		b |= ControlBitEnabled
	}
	return b | (byte(c.Mode) & ControlMaskMode)
}

// MatchContext is the per-tick snapshot shared by every station's encode.
type MatchContext struct {
	Level            TournamentLevel `json:"tournament_level"`
	MatchNumber      uint16          `json:"match_number"`
	PlayNumber       uint8           `json:"play_number"`
	RemainingSeconds uint16          `json:"remaining_seconds"`
	Timestamp        time.Time       `json:"timestamp"`
}

// EncodeControl builds the 22-byte control packet. It only fails for a
// station that does not map to a wire index 0..5.
func EncodeControl(seq uint16, match MatchContext, station AllianceStation, control ControlState) ([ControlPacketSize]byte, error) {
	var pkt [ControlPacketSize]byte

	if !station.Valid() || station.Index() >= StationCount {
		return pkt, fmt.Errorf("%w: %d/%d", ErrInvalidStation, station.Alliance, station.Slot)
	}

	ts := match.Timestamp

	b := NewPacketBuilder(ControlPacketSize)
	b.WriteUint16(seq).
		WriteByte(ProtocolVersion).
		WriteByte(control.ControlByte()).
		WriteByte(0). // request byte
		WriteByte(station.Index()).
		WriteByte(byte(match.Level)).
		WriteUint16(match.MatchNumber).
		WriteByte(match.PlayNumber).
		WriteUint32(uint32(ts.Nanosecond() / 1000)).
		WriteByte(byte(ts.Second())).
		WriteByte(byte(ts.Minute())).
		WriteByte(byte(ts.Hour())).
		WriteByte(byte(ts.Day())).
		WriteByte(byte(ts.Month())).
		WriteByte(byte(ts.Year() - 1900)).
		WriteUint16(match.RemainingSeconds)

	copy(pkt[:], b.Build())
	return pkt, nil
}

// ControlPacket is the decoded form of a control datagram.
type ControlPacket struct {
	Sequence         uint16
	Version          byte
	Control          ControlState
	Request          byte
	Station          AllianceStation
	Level            TournamentLevel
	MatchNumber      uint16
	PlayNumber       uint8
	Microseconds     uint32
	Second           uint8
	Minute           uint8
	Hour             uint8
	Day              uint8
	Month            uint8
	YearOffset       uint8
	RemainingSeconds uint16
}

// Time reassembles the wall-clock fields in the given location.
func (p ControlPacket) Time(loc *time.Location) time.Time {
	return time.Date(1900+int(p.YearOffset), time.Month(p.Month), int(p.Day),
		int(p.Hour), int(p.Minute), int(p.Second), int(p.Microseconds)*1000, loc)
}

// DecodeControl parses a control datagram. It is the inverse of
// EncodeControl and is used by the station simulator.
func DecodeControl(data []byte) (ControlPacket, error) {
	if len(data) < ControlPacketSize {
		return ControlPacket{}, fmt.Errorf("%w: control packet has %d bytes, need %d",
			ErrTooShort, len(data), ControlPacketSize)
	}
	if data[2] != ProtocolVersion {
		return ControlPacket{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, data[2])
	}

	station, err := StationFromIndex(data[5])
	if err != nil {
		return ControlPacket{}, err
	}

	cb := data[3]
	return ControlPacket{
		Sequence: binary.BigEndian.Uint16(data[0:2]),
		Version:  data[2],
		Control: ControlState{
			Estop:   cb&ControlBitEstop != 0,
			Enabled: cb&ControlBitEnabled != 0,
			Mode:    Mode(cb & ControlMaskMode),
		},
		Request:          data[4],
		Station:          station,
		Level:            TournamentLevel(data[6]),
		MatchNumber:      binary.BigEndian.Uint16(data[7:9]),
		PlayNumber:       data[9],
		Microseconds:     binary.BigEndian.Uint32(data[10:14]),
		Second:           data[14],
		Minute:           data[15],
		Hour:             data[16],
		Day:              data[17],
		Month:            data[18],
		YearOffset:       data[19],
		RemainingSeconds: binary.BigEndian.Uint16(data[20:22]),
	}, nil
}
