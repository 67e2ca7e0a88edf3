package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// InboundStatus is one decoded DS -> FMS status datagram.
type InboundStatus struct {
	Sequence         uint16  `json:"sequence"`
	RobotCommsActive bool    `json:"robot_comms_active"`
	RadioPing        bool    `json:"radio_ping"`
	RioPing          bool    `json:"rio_ping"`
	EstopReported    bool    `json:"estop_reported"`
	EnabledReported  bool    `json:"enabled_reported"`
	ModeReported     Mode    `json:"mode_reported"`
	BatteryVoltage   float64 `json:"battery_voltage"`
	TeamNumber       uint16  `json:"team_number"`
}

// DecodeStatus parses a status datagram. Length and version are the only
// checks: any bit combination is passed through literally.
func DecodeStatus(data []byte) (InboundStatus, error) {
	if len(data) < StatusPacketSize {
		return InboundStatus{}, fmt.Errorf("%w: status packet has %d bytes, need %d",
			ErrTooShort, len(data), StatusPacketSize)
	}
	if data[2] != ProtocolVersion {
		return InboundStatus{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, data[2])
	}

	sb := data[3]
	return InboundStatus{
		Sequence:         binary.BigEndian.Uint16(data[0:2]),
		EstopReported:    sb&StatusBitEstop != 0,
		RobotCommsActive: sb&StatusBitRobotComms != 0,
		RadioPing:        sb&StatusBitRadioPing != 0,
		RioPing:          sb&StatusBitRioPing != 0,
		EnabledReported:  sb&StatusBitEnabled != 0,
		ModeReported:     Mode(sb & StatusMaskMode),
		TeamNumber:       binary.BigEndian.Uint16(data[4:6]),
		BatteryVoltage:   DecodeBattery(data[6], data[7]),
	}, nil
}

// EncodeStatus builds a status datagram, as a driver station would.
func EncodeStatus(s InboundStatus) [StatusPacketSize]byte {
	var sb byte
	if s.EstopReported {
		sb |= StatusBitEstop
	}
	if s.RobotCommsActive {
		sb |= StatusBitRobotComms
	}
	if s.RadioPing {
		sb |= StatusBitRadioPing
	}
	if s.RioPing {
		sb |= StatusBitRioPing
	}
	if s.EnabledReported {
		sb |= StatusBitEnabled
	}
	sb |= byte(s.ModeReported) & StatusMaskMode

	whole, frac := EncodeBattery(s.BatteryVoltage)

	var pkt [StatusPacketSize]byte
	copy(pkt[:], NewPacketBuilder(StatusPacketSize).
		WriteUint16(s.Sequence).
		WriteByte(ProtocolVersion).
		WriteByte(sb).
		WriteUint16(s.TeamNumber).
		WriteByte(whole).
		WriteByte(frac).
		Build())
	return pkt
}

// DecodeBattery reconstructs volts from the fixed-point pair
// (integer part, 1/256 fraction).
func DecodeBattery(whole, frac byte) float64 {
	return float64(whole) + float64(frac)/256
}

// EncodeBattery splits volts into the fixed-point pair, truncating below
// 1/256 V and clamping to the representable range.
func EncodeBattery(volts float64) (byte, byte) {
	if volts <= 0 || math.IsNaN(volts) {
		return 0, 0
	}
	if volts >= 255+255.0/256 {
		return 255, 255
	}
	whole := math.Floor(volts)
	frac := math.Floor((volts - whole) * 256)
	return byte(whole), byte(frac)
}
