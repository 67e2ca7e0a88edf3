// Package protocol implements the binary wire formats exchanged between
// fieldlink and the driver stations: the UDP control packet pushed to every
// station, the UDP status packet each station reports back, and the small
// length-prefixed TCP frames used for the station handshake. All multi-byte
// fields are big-endian.
package protocol

import "fmt"

// ProtocolVersion is the only comm version this codec speaks, in both
// directions.
const ProtocolVersion byte = 0

// Fixed datagram sizes.
const (
	ControlPacketSize = 22
	StatusPacketSize  = 8
)

// Well-known driver station ports.
const (
	DSTCPListenPort  = 1750 // DS -> FMS handshake and session TCP link
	DSUDPSendPort    = 1121 // FMS -> DS control packets
	DSUDPReceivePort = 1160 // DS -> FMS status packets
)

// Control byte bits (FMS -> DS, byte 3).
const (
	ControlBitEstop   byte = 0x80
	ControlBitEnabled byte = 0x04
	ControlMaskMode   byte = 0x03
)

// Status byte bits (DS -> FMS, byte 3).
const (
	StatusBitEstop      byte = 0x80
	StatusBitRobotComms byte = 0x20
	StatusBitRadioPing  byte = 0x10
	StatusBitRioPing    byte = 0x08
	StatusBitEnabled    byte = 0x04
	StatusMaskMode      byte = 0x03
)

// TCP frame types for the station handshake.
const (
	FrameTeamID      byte = 0x18 // DS -> FMS: [team:2]
	FrameStationInfo byte = 0x19 // FMS -> DS: [station:1][status:1]
)

// StationStatus is the assignment verdict carried in a station info frame.
type StationStatus byte

const (
	StationStatusGood     StationStatus = 0
	StationStatusMismatch StationStatus = 1
	StationStatusWaiting  StationStatus = 2
)

func (s StationStatus) String() string {
	switch s {
	case StationStatusGood:
		return "good"
	case StationStatusMismatch:
		return "mismatch"
	case StationStatusWaiting:
		return "waiting"
	}
	return fmt.Sprintf("status(%d)", byte(s))
}

// MaxFrameSize bounds a single TCP frame payload.
const MaxFrameSize = 4096

// LengthPrefixSize is the size of the TCP frame length prefix in bytes.
const LengthPrefixSize = 2
