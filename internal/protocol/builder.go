package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// PacketBuilder constructs big-endian binary packets.
type PacketBuilder struct {
	buf bytes.Buffer
}

// NewPacketBuilder creates a new PacketBuilder with room for size bytes.
func NewPacketBuilder(size int) *PacketBuilder {
	b := &PacketBuilder{}
	b.buf.Grow(size)
	return b
}

// Reset clears the builder for reuse.
func (b *PacketBuilder) Reset() {
	b.buf.Reset()
}

// WriteByte writes a single byte.
func (b *PacketBuilder) WriteByte(v byte) *PacketBuilder {
	b.buf.WriteByte(v)
	return b
}

// WriteBool writes 1 for true and 0 for false.
func (b *PacketBuilder) WriteBool(v bool) *PacketBuilder {
	if v {
		return b.WriteByte(1)
	}
	return b.WriteByte(0)
}

// WriteUint16 writes a uint16 in big-endian order.
func (b *PacketBuilder) WriteUint16(v uint16) *PacketBuilder {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	b.buf.Write(tmp[:])
	return b
}

// WriteUint32 writes a uint32 in big-endian order.
func (b *PacketBuilder) WriteUint32(v uint32) *PacketBuilder {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.buf.Write(tmp[:])
	return b
}

// WriteBytes writes raw bytes.
func (b *PacketBuilder) WriteBytes(data []byte) *PacketBuilder {
	b.buf.Write(data)
	return b
}

// Build returns the constructed packet bytes.
func (b *PacketBuilder) Build() []byte {
	return b.buf.Bytes()
}

// BuildFrame returns the packet with a 2-byte big-endian length prefix.
func (b *PacketBuilder) BuildFrame() []byte {
	data := b.buf.Bytes()
	result := make([]byte, LengthPrefixSize+len(data))
	binary.BigEndian.PutUint16(result[:LengthPrefixSize], uint16(len(data)))
	copy(result[LengthPrefixSize:], data)
	return result
}

// Len returns the current size of the packet being built.
func (b *PacketBuilder) Len() int {
	return b.buf.Len()
}

// String returns a hex dump of the current packet for debugging.
func (b *PacketBuilder) String() string {
	data := b.buf.Bytes()
	return fmt.Sprintf("PacketBuilder[%d bytes]: %x", len(data), data)
}

// ReadFrame reads a single length-prefixed TCP frame.
// Frame format: [2-byte BE length][type:1][payload...]
// Returns the frame body (type byte first, prefix stripped).
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("failed to read frame length: %w", err)
	}

	length := binary.BigEndian.Uint16(prefix[:])
	if length == 0 {
		return nil, fmt.Errorf("received zero-length frame")
	}
	if length > MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes (max %d)", length, MaxFrameSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("failed to read frame body (%d bytes): %w", length, err)
	}
	return body, nil
}

// WriteFrame writes a length-prefixed TCP frame.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes (max %d)", len(body), MaxFrameSize)
	}
	var prefix [LengthPrefixSize]byte
	binary.BigEndian.PutUint16(prefix[:], uint16(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("failed to write frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("failed to write frame body: %w", err)
	}
	return nil
}

// BuildTeamID creates the DS -> FMS team id frame body.
func BuildTeamID(team uint16) []byte {
	return NewPacketBuilder(3).
		WriteByte(FrameTeamID).
		WriteUint16(team).
		Build()
}

// ParseTeamID extracts the team number from a team id frame body.
func ParseTeamID(body []byte) (uint16, error) {
	if len(body) < 1 || body[0] != FrameTeamID {
		return 0, fmt.Errorf("%w: want 0x%02X", ErrUnexpectedFrame, FrameTeamID)
	}
	if len(body) < 3 {
		return 0, fmt.Errorf("%w: team id frame has %d bytes, need 3", ErrTooShort, len(body))
	}
	return binary.BigEndian.Uint16(body[1:3]), nil
}

// BuildStationInfo creates the FMS -> DS station info frame body.
func BuildStationInfo(station AllianceStation, status StationStatus) []byte {
	return NewPacketBuilder(3).
		WriteByte(FrameStationInfo).
		WriteByte(station.Index()).
		WriteByte(byte(status)).
		Build()
}

// ParseStationInfo decodes a station info frame body.
func ParseStationInfo(body []byte) (AllianceStation, StationStatus, error) {
	if len(body) < 1 || body[0] != FrameStationInfo {
		return AllianceStation{}, 0, fmt.Errorf("%w: want 0x%02X", ErrUnexpectedFrame, FrameStationInfo)
	}
	if len(body) < 3 {
		return AllianceStation{}, 0, fmt.Errorf("%w: station info frame has %d bytes, need 3", ErrTooShort, len(body))
	}
	station, err := StationFromIndex(body[1])
	if err != nil {
		return AllianceStation{}, 0, err
	}
	return station, StationStatus(body[2]), nil
}
