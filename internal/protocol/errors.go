package protocol

import "errors"

var (
	// ErrInvalidStation is returned for an alliance station outside Red/Blue 1..3.
	ErrInvalidStation = errors.New("invalid alliance station")

	// ErrTooShort is returned when a datagram is shorter than its fixed size.
	ErrTooShort = errors.New("packet too short")

	// ErrUnsupportedVersion is returned when the version byte is not ProtocolVersion.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")

	// ErrUnexpectedFrame is returned when a TCP frame has the wrong type for its context.
	ErrUnexpectedFrame = errors.New("unexpected frame type")
)
