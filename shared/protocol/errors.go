package protocol

import "errors"

var (
	// ErrInvalidEnvelope covers structural problems: unknown type, missing
	// id/timestamp, empty payload where one is required.
	ErrInvalidEnvelope = errors.New("protocol: invalid envelope")

	// ErrClockSkew is returned when an envelope's timestamp is further than
	// MaxClockSkew from the receiver's clock.
	ErrClockSkew = errors.New("protocol: clock skew exceeds limit")

	// ErrTooLarge is returned when a raw frame exceeds MaxEnvelopeBytes.
	ErrTooLarge = errors.New("protocol: envelope exceeds maximum size")

	// ErrUnknownAlgorithm is returned by Compress/Decompress for an Algorithm
	// outside the closed set.
	ErrUnknownAlgorithm = errors.New("protocol: unknown compression algorithm")
)
