package gateway

import "errors"

var (
	// ErrInboundFull is returned by Push and SendMyself when the inbound
	// queue has no room. The message is not queued.
	ErrInboundFull = errors.New("gateway: inbound queue full")

	// ErrUnknownType is returned when decoding a message with an
	// unrecognised "type" tag.
	ErrUnknownType = errors.New("gateway: unknown message type")

	// ErrMalformed is returned for JSON that is not a valid message.
	ErrMalformed = errors.New("gateway: malformed message")
)
