package kephaslink

import "errors"

// Errors reported by the socket core and the transports. Callers branch on
// them with errors.Is; the transports map them to HTTP status codes.
var (
	// ErrSocketNotFound is returned when a request references a connection
	// identifier that is not present in the registry.
	ErrSocketNotFound = errors.New("socket id not found")

	// ErrSocketClosed is returned by Send and by inbound submission after
	// the socket has been closed.
	ErrSocketClosed = errors.New("socket is closed")

	// ErrDuplicateSequence is returned when an inbound batch carries a
	// sequence number that was already buffered or already delivered. The
	// batch is rejected as a whole; the socket stays open.
	ErrDuplicateSequence = errors.New("duplicate inbound sequence")

	// ErrServerNameMismatch is returned when a request's host label
	// differs from the one recorded when the connection was opened.
	ErrServerNameMismatch = errors.New("server name mismatch")

	// ErrServerAlreadyRunning is returned by Start on a running server.
	ErrServerAlreadyRunning = errors.New("server already running")

	// ErrMessageTooLarge is returned for payloads over MaxEncodedLength.
	ErrMessageTooLarge = errors.New("message payload too large")

	// ErrUnknownMessageType is returned for an unrecognized wire type tag.
	ErrUnknownMessageType = errors.New("unknown message type")
)
