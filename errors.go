package httpcore

import "errors"

// Parse and wire-level errors, surfaced by drivers and the connection loop.
var (
	ErrBadRequest        = errors.New("httpcore: bad request")
	ErrHeaderTooLarge    = errors.New("httpcore: header too large")
	ErrBodyTooLarge      = errors.New("httpcore: body too large")
	ErrTimeout           = errors.New("httpcore: timeout")
	ErrProtocolViolation = errors.New("httpcore: protocol violation")
)

// Lifecycle and connection errors.
var (
	// ErrConfiguration is returned by Options.Validate and Lifecycle.Start
	// when the server cannot come up as configured (no vhosts, an invalid
	// option, a failed bind, an unknown user to drop privileges to).
	ErrConfiguration = errors.New("httpcore: configuration error")

	// ErrClientDisconnect marks an error that originated from the peer
	// going away rather than from a bug in the driver or the application.
	// It propagates into body emitters and into suspended backpressure
	// producers; handlers are never required to treat it as fatal.
	ErrClientDisconnect = errors.New("httpcore: client disconnected")

	// ErrShutdownTimeout is returned by Lifecycle.Stop when the drain
	// deadline elapses before every client and observer has settled.
	ErrShutdownTimeout = errors.New("httpcore: shutdown timed out")

	// ErrInvalidState is returned when a lifecycle method is invoked from
	// a state that does not permit it (e.g. Stop from STARTING).
	ErrInvalidState = errors.New("httpcore: invalid state transition")
)

