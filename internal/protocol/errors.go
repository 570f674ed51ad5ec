package protocol

import "errors"

// Error taxonomy for the codec. Callers match with errors.Is; the concrete
// message carries the offending field and value.
var (
	// ErrDecode marks an incoming frame that is too short or garbled.
	// Telemetry decode errors are dropped and logged, never fatal.
	ErrDecode = errors.New("frame decode failed")

	// ErrInvalidParameter marks a command input outside its valid range.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrOutOfHardwareRange marks a value beyond a documented hardware
	// ceiling. Never silently clamped: the user asked for something the
	// machine cannot do.
	ErrOutOfHardwareRange = errors.New("exceeds hardware range")
)
