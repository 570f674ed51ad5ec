package machine

import "errors"

var (
	// ErrNotReady is returned when a command is issued before the link has
	// finished subscribing, or after it has been torn down.
	ErrNotReady = errors.New("machine link not ready")

	// ErrLinkLost is returned when the peripheral disconnected underneath
	// an in-flight operation.
	ErrLinkLost = errors.New("machine link lost")

	// ErrTimeout is returned when scanning or connecting exceeds its
	// deadline.
	ErrTimeout = errors.New("machine operation timed out")
)
