package knock

import "errors"

var (
	// ErrEmptySequence is returned when normalizing a sequence with no taps.
	ErrEmptySequence = errors.New("knock: empty sequence")

	// ErrOutOfOrder is returned when a timestamp is earlier than the one before it.
	ErrOutOfOrder = errors.New("knock: timestamps out of order")

	// ErrClosed is returned when tapping a session that has been closed.
	ErrClosed = errors.New("knock: session closed")

	// ErrInvalidDelay is returned for a non-positive inactivity delay.
	ErrInvalidDelay = errors.New("knock: delay must be positive")

	// ErrInvalidThreshold is returned for a non-positive comparison threshold.
	ErrInvalidThreshold = errors.New("knock: threshold must be positive")

	// ErrInvalidAllowedErrors is returned for a negative allowed error count.
	ErrInvalidAllowedErrors = errors.New("knock: allowed errors must not be negative")

	// ErrUnknownPreset is returned by PresetThreshold for an unrecognized name.
	ErrUnknownPreset = errors.New("knock: unknown threshold preset")
)
