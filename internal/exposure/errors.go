package exposure

import "errors"

var (
	// ErrInvalidBounds is returned by New when the hardware reports min > max.
	ErrInvalidBounds = errors.New("exposure: invalid bounds")

	// ErrExposureNotWritable means the register is read-only (auto exposure
	// still on, or the node is locked). Fatal at configuration time.
	ErrExposureNotWritable = errors.New("exposure: register not writable")

	// ErrExposureOutOfRange means the hardware rejected a value. Fatal at
	// configuration time, recovered by clamping during Adjust.
	ErrExposureOutOfRange = errors.New("exposure: value out of range")

	// ErrBrightnessUnreachable means exposure is pinned at a bound while
	// brightness stays outside the dead-band. Non-fatal: log and keep going.
	ErrBrightnessUnreachable = errors.New("exposure: brightness target unreachable")
)
