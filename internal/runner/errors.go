package runner

import "errors"

// Runner errors.
var (
	// ErrWriteScript is returned when script source cannot be written to disk.
	ErrWriteScript = errors.New("failed to write script")

	// ErrInvalidFilename is returned when an uploaded name has no usable base name.
	ErrInvalidFilename = errors.New("invalid script filename")
)
