// Package errdefs defines the error classes surfaced by the upscaler.
//
// Every error returned by the pipeline wraps exactly one of the sentinels below,
// so callers can branch with errors.Is regardless of how much context was added
// on the way up.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration reports an unsupported scale or weights that do not match
	// the network topology.
	ErrConfiguration = errors.New("configuration error")

	// ErrGeometry reports padding or patch parameters that cannot be applied to
	// the given image.
	ErrGeometry = errors.New("geometry error")

	// ErrResource reports an unreachable weight source or an unreadable image.
	ErrResource = errors.New("resource error")
)

// Configuration returns a formatted error wrapping ErrConfiguration.
func Configuration(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// Geometry returns a formatted error wrapping ErrGeometry.
func Geometry(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrGeometry, fmt.Sprintf(format, args...))
}

// Resource wraps cause as an ErrResource. cause may be nil.
func Resource(cause error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if cause == nil {
		return fmt.Errorf("%w: %s", ErrResource, msg)
	}
	return fmt.Errorf("%w: %s: %w", ErrResource, msg, cause)
}
