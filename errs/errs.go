// Package errs defines the error taxonomy shared by the event pipeline.
// Components wrap these sentinels so callers can classify failures with errors.Is.
package errs

import "errors"

var (
	// ErrTransientInfra marks a bus, store or send failure the caller may retry.
	ErrTransientInfra = errors.New("transient infrastructure error")

	// ErrInfraUnavailable is returned when the store connection could not be
	// established after the full retry sequence.
	ErrInfraUnavailable = errors.New("infrastructure unavailable")

	// ErrClosed is returned by clients used after Close.
	ErrClosed = errors.New("client is closed")

	// ErrMalformedEvent marks a payload that could not be decoded.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrValidation marks a decoded payload missing required fields.
	ErrValidation = errors.New("validation failed")
)
