// CLAUDE:SUMMARY Sentinel errors for the vigil service: not found, invalid input, quota exceeded.
package vigil

import "errors"

// ErrWatchNotFound is returned when a watch ID does not resolve.
var ErrWatchNotFound = errors.New("vigil: watch not found")

// ErrConfigNotFound is returned when a saved configuration ID does not resolve.
var ErrConfigNotFound = errors.New("vigil: saved configuration not found")

// ErrInvalidInput is returned when watch input fails validation.
var ErrInvalidInput = errors.New("vigil: invalid input")

// ErrQuotaExceeded is returned when a resource limit is reached.
var ErrQuotaExceeded = errors.New("vigil: quota exceeded")
