// Package worlderr defines the error taxonomy shared by the world store and
// the fork/search engines. Callers classify failures with errors.Is; every
// error carries detail via wrapping, never via custom types.
package worlderr

import "errors"

var (
	// ErrNotFound indicates a referenced world or entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument indicates a malformed request: empty required field,
	// wrong embedding length, or an unknown entity kind.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrStorageFailure indicates a transient storage error. The whole
	// operation is safe to retry from scratch; nothing partial was committed.
	ErrStorageFailure = errors.New("storage failure")

	// ErrIntegrityViolation indicates a dependent row referencing a missing or
	// mismatched-world parent. This is a bug signal and is never swallowed.
	ErrIntegrityViolation = errors.New("integrity violation")
)

// IsNotFound reports whether err classifies as ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInvalidArgument reports whether err classifies as ErrInvalidArgument.
func IsInvalidArgument(err error) bool { return errors.Is(err, ErrInvalidArgument) }
