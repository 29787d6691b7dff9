package types

import (
	"errors"
)

var (
	// ErrFetch is transient, the next tick retries.
	ErrFetch = errors.New("fetch failed")
	// ErrMalformedDatabase rejects the database for the whole cycle.
	ErrMalformedDatabase = errors.New("malformed database")
	// ErrEmptyCompilation means no table entries resulted from the policy.
	ErrEmptyCompilation = errors.New("empty compilation")
	// ErrTableWrite is returned after the applied operations were rolled back.
	ErrTableWrite = errors.New("table write failed")
	// ErrAttachment is fatal to the process.
	ErrAttachment = errors.New("attachment failed")
	// ErrStaleGeneration rejects a rule set older than the enforced one.
	ErrStaleGeneration = errors.New("stale generation")
)

// ErrorKind returns a short label for metrics and history.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrFetch):
		return "fetch"
	case errors.Is(err, ErrMalformedDatabase):
		return "malformed_database"
	case errors.Is(err, ErrEmptyCompilation):
		return "empty_compilation"
	case errors.Is(err, ErrTableWrite):
		return "table_write"
	case errors.Is(err, ErrAttachment):
		return "attachment"
	case errors.Is(err, ErrStaleGeneration):
		return "stale_generation"
	default:
		return "other"
	}
}
