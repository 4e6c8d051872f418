package workitems

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by adapters. Callers match with errors.Is; backends
// wrap them with context using fmt.Errorf and %w.
var (
	// ErrEmptyQueue means there is no PENDING item to reserve. Expected
	// during normal operation and never retried.
	ErrEmptyQueue = errors.New("no pending work items")

	// ErrNotFound means the referenced id exists in neither the input nor
	// the output queue.
	ErrNotFound = errors.New("work item not found")

	// ErrFileNotFound means the named attachment is not present.
	ErrFileNotFound = errors.New("file not found")

	// ErrFileExists means the named attachment is already present.
	ErrFileExists = errors.New("file already exists")

	// ErrInvalidArgument means the call violates the contract: bad
	// filename, oversize content, non-JSON payload, unsupported release
	// state, or a FAILED release without an exception message.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrDuplicateCallID means a seed's callid collided with an existing
	// item on a backend that enforces callid uniqueness.
	ErrDuplicateCallID = errors.New("duplicate callid")

	// ErrPoolExhausted means no connection slot was available. Surfaced
	// without local retry.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrSchemaVersionMismatch means the persisted schema is newer than
	// this build understands. Fatal.
	ErrSchemaVersionMismatch = errors.New("schema version mismatch")
)

// TransientError marks a backend failure that may succeed if retried:
// lock contention, a dropped connection, a server-selection timeout.
// WithRetry absorbs these for its attempt budget.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: backend temporarily unavailable: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError for the named operation.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is, or wraps, a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
