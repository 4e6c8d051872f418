package workitems

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	// MaxFileSize is the hard cap on a single attachment (100 MB).
	MaxFileSize = 104_857_600

	// MaxFilenameLength is the byte cap on an attachment name.
	MaxFilenameLength = 255

	// DefaultFileSizeThreshold splits inline from external file storage.
	DefaultFileSizeThreshold = 1_000_000

	// ItemTTL is how long backends with an expiry policy retain items.
	ItemTTL = 7 * 24 * time.Hour

	// ExceptionTTL bounds how long the KV backend retains exception
	// details after a FAILED release.
	ExceptionTTL = 24 * time.Hour

	// DefaultOrphanTimeout is how long an item may sit RESERVED before
	// recovery returns it to PENDING.
	DefaultOrphanTimeout = 30 * time.Minute
)

// OutputQueue derives the output queue name for an input queue. The two
// queues are physically separate; outputs are never consumed by ReserveInput
// on the input queue.
func OutputQueue(queue string) string {
	return queue + "_output"
}

// ValidateFilename enforces the cross-backend attachment naming policy:
// non-empty, no path separators, at most MaxFilenameLength bytes.
func ValidateFilename(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty filename", ErrInvalidArgument)
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: filename %q contains a path separator", ErrInvalidArgument, name)
	}
	if len(name) > MaxFilenameLength {
		return fmt.Errorf("%w: filename exceeds %d bytes: %d", ErrInvalidArgument, MaxFilenameLength, len(name))
	}
	return nil
}

// ValidateFileSize enforces the attachment size cap.
func ValidateFileSize(size int64) error {
	if size > MaxFileSize {
		return fmt.Errorf("%w: file exceeds %d bytes: %d", ErrInvalidArgument, MaxFileSize, size)
	}
	return nil
}

// NormalizePayload validates that payload is well-formed JSON and maps a
// nil or empty payload to the canonical empty object.
func NormalizePayload(payload json.RawMessage) (json.RawMessage, error) {
	if len(payload) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidArgument)
	}
	return payload, nil
}
