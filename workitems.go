// Package workitems coordinates distributed producer/consumer workers over a
// queue of discrete work items. Each item carries an opaque JSON payload, zero
// or more binary file attachments, a lifecycle state, parent lineage, and
// timing metadata.
//
// The package defines the Adapter contract and the policy shared by every
// backend; the backends themselves live under driver/sqlite (embedded,
// local/dev), driver/redis (horizontal scale), and driver/docdb (AWS-native
// DocumentDB deployments). Callers hold the Adapter interface and select an
// implementation at startup via the driver package.
package workitems

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// State is the lifecycle state of a work item. Legal transitions are
// PENDING → RESERVED → {COMPLETED, FAILED}, plus RESERVED → PENDING
// through orphan recovery.
type State string

const (
	StatePending   State = "PENDING"
	StateReserved  State = "RESERVED"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

// Terminal reports whether the state ends an item's lifecycle.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Exception captures why a work item failed. It is persisted with the item
// on a FAILED release, and Message is required in that case.
type Exception struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SeedFile is a file attached while seeding an input work item.
type SeedFile struct {
	Name    string
	Content []byte
}

// Seed describes an input work item to enqueue directly, bypassing the
// producer flow. It exists for seeding scripts and tests.
type Seed struct {
	// Payload is the item's JSON payload. Nil or empty normalizes to {}.
	Payload json.RawMessage
	// ParentID optionally records lineage from an existing item.
	ParentID string
	// Files are attached to the item after insertion.
	Files []SeedFile
	// CallID is an optional caller-supplied unique key. Backends that
	// support it reject a second seed with the same CallID with
	// ErrDuplicateCallID; other backends ignore it.
	CallID string
}

// Adapter is the contract implemented by every queue backend. All operations
// are synchronous and safe for concurrent use across goroutines, threads, and
// processes; every operation may block on backend I/O and is bounded by the
// backend's configured timeouts.
type Adapter interface {
	// ReserveInput atomically reserves the oldest PENDING item of the
	// input queue, transitioning it PENDING → RESERVED and stamping
	// reserved_at. No two concurrent calls ever return the same id.
	// Returns ErrEmptyQueue when nothing is pending.
	ReserveInput(ctx context.Context) (string, error)

	// ReleaseInput moves a RESERVED item to a terminal state and stamps
	// released_at. State must be StateCompleted or StateFailed, and a
	// FAILED release requires an Exception with a non-empty Message.
	// Releasing an unknown id is a logged no-op.
	ReleaseInput(ctx context.Context, itemID string, state State, exc *Exception) error

	// CreateOutput inserts a new PENDING item into the output queue with
	// the given parent lineage. Outputs are never returned by
	// ReserveInput on the input queue.
	CreateOutput(ctx context.Context, parentID string, payload json.RawMessage) (string, error)

	// SeedInput inserts a new PENDING item directly into the input queue.
	SeedInput(ctx context.Context, seed Seed) (string, error)

	// LoadPayload returns the item's JSON payload. The id is looked up in
	// the input queue first, then the output queue.
	LoadPayload(ctx context.Context, itemID string) (json.RawMessage, error)

	// SavePayload overwrites the item's JSON payload.
	SavePayload(ctx context.Context, itemID string, payload json.RawMessage) error

	// ListFiles returns the names of the item's file attachments.
	ListFiles(ctx context.Context, itemID string) ([]string, error)

	// GetFile returns the bytes of a named attachment.
	GetFile(ctx context.Context, itemID, name string) ([]byte, error)

	// AddFile attaches a file. Names must pass ValidateFilename, content
	// must pass ValidateFileSize, and an existing name is rejected with
	// ErrFileExists. Small content is stored inline with the item's
	// metadata; content above the configured threshold goes to the
	// backend's blob store or the filesystem.
	AddFile(ctx context.Context, itemID, name string, content []byte) error

	// RemoveFile detaches a file and deletes its blob if stored
	// externally.
	RemoveFile(ctx context.Context, itemID, name string) error

	// RecoverOrphanedWorkItems returns RESERVED items whose reserved_at is
	// older than the timeout to PENDING, clearing reserved_at, and reports
	// their ids. A zero timeout means the configured default.
	RecoverOrphanedWorkItems(ctx context.Context, timeout time.Duration) ([]string, error)

	// Close releases the backend's connections.
	Close() error
}

// ValidateRelease checks the state/exception pairing of a terminal release.
func ValidateRelease(state State, exc *Exception) error {
	if !state.Terminal() {
		return fmt.Errorf("%w: release state must be %s or %s, got %q",
			ErrInvalidArgument, StateCompleted, StateFailed, state)
	}
	if state == StateFailed && (exc == nil || exc.Message == "") {
		return fmt.Errorf("%w: exception message required when state=%s",
			ErrInvalidArgument, StateFailed)
	}
	return nil
}
