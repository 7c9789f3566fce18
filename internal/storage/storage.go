// Package storage defines persistence contracts for the employee journal and
// the sensitive change workflow.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/tranvu/hrmledger/internal/employee/event"
	"github.com/tranvu/hrmledger/internal/sensitive"
)

// Sentinel errors shared by storage implementations.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrVersionConflict indicates an append lost the optimistic concurrency
	// check against the aggregate's current version.
	ErrVersionConflict = errors.New("storage: version conflict")
	// ErrStatusConflict indicates a request status transition lost its
	// compare-and-swap guard.
	ErrStatusConflict = errors.New("storage: status conflict")
	// ErrActiveRequest indicates the employee already has an in-flight
	// sensitive change request.
	ErrActiveRequest = errors.New("storage: active request exists")
	// ErrAttemptsExhausted indicates the request has no verification
	// attempts left.
	ErrAttemptsExhausted = errors.New("storage: attempts exhausted")
)

// EventStore appends and reads the per-aggregate event journal.
type EventStore interface {
	// AppendEvent writes e as the next event of its aggregate. The append
	// succeeds only when the aggregate's current version equals
	// expectedVersion; otherwise ErrVersionConflict is returned. On success
	// the stored event is returned with EventID and Version assigned.
	AppendEvent(ctx context.Context, e event.Event, expectedVersion uint64) (event.Event, error)

	// ListEvents returns the aggregate's events ordered by version. A
	// non-zero upToVersion bounds the read to events at or below it.
	ListEvents(ctx context.Context, aggregateID int64, upToVersion uint64) ([]event.Event, error)

	// CurrentVersion returns the aggregate's latest version, zero when the
	// aggregate has no events.
	CurrentVersion(ctx context.Context, aggregateID int64) (uint64, error)
}

// RequestStore persists sensitive change requests. Every status transition
// is a compare-and-swap on the stored status; callers losing the swap get
// ErrStatusConflict and must treat the request as already processed.
type RequestStore interface {
	// CreateRequest inserts a new request in StatusRequested. It returns
	// ErrActiveRequest when the employee already has an in-flight request.
	CreateRequest(ctx context.Context, r sensitive.Request) error

	// GetRequest loads a request by id.
	GetRequest(ctx context.Context, id string) (sensitive.Request, error)

	// FindActiveRequest returns the employee's in-flight request, or
	// ErrNotFound when none exists.
	FindActiveRequest(ctx context.Context, employeeID int64) (sensitive.Request, error)

	// ListRequests returns requests filtered by status, newest first.
	// An empty status returns all requests.
	ListRequests(ctx context.Context, status sensitive.Status) ([]sensitive.Request, error)

	// MarkVerified moves the request from Requested to Verified, clears the
	// stored code hash, and appends evt to the journal in the same
	// transaction. The status swap and the append commit together: a lost
	// status swap returns ErrStatusConflict, a lost version check returns
	// ErrVersionConflict, and either rolls back both writes.
	MarkVerified(ctx context.Context, id string, at time.Time, evt event.Event, expectedVersion uint64) error

	// MarkExpired lapses an in-flight request, guarded on its current status.
	MarkExpired(ctx context.Context, id string, from sensitive.Status, at time.Time) error

	// Decide settles a Verified request as Approved or Rejected and appends
	// evt to the journal in the same transaction, with the same conflict
	// contract as MarkVerified.
	Decide(ctx context.Context, id string, to sensitive.Status, approverID int64, reason string, at time.Time, evt event.Event, expectedVersion uint64) error

	// IncrementAttempts atomically bumps the attempt counter of a Requested
	// request while it is below max, returning the new count. When the
	// counter is already at max it returns ErrAttemptsExhausted without
	// changing the row.
	IncrementAttempts(ctx context.Context, id string, max int, at time.Time) (int, error)

	// ResetOTP installs a fresh code hash and expiry on a Requested request
	// and zeroes its attempt counter.
	ResetOTP(ctx context.Context, id string, hash string, expiresAt, at time.Time) error
}

// Store combines the journal and workflow stores behind one handle.
type Store interface {
	EventStore
	RequestStore

	// Close releases the underlying database handle.
	Close() error
}
