// Package event defines the immutable facts recorded in the employee event journal.
package event

import (
	"strings"
	"time"
)

// Type identifies the type of an employee event.
type Type string

// Profile lifecycle events.
const (
	// TypeEmployeeCreated records the creation of an employee aggregate.
	TypeEmployeeCreated Type = "employee.created"
	// TypeProfileFieldsChanged records updates to basic profile fields.
	TypeProfileFieldsChanged Type = "employee.profile_fields_changed"
	// TypeEmergencyContactsReplaced records a full replacement of the emergency contact list.
	TypeEmergencyContactsReplaced Type = "employee.emergency_contacts_replaced"
)

// Sensitive change workflow events.
// Requested and Rejected are audit-only: they never mutate projected state.
const (
	// TypeSensitiveChangeRequested records that a verified change request entered HR review.
	TypeSensitiveChangeRequested Type = "sensitive_change.requested"
	// TypeSensitiveChangeApproved records an approved sensitive change; the only
	// point at which a sensitive field's authoritative value moves.
	TypeSensitiveChangeApproved Type = "sensitive_change.approved"
	// TypeSensitiveChangeRejected records a rejected sensitive change.
	TypeSensitiveChangeRejected Type = "sensitive_change.rejected"
)

// Event represents an immutable entry in the employee event journal.
type Event struct {
	// EventID is the journal-wide monotonic identity. Assigned by storage on append.
	EventID int64
	// AggregateID is the employee this event belongs to.
	AggregateID int64
	// Version is the event sequence within the aggregate (starts at 1, gap-free).
	// Assigned by storage on append.
	Version uint64
	// Type identifies the kind of event.
	Type Type
	// CreatedBy is the acting employee id, or zero for system-generated events.
	CreatedBy int64
	// CreatedAt is when the event occurred.
	CreatedAt time.Time
	// PayloadJSON holds event-specific data as JSON.
	PayloadJSON []byte
}

// IsValid reports whether the event type is usable.
func (t Type) IsValid() bool {
	return strings.TrimSpace(string(t)) != ""
}

// Domain returns the domain prefix of the event type (e.g., "employee", "sensitive_change").
func (t Type) Domain() string {
	for i, c := range t {
		if c == '.' {
			return string(t[:i])
		}
	}
	return string(t)
}
