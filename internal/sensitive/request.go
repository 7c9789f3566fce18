// Package sensitive models the OTP-gated change workflow for protected
// profile fields.
package sensitive

import (
	"strings"
	"time"

	"github.com/tranvu/hrmledger/internal/employee/event"
)

// Status is the lifecycle state of a sensitive change request.
type Status string

// Request lifecycle. Requested and Verified are in-flight; the rest are
// terminal.
const (
	StatusRequested Status = "Requested"
	StatusVerified  Status = "Verified"
	StatusApproved  Status = "Approved"
	StatusRejected  Status = "Rejected"
	StatusExpired   Status = "Expired"
)

// InFlight reports whether a request in this status still blocks new
// requests for the same employee.
func (s Status) InFlight() bool {
	return s == StatusRequested || s == StatusVerified
}

// Terminal reports whether the status admits no further transition.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusExpired
}

// Request is a pending or settled change to sensitive profile fields. The
// request row is workflow state only; the journal stays authoritative for
// field values.
type Request struct {
	ID          string
	EmployeeID  int64
	RequestedBy int64
	Status      Status
	Changes     map[string]event.FieldDelta

	// OTPHash is the keyed hash of the active code. The plaintext code is
	// never stored.
	OTPHash      string
	OTPExpiresAt time.Time
	AttemptCount int

	// Deadline is when an undecided request lapses to Expired.
	Deadline time.Time

	VerifiedAt time.Time
	DecidedBy  int64
	DecidedAt  time.Time
	Reason     string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// LapsedAt reports whether the request's decision deadline has passed.
func (r Request) LapsedAt(now time.Time) bool {
	return r.Status.InFlight() && !r.Deadline.IsZero() && now.After(r.Deadline)
}

// EscalationHint names an employee who could approve a request the caller
// cannot.
type EscalationHint struct {
	EmployeeID int64  `json:"employeeId"`
	Name       string `json:"name"`
	Role       string `json:"role"`
}

// SensitiveFields lists the profile fields whose changes require the
// verified and approved workflow.
var SensitiveFields = map[string]bool{
	event.FieldFirstName:         true,
	event.FieldLastName:          true,
	event.FieldTaxID:             true,
	event.FieldBankAccountNumber: true,
}

// IsSensitiveField reports whether the named field is workflow-protected.
func IsSensitiveField(name string) bool {
	return SensitiveFields[name]
}

// Mask obscures a sensitive value for display, keeping at most the last
// four characters visible. Short values are fully masked.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	runes := []rune(value)
	if len(runes) <= 4 {
		return strings.Repeat("*", len(runes))
	}
	return strings.Repeat("*", len(runes)-4) + string(runes[len(runes)-4:])
}

// MaskChanges returns a copy of the deltas with both sides masked.
func MaskChanges(changes map[string]event.FieldDelta) map[string]event.FieldDelta {
	if changes == nil {
		return nil
	}
	out := make(map[string]event.FieldDelta, len(changes))
	for field, delta := range changes {
		out[field] = event.FieldDelta{Old: Mask(delta.Old), New: Mask(delta.New)}
	}
	return out
}
