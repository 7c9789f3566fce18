package event

import (
	"encoding/json"
	"fmt"

	apperr "github.com/tranvu/hrmledger/internal/platform/errors"
)

// KnownType reports whether the event type is one this build understands.
// Unknown types are tolerated on read so older builds can replay journals
// written by newer ones.
func KnownType(t Type) bool {
	switch t {
	case TypeEmployeeCreated,
		TypeProfileFieldsChanged,
		TypeEmergencyContactsReplaced,
		TypeSensitiveChangeRequested,
		TypeSensitiveChangeApproved,
		TypeSensitiveChangeRejected:
		return true
	}
	return false
}

// Encode marshals a typed payload to the JSON stored alongside the event.
func Encode(payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// Decode unmarshals the event's payload into the typed struct for its type.
// It returns a corrupt-event error when the payload does not parse; callers
// replaying a journal must stop at that point.
func Decode(e Event) (any, error) {
	var (
		payload any
		err     error
	)

	switch e.Type {
	case TypeEmployeeCreated:
		var p EmployeeCreatedPayload
		err = json.Unmarshal(e.PayloadJSON, &p)
		payload = p
	case TypeProfileFieldsChanged:
		var p ProfileFieldsChangedPayload
		err = json.Unmarshal(e.PayloadJSON, &p)
		payload = p
	case TypeEmergencyContactsReplaced:
		var p EmergencyContactsReplacedPayload
		err = json.Unmarshal(e.PayloadJSON, &p)
		payload = p
	case TypeSensitiveChangeRequested:
		var p SensitiveChangeRequestedPayload
		err = json.Unmarshal(e.PayloadJSON, &p)
		payload = p
	case TypeSensitiveChangeApproved:
		var p SensitiveChangeApprovedPayload
		err = json.Unmarshal(e.PayloadJSON, &p)
		payload = p
	case TypeSensitiveChangeRejected:
		var p SensitiveChangeRejectedPayload
		err = json.Unmarshal(e.PayloadJSON, &p)
		payload = p
	default:
		return nil, apperr.WithMetadata(apperr.CodeCorruptEvent, "unknown event type", map[string]string{
			"event_type": string(e.Type),
		})
	}

	if err != nil {
		return nil, apperr.Wrap(apperr.CodeCorruptEvent, fmt.Sprintf("decode %s payload", e.Type), err)
	}
	return payload, nil
}

// ValidateForAppend checks that an event is well-formed before it is written.
func ValidateForAppend(e Event) error {
	if e.AggregateID <= 0 {
		return apperr.New(apperr.CodeValidation, "aggregate id is required")
	}
	if !e.Type.IsValid() {
		return apperr.New(apperr.CodeValidation, "event type is required")
	}
	if !KnownType(e.Type) {
		return apperr.WithMetadata(apperr.CodeValidation, "unrecognized event type", map[string]string{
			"event_type": string(e.Type),
		})
	}
	if len(e.PayloadJSON) == 0 || !json.Valid(e.PayloadJSON) {
		return apperr.New(apperr.CodeValidation, "event payload must be valid JSON")
	}
	if e.CreatedAt.IsZero() {
		return apperr.New(apperr.CodeValidation, "event timestamp is required")
	}
	return nil
}
