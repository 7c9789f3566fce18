package projection

import (
	"fmt"

	"github.com/tranvu/hrmledger/internal/employee/event"
	apperr "github.com/tranvu/hrmledger/internal/platform/errors"
)

// Warning describes a tolerated anomaly encountered during replay, such as
// an event type this build does not understand.
type Warning struct {
	EventID int64
	Version uint64
	Type    event.Type
	Message string
}

// Result is the outcome of replaying an aggregate's journal.
type Result struct {
	Profile  Profile
	Warnings []Warning
}

// Replay folds events into a Profile. Events must arrive ordered by version
// with no gaps, starting at 1. Unknown event types are skipped with a
// warning. A malformed payload stops the replay with a corrupt-event error;
// partial state is never returned in that case.
//
// Replay is deterministic: the same events always produce the same Result.
func Replay(events []event.Event) (Result, error) {
	var result Result

	for i, e := range events {
		want := uint64(i + 1)
		if e.Version != want {
			return Result{}, apperr.WithMetadata(apperr.CodeCorruptEvent, "journal version gap", map[string]string{
				"expected_version": fmt.Sprintf("%d", want),
				"actual_version":   fmt.Sprintf("%d", e.Version),
			})
		}

		if !event.KnownType(e.Type) {
			result.Warnings = append(result.Warnings, Warning{
				EventID: e.EventID,
				Version: e.Version,
				Type:    e.Type,
				Message: "unknown event type skipped",
			})
			result.Profile.Version = e.Version
			continue
		}

		payload, err := event.Decode(e)
		if err != nil {
			return Result{}, apperr.Wrap(apperr.CodeCorruptEvent,
				fmt.Sprintf("replay aggregate %d at version %d", e.AggregateID, e.Version), err)
		}

		apply(&result.Profile, e, payload)
		result.Profile.Version = e.Version
		result.Profile.UpdatedAt = e.CreatedAt
	}

	return result, nil
}

// ReplayUpTo folds only the events at or below upToVersion, yielding the
// aggregate's state as of that version. It is equivalent to Replay over the
// filtered sequence.
func ReplayUpTo(events []event.Event, upToVersion uint64) (Result, error) {
	bounded := events
	for i, e := range events {
		if e.Version > upToVersion {
			bounded = events[:i]
			break
		}
	}
	return Replay(bounded)
}

func apply(p *Profile, e event.Event, payload any) {
	switch value := payload.(type) {
	case event.EmployeeCreatedPayload:
		p.applyCreated(e, value)
	case event.ProfileFieldsChangedPayload:
		p.applyProfileFields(value)
	case event.EmergencyContactsReplacedPayload:
		p.EmergencyContacts = cloneContacts(value.New)
	case event.SensitiveChangeApprovedPayload:
		p.applyApprovedChanges(value.Changes)
	case event.SensitiveChangeRequestedPayload, event.SensitiveChangeRejectedPayload:
		// Audit markers. A request moves no field until approved.
	}
}
