// Package projection folds employee journal events into read-side profile state.
package projection

import (
	"time"

	"github.com/tranvu/hrmledger/internal/employee/event"
)

// Profile is the projected state of an employee aggregate after replaying
// its journal. It carries the authoritative value of every profile field.
type Profile struct {
	ID                int64
	FirstName         string
	LastName          string
	Email             string
	Phone             string
	Address           string
	PersonalEmail     string
	AvatarURL         string
	TaxID             string
	BankAccountNumber string
	EmergencyContacts []event.EmergencyContact

	// Version is the version of the last applied event, zero before creation.
	Version uint64
	// Exists reports whether a creation event has been applied.
	Exists bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (p *Profile) applyCreated(e event.Event, payload event.EmployeeCreatedPayload) {
	p.ID = e.AggregateID
	p.FirstName = payload.FirstName
	p.LastName = payload.LastName
	p.Email = payload.Email
	p.Phone = payload.Phone
	p.Address = payload.Address
	p.PersonalEmail = payload.PersonalEmail
	p.AvatarURL = payload.AvatarURL
	p.TaxID = payload.TaxID
	p.BankAccountNumber = payload.BankAccountNumber
	p.EmergencyContacts = cloneContacts(payload.EmergencyContacts)
	p.Exists = true
	p.CreatedAt = e.CreatedAt
}

func (p *Profile) applyProfileFields(payload event.ProfileFieldsChangedPayload) {
	if payload.Phone != nil {
		p.Phone = payload.Phone.New
	}
	if payload.Address != nil {
		p.Address = payload.Address.New
	}
	if payload.PersonalEmail != nil {
		p.PersonalEmail = payload.PersonalEmail.New
	}
	if payload.AvatarURL != nil {
		p.AvatarURL = payload.AvatarURL.New
	}
}

func (p *Profile) applyApprovedChanges(changes map[string]event.FieldDelta) {
	for field, delta := range changes {
		switch field {
		case event.FieldFirstName:
			p.FirstName = delta.New
		case event.FieldLastName:
			p.LastName = delta.New
		case event.FieldTaxID:
			p.TaxID = delta.New
		case event.FieldBankAccountNumber:
			p.BankAccountNumber = delta.New
		}
	}
}

func cloneContacts(contacts []event.EmergencyContact) []event.EmergencyContact {
	if contacts == nil {
		return nil
	}
	out := make([]event.EmergencyContact, len(contacts))
	copy(out, contacts)
	return out
}
