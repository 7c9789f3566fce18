package event

// Editable field names carried inside payloads. Sensitive fields require the
// OTP-verified, HR-approved workflow; basic fields do not.
const (
	FieldPhone         = "phone"
	FieldAddress       = "address"
	FieldPersonalEmail = "personalEmail"
	FieldAvatarURL     = "avatarUrl"

	FieldFirstName         = "firstName"
	FieldLastName          = "lastName"
	FieldTaxID             = "taxId"
	FieldBankAccountNumber = "bankAccountNumber"
)

// EmergencyContact is a single entry in the employee's emergency contact list.
type EmergencyContact struct {
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Relation string `json:"relation"`
}

// FieldDelta carries a field's value before and after a change. Old is kept
// for audit display only; replay reads New exclusively.
type FieldDelta struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// EmployeeCreatedPayload captures the payload for employee.created events.
type EmployeeCreatedPayload struct {
	FirstName         string             `json:"first_name"`
	LastName          string             `json:"last_name"`
	Email             string             `json:"email"`
	Phone             string             `json:"phone,omitempty"`
	Address           string             `json:"address,omitempty"`
	PersonalEmail     string             `json:"personal_email,omitempty"`
	AvatarURL         string             `json:"avatar_url,omitempty"`
	TaxID             string             `json:"tax_id,omitempty"`
	BankAccountNumber string             `json:"bank_account_number,omitempty"`
	EmergencyContacts []EmergencyContact `json:"emergency_contacts,omitempty"`
}

// ProfileFieldsChangedPayload captures the payload for employee.profile_fields_changed
// events. Only fields that actually changed are present.
type ProfileFieldsChangedPayload struct {
	Phone         *FieldDelta `json:"phone,omitempty"`
	Address       *FieldDelta `json:"address,omitempty"`
	PersonalEmail *FieldDelta `json:"personal_email,omitempty"`
	AvatarURL     *FieldDelta `json:"avatar_url,omitempty"`
}

// Empty reports whether no field delta is present.
func (p ProfileFieldsChangedPayload) Empty() bool {
	return p.Phone == nil && p.Address == nil && p.PersonalEmail == nil && p.AvatarURL == nil
}

// EmergencyContactsReplacedPayload captures the payload for
// employee.emergency_contacts_replaced events. The New list replaces the
// previous list wholesale; no merge.
type EmergencyContactsReplacedPayload struct {
	Old []EmergencyContact `json:"old"`
	New []EmergencyContact `json:"new"`
}

// SensitiveChangeRequestedPayload captures the payload for
// sensitive_change.requested events, keyed by sensitive field name.
type SensitiveChangeRequestedPayload struct {
	RequestID string                `json:"request_id"`
	Changes   map[string]FieldDelta `json:"changes"`
}

// SensitiveChangeApprovedPayload captures the payload for
// sensitive_change.approved events.
type SensitiveChangeApprovedPayload struct {
	RequestID  string                `json:"request_id"`
	ApproverID int64                 `json:"approver_id"`
	Changes    map[string]FieldDelta `json:"changes"`
}

// SensitiveChangeRejectedPayload captures the payload for
// sensitive_change.rejected events.
type SensitiveChangeRejectedPayload struct {
	RequestID  string `json:"request_id"`
	ApproverID int64  `json:"approver_id"`
	Reason     string `json:"reason,omitempty"`
}
