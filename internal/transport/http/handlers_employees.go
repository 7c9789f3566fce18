package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/tranvu/hrmledger/internal/employee/event"
	"github.com/tranvu/hrmledger/internal/employee/projection"
	empservice "github.com/tranvu/hrmledger/internal/employee/service"
	apperr "github.com/tranvu/hrmledger/internal/platform/errors"
)

type emergencyContact struct {
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Relation string `json:"relation"`
}

type createEmployeeRequest struct {
	EmployeeID        int64              `json:"employeeId"`
	FirstName         string             `json:"firstName"`
	LastName          string             `json:"lastName"`
	Email             string             `json:"email"`
	Phone             string             `json:"phone,omitempty"`
	Address           string             `json:"address,omitempty"`
	PersonalEmail     string             `json:"personalEmail,omitempty"`
	AvatarURL         string             `json:"avatarUrl,omitempty"`
	TaxID             string             `json:"taxId,omitempty"`
	BankAccountNumber string             `json:"bankAccountNumber,omitempty"`
	EmergencyContacts []emergencyContact `json:"emergencyContacts,omitempty"`
}

type profileResponse struct {
	ID                int64              `json:"id"`
	FirstName         string             `json:"firstName"`
	LastName          string             `json:"lastName"`
	Email             string             `json:"email"`
	Phone             string             `json:"phone,omitempty"`
	Address           string             `json:"address,omitempty"`
	PersonalEmail     string             `json:"personalEmail,omitempty"`
	AvatarURL         string             `json:"avatarUrl,omitempty"`
	TaxID             string             `json:"taxId,omitempty"`
	BankAccountNumber string             `json:"bankAccountNumber,omitempty"`
	EmergencyContacts []emergencyContact `json:"emergencyContacts,omitempty"`
	Version           uint64             `json:"version"`
	Masked            bool               `json:"masked"`
	CreatedAt         time.Time          `json:"createdAt,omitzero"`
	UpdatedAt         time.Time          `json:"updatedAt,omitzero"`
	PendingRequest    *requestResponse   `json:"pendingRequest,omitempty"`
}

type replayWarning struct {
	EventID int64  `json:"eventId"`
	Version uint64 `json:"version"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type replayResponse struct {
	Profile  profileResponse `json:"profile"`
	Warnings []replayWarning `json:"warnings,omitempty"`
}

type updateBasicInfoRequest struct {
	Phone         *string `json:"phone,omitempty"`
	Address       *string `json:"address,omitempty"`
	PersonalEmail *string `json:"personalEmail,omitempty"`
	AvatarURL     *string `json:"avatarUrl,omitempty"`
}

type replaceContactsRequest struct {
	EmergencyContacts []emergencyContact `json:"emergencyContacts"`
}

func (s *Server) handleCreateEmployee(w http.ResponseWriter, r *http.Request) {
	var body createEmployeeRequest
	if err := decodeJSON(r, &body); err != nil {
		WriteError(w, s.logger, err)
		return
	}

	profile, err := s.employees.Create(r.Context(), ActorID(r.Context()), empservice.CreateInput{
		EmployeeID:        body.EmployeeID,
		FirstName:         body.FirstName,
		LastName:          body.LastName,
		Email:             body.Email,
		Phone:             body.Phone,
		Address:           body.Address,
		PersonalEmail:     body.PersonalEmail,
		AvatarURL:         body.AvatarURL,
		TaxID:             body.TaxID,
		BankAccountNumber: body.BankAccountNumber,
		EmergencyContacts: toDomainContacts(body.EmergencyContacts),
	})
	if err != nil {
		WriteError(w, s.logger, err)
		return
	}

	_ = WriteJSON(w, http.StatusCreated, toProfileResponse(profile, false))
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	employeeID, err := pathID(r, "id")
	if err != nil {
		WriteError(w, s.logger, err)
		return
	}

	view, err := s.employees.Profile(r.Context(), employeeID, ActorID(r.Context()))
	if err != nil {
		WriteError(w, s.logger, err)
		return
	}

	response := toProfileResponse(view.Profile, view.Masked)
	pending, err := s.requests.Active(r.Context(), employeeID, ActorID(r.Context()))
	if err != nil {
		WriteError(w, s.logger, err)
		return
	}
	if pending != nil {
		annotated := toAnnotatedResponse(*pending)
		response.PendingRequest = &annotated
	}

	_ = WriteJSON(w, http.StatusOK, response)
}

func (s *Server) handleUpdateBasicInfo(w http.ResponseWriter, r *http.Request) {
	employeeID, err := pathID(r, "id")
	if err != nil {
		WriteError(w, s.logger, err)
		return
	}

	var body updateBasicInfoRequest
	if err := decodeJSON(r, &body); err != nil {
		WriteError(w, s.logger, err)
		return
	}

	profile, err := s.employees.UpdateBasicInfo(r.Context(), employeeID, ActorID(r.Context()), empservice.BasicChanges{
		Phone:         body.Phone,
		Address:       body.Address,
		PersonalEmail: body.PersonalEmail,
		AvatarURL:     body.AvatarURL,
	})
	if err != nil {
		WriteError(w, s.logger, err)
		return
	}

	_ = WriteJSON(w, http.StatusOK, toProfileResponse(profile, false))
}

func (s *Server) handleReplaceContacts(w http.ResponseWriter, r *http.Request) {
	employeeID, err := pathID(r, "id")
	if err != nil {
		WriteError(w, s.logger, err)
		return
	}

	var body replaceContactsRequest
	if err := decodeJSON(r, &body); err != nil {
		WriteError(w, s.logger, err)
		return
	}

	profile, err := s.employees.ReplaceEmergencyContacts(r.Context(), employeeID, ActorID(r.Context()), toDomainContacts(body.EmergencyContacts))
	if err != nil {
		WriteError(w, s.logger, err)
		return
	}

	_ = WriteJSON(w, http.StatusOK, toProfileResponse(profile, false))
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	aggregateID, err := pathID(r, "id")
	if err != nil {
		WriteError(w, s.logger, err)
		return
	}

	var upToVersion uint64
	if raw := r.URL.Query().Get("upToSequence"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || parsed == 0 {
			WriteError(w, s.logger, apperr.New(apperr.CodeValidation, "upToSequence must be a positive integer"))
			return
		}
		upToVersion = parsed
	}

	result, err := s.employees.Replay(r.Context(), aggregateID, upToVersion)
	if err != nil {
		WriteError(w, s.logger, err)
		return
	}

	response := replayResponse{Profile: toProfileResponse(result.Profile, false)}
	for _, warning := range result.Warnings {
		response.Warnings = append(response.Warnings, replayWarning{
			EventID: warning.EventID,
			Version: warning.Version,
			Type:    string(warning.Type),
			Message: warning.Message,
		})
	}
	_ = WriteJSON(w, http.StatusOK, response)
}

func pathID(r *http.Request, name string) (int64, error) {
	value, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || value <= 0 {
		return 0, apperr.New(apperr.CodeValidation, "path id must be a positive integer")
	}
	return value, nil
}

func toDomainContacts(contacts []emergencyContact) []event.EmergencyContact {
	if contacts == nil {
		return nil
	}
	out := make([]event.EmergencyContact, len(contacts))
	for i, c := range contacts {
		out[i] = event.EmergencyContact{Name: c.Name, Phone: c.Phone, Relation: c.Relation}
	}
	return out
}

func fromDomainContacts(contacts []event.EmergencyContact) []emergencyContact {
	if contacts == nil {
		return nil
	}
	out := make([]emergencyContact, len(contacts))
	for i, c := range contacts {
		out[i] = emergencyContact{Name: c.Name, Phone: c.Phone, Relation: c.Relation}
	}
	return out
}

func toProfileResponse(profile projection.Profile, masked bool) profileResponse {
	return profileResponse{
		ID:                profile.ID,
		FirstName:         profile.FirstName,
		LastName:          profile.LastName,
		Email:             profile.Email,
		Phone:             profile.Phone,
		Address:           profile.Address,
		PersonalEmail:     profile.PersonalEmail,
		AvatarURL:         profile.AvatarURL,
		TaxID:             profile.TaxID,
		BankAccountNumber: profile.BankAccountNumber,
		EmergencyContacts: fromDomainContacts(profile.EmergencyContacts),
		Version:           profile.Version,
		Masked:            masked,
		CreatedAt:         profile.CreatedAt,
		UpdatedAt:         profile.UpdatedAt,
	}
}
