package http

import (
	"net/http"
	"time"

	"github.com/tranvu/hrmledger/internal/employee/event"
	apperr "github.com/tranvu/hrmledger/internal/platform/errors"
	"github.com/tranvu/hrmledger/internal/sensitive"
	senservice "github.com/tranvu/hrmledger/internal/sensitive/service"
)

type submitRequestBody struct {
	Changes map[string]string `json:"changes"`
}

type verifyRequestBody struct {
	Code string `json:"code"`
}

type rejectRequestBody struct {
	Reason string `json:"reason,omitempty"`
}

type fieldDelta struct {
	Old string `json:"old"`
	New string `json:"new"`
}

type requestResponse struct {
	ID          string                `json:"id"`
	EmployeeID  int64                 `json:"employeeId"`
	RequestedBy int64                 `json:"requestedBy"`
	Status      string                `json:"status"`
	Changes     map[string]fieldDelta `json:"changes,omitempty"`
	Deadline    time.Time             `json:"deadline,omitzero"`
	VerifiedAt  time.Time             `json:"verifiedAt,omitzero"`
	DecidedBy   int64                 `json:"decidedBy,omitempty"`
	DecidedAt   time.Time             `json:"decidedAt,omitzero"`
	Reason      string                `json:"reason,omitempty"`
	CreatedAt   time.Time             `json:"createdAt,omitzero"`
	UpdatedAt   time.Time             `json:"updatedAt,omitzero"`

	CanApprove bool                      `json:"canApprove,omitempty"`
	DenyReason string                    `json:"denyReason,omitempty"`
	Escalation *sensitive.EscalationHint `json:"escalation,omitempty"`
}

// submitResponse carries the opened request and the verification code. The
// code rides the response because delivery channels are out of scope here;
// callers forward it to the employee.
type submitResponse struct {
	Request requestResponse `json:"request"`
	Code    string          `json:"code"`
}

func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	employeeID, err := pathID(r, "id")
	if err != nil {
		WriteError(w, s.logger, err)
		return
	}

	var body submitRequestBody
	if err := decodeJSON(r, &body); err != nil {
		WriteError(w, s.logger, err)
		return
	}

	submission, err := s.requests.Submit(r.Context(), employeeID, ActorID(r.Context()), body.Changes)
	if err != nil {
		WriteError(w, s.logger, err)
		return
	}

	_ = WriteJSON(w, http.StatusCreated, submitResponse{
		Request: toRequestResponse(submission.Request, true),
		Code:    submission.Code,
	})
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	status := sensitive.Status(r.URL.Query().Get("status"))
	switch status {
	case "", sensitive.StatusRequested, sensitive.StatusVerified,
		sensitive.StatusApproved, sensitive.StatusRejected, sensitive.StatusExpired:
	default:
		WriteError(w, s.logger, apperr.New(apperr.CodeValidation, "unknown status filter"))
		return
	}

	annotated, err := s.requests.List(r.Context(), status, ActorID(r.Context()))
	if err != nil {
		WriteError(w, s.logger, err)
		return
	}

	out := make([]requestResponse, 0, len(annotated))
	for _, a := range annotated {
		out = append(out, toAnnotatedResponse(a))
	}
	_ = WriteJSON(w, http.StatusOK, map[string]any{"requests": out})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	annotated, err := s.requests.Get(r.Context(), r.PathValue("id"), ActorID(r.Context()))
	if err != nil {
		WriteError(w, s.logger, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, toAnnotatedResponse(annotated))
}

func (s *Server) handleVerifyRequest(w http.ResponseWriter, r *http.Request) {
	var body verifyRequestBody
	if err := decodeJSON(r, &body); err != nil {
		WriteError(w, s.logger, err)
		return
	}

	request, err := s.requests.Verify(r.Context(), r.PathValue("id"), body.Code)
	if err != nil {
		WriteError(w, s.logger, err)
		return
	}

	_ = WriteJSON(w, http.StatusOK, toRequestResponse(request, true))
}

func (s *Server) handleResendOTP(w http.ResponseWriter, r *http.Request) {
	submission, err := s.requests.ResendOTP(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, s.logger, err)
		return
	}

	_ = WriteJSON(w, http.StatusOK, submitResponse{
		Request: toRequestResponse(submission.Request, true),
		Code:    submission.Code,
	})
}

func (s *Server) handleApproveRequest(w http.ResponseWriter, r *http.Request) {
	request, err := s.requests.Approve(r.Context(), r.PathValue("id"), ActorID(r.Context()))
	if err != nil {
		WriteError(w, s.logger, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, toRequestResponse(request, true))
}

func (s *Server) handleRejectRequest(w http.ResponseWriter, r *http.Request) {
	var body rejectRequestBody
	if err := decodeJSON(r, &body); err != nil {
		WriteError(w, s.logger, err)
		return
	}

	request, err := s.requests.Reject(r.Context(), r.PathValue("id"), ActorID(r.Context()), body.Reason)
	if err != nil {
		WriteError(w, s.logger, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, toRequestResponse(request, true))
}

// toRequestResponse converts a request for the wire. Field values are
// masked unless already done by the service layer.
func toRequestResponse(request sensitive.Request, mask bool) requestResponse {
	changes := request.Changes
	if mask {
		changes = sensitive.MaskChanges(changes)
	}
	return requestResponse{
		ID:          request.ID,
		EmployeeID:  request.EmployeeID,
		RequestedBy: request.RequestedBy,
		Status:      string(request.Status),
		Changes:     toDeltaResponses(changes),
		Deadline:    request.Deadline,
		VerifiedAt:  request.VerifiedAt,
		DecidedBy:   request.DecidedBy,
		DecidedAt:   request.DecidedAt,
		Reason:      request.Reason,
		CreatedAt:   request.CreatedAt,
		UpdatedAt:   request.UpdatedAt,
	}
}

func toAnnotatedResponse(a senservice.Annotated) requestResponse {
	response := toRequestResponse(a.Request, false)
	response.CanApprove = a.CanApprove
	response.DenyReason = string(a.DenyReason)
	response.Escalation = a.Escalation
	return response
}

func toDeltaResponses(changes map[string]event.FieldDelta) map[string]fieldDelta {
	if changes == nil {
		return nil
	}
	out := make(map[string]fieldDelta, len(changes))
	for field, delta := range changes {
		out[field] = fieldDelta{Old: delta.Old, New: delta.New}
	}
	return out
}
