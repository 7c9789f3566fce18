// Package service orchestrates the sensitive change workflow: submission,
// code verification, and the HR approval decision.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tranvu/hrmledger/internal/employee/event"
	"github.com/tranvu/hrmledger/internal/employee/projection"
	"github.com/tranvu/hrmledger/internal/id"
	"github.com/tranvu/hrmledger/internal/otp"
	apperr "github.com/tranvu/hrmledger/internal/platform/errors"
	"github.com/tranvu/hrmledger/internal/sensitive"
	"github.com/tranvu/hrmledger/internal/sensitive/authz"
	"github.com/tranvu/hrmledger/internal/storage"
)

// Service runs the sensitive change workflow. The journal stays the single
// authority for field values; the request store only tracks workflow state.
type Service struct {
	store       storage.Store
	issuer      *otp.Issuer
	engine      *authz.Engine
	logger      *log.Logger
	tracer      trace.Tracer
	now         func() time.Time
	newID       func() string
	ttl         time.Duration
	retries     int
	maxAttempts int
}

// Config carries Service construction parameters.
type Config struct {
	Store  storage.Store
	Issuer *otp.Issuer
	Engine *authz.Engine
	Logger *log.Logger

	// RequestTTL is how long an undecided request stays actionable.
	RequestTTL time.Duration
	// MaxAttempts bounds failed code verifications per issued code.
	MaxAttempts int
	// AppendRetries bounds journal append retries after version conflicts.
	AppendRetries int

	// Now overrides the clock in tests.
	Now func() time.Time
	// NewID overrides request id generation in tests.
	NewID func() string
}

// New builds a workflow Service.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Issuer == nil {
		return nil, fmt.Errorf("otp issuer is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("authz engine is required")
	}
	if cfg.RequestTTL <= 0 {
		return nil, fmt.Errorf("request ttl must be positive")
	}
	if cfg.MaxAttempts <= 0 {
		return nil, fmt.Errorf("max attempts must be positive")
	}

	svc := &Service{
		store:       cfg.Store,
		issuer:      cfg.Issuer,
		engine:      cfg.Engine,
		logger:      cfg.Logger,
		tracer:      otel.Tracer("hrmledger/sensitive/service"),
		now:         cfg.Now,
		newID:       cfg.NewID,
		ttl:         cfg.RequestTTL,
		retries:     cfg.AppendRetries,
		maxAttempts: cfg.MaxAttempts,
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	if svc.newID == nil {
		svc.newID = id.New
	}
	if svc.logger == nil {
		svc.logger = log.Default()
	}
	if svc.retries <= 0 {
		svc.retries = 3
	}
	return svc, nil
}

// Submission is the outcome of a submitted change request. Code is the
// plaintext verification code for delivery to the employee; it is never
// persisted.
type Submission struct {
	Request sensitive.Request
	Code    string
}

// Submit opens a change request for the employee's sensitive fields.
// changes maps field names to requested new values. One in-flight request
// per employee is allowed.
func (s *Service) Submit(ctx context.Context, employeeID, requestedBy int64, changes map[string]string) (Submission, error) {
	ctx, span := s.tracer.Start(ctx, "sensitive.Submit")
	defer span.End()
	span.SetAttributes(attribute.Int64("employee.id", employeeID))

	if employeeID <= 0 {
		return Submission{}, apperr.New(apperr.CodeValidation, "employee id is required")
	}
	if requestedBy <= 0 {
		return Submission{}, apperr.New(apperr.CodeValidation, "requester id is required")
	}
	if len(changes) == 0 {
		return Submission{}, apperr.New(apperr.CodeValidation, "at least one field change is required")
	}
	for field := range changes {
		if !sensitive.IsSensitiveField(field) {
			return Submission{}, apperr.WithMetadata(apperr.CodeValidation, "field does not require a change request", map[string]string{
				"field": field,
			})
		}
	}

	profile, err := s.replay(ctx, employeeID)
	if err != nil {
		return Submission{}, err
	}
	if !profile.Exists {
		return Submission{}, apperr.WithMetadata(apperr.CodeNotFound, "employee not found", map[string]string{
			"employee_id": fmt.Sprintf("%d", employeeID),
		})
	}

	deltas := make(map[string]event.FieldDelta, len(changes))
	for field, newValue := range changes {
		deltas[field] = event.FieldDelta{Old: currentFieldValue(profile, field), New: newValue}
	}

	now := s.now().UTC()
	requestID := s.newID()

	code, challenge, err := s.issuer.Issue(requestID)
	if err != nil {
		return Submission{}, apperr.Wrap(apperr.CodeUnknown, "issue verification code", err)
	}

	request := sensitive.Request{
		ID:           requestID,
		EmployeeID:   employeeID,
		RequestedBy:  requestedBy,
		Status:       sensitive.StatusRequested,
		Changes:      deltas,
		OTPHash:      challenge.Hash,
		OTPExpiresAt: challenge.ExpiresAt,
		Deadline:     now.Add(s.ttl),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.CreateRequest(ctx, request); err != nil {
		if errors.Is(err, storage.ErrActiveRequest) {
			return Submission{}, apperr.WithMetadata(apperr.CodeRequestAlreadyPending, "employee already has a pending request", map[string]string{
				"employee_id": fmt.Sprintf("%d", employeeID),
			})
		}
		return Submission{}, apperr.Wrap(apperr.CodeUnknown, "create request", err)
	}

	s.logger.Printf("sensitive request opened request_id=%s employee_id=%d fields=%d", requestID, employeeID, len(deltas))
	return Submission{Request: request, Code: code}, nil
}

// Verify checks a submitted code against the request's active challenge.
// An expired code is reported without cost; otherwise each call consumes an
// attempt before any hashing happens. On success the request moves to
// Verified, the code is retired, and the request enters the journal as an
// audit fact, both in one transaction.
func (s *Service) Verify(ctx context.Context, requestID, code string) (sensitive.Request, error) {
	ctx, span := s.tracer.Start(ctx, "sensitive.Verify")
	defer span.End()
	span.SetAttributes(attribute.String("request.id", requestID))

	request, err := s.load(ctx, requestID)
	if err != nil {
		return sensitive.Request{}, err
	}

	now := s.now().UTC()
	if expired, err := s.lapseIfDue(ctx, &request, now); err != nil {
		return sensitive.Request{}, err
	} else if expired {
		return sensitive.Request{}, requestExpiredError(request)
	}

	if request.Status != sensitive.StatusRequested {
		return sensitive.Request{}, alreadyProcessedError(request)
	}

	// An expired code cannot succeed, so it must not burn attempts either.
	if now.After(request.OTPExpiresAt) {
		return sensitive.Request{}, apperr.WithMetadata(apperr.CodeOtpExpired, "verification code expired", map[string]string{
			"request_id": requestID,
		})
	}

	attempts, err := s.store.IncrementAttempts(ctx, requestID, s.maxAttempts, now)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrAttemptsExhausted):
			return sensitive.Request{}, apperr.WithMetadata(apperr.CodeOtpAttemptsExceeded, "verification attempts exhausted", map[string]string{
				"request_id": requestID,
			})
		case errors.Is(err, storage.ErrStatusConflict):
			return sensitive.Request{}, alreadyProcessedError(request)
		case errors.Is(err, storage.ErrNotFound):
			return sensitive.Request{}, requestNotFoundError(requestID)
		}
		return sensitive.Request{}, apperr.Wrap(apperr.CodeUnknown, "count attempt", err)
	}

	challenge := otp.Challenge{Hash: request.OTPHash, ExpiresAt: request.OTPExpiresAt}
	if err := s.issuer.Check(challenge, requestID, code, now); err != nil {
		s.logger.Printf("verification failed request_id=%s attempts=%d code=%s", requestID, attempts, apperr.CodeOf(err))
		return sensitive.Request{}, err
	}

	evt, err := journalEvent(request.EmployeeID, request.RequestedBy, event.TypeSensitiveChangeRequested, event.SensitiveChangeRequestedPayload{
		RequestID: requestID,
		Changes:   request.Changes,
	}, now)
	if err != nil {
		return sensitive.Request{}, err
	}

	err = s.commitWithRetry(ctx, request.EmployeeID, func(version uint64) error {
		return s.store.MarkVerified(ctx, requestID, now, evt, version)
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrStatusConflict):
			return sensitive.Request{}, alreadyProcessedError(request)
		case apperr.CodeOf(err) == apperr.CodeConcurrencyConflict:
			return sensitive.Request{}, err
		}
		return sensitive.Request{}, apperr.Wrap(apperr.CodeUnknown, "mark verified", err)
	}

	request.Status = sensitive.StatusVerified
	request.OTPHash = ""
	request.VerifiedAt = now
	request.UpdatedAt = now
	s.logger.Printf("sensitive request verified request_id=%s employee_id=%d", requestID, request.EmployeeID)
	return request, nil
}

// ResendOTP issues a fresh code for a request still awaiting verification,
// retiring the previous code and resetting the attempt counter.
func (s *Service) ResendOTP(ctx context.Context, requestID string) (Submission, error) {
	ctx, span := s.tracer.Start(ctx, "sensitive.ResendOTP")
	defer span.End()
	span.SetAttributes(attribute.String("request.id", requestID))

	request, err := s.load(ctx, requestID)
	if err != nil {
		return Submission{}, err
	}

	now := s.now().UTC()
	if expired, err := s.lapseIfDue(ctx, &request, now); err != nil {
		return Submission{}, err
	} else if expired {
		return Submission{}, requestExpiredError(request)
	}

	if request.Status != sensitive.StatusRequested {
		return Submission{}, alreadyProcessedError(request)
	}

	code, challenge, err := s.issuer.Issue(requestID)
	if err != nil {
		return Submission{}, apperr.Wrap(apperr.CodeUnknown, "issue verification code", err)
	}

	if err := s.store.ResetOTP(ctx, requestID, challenge.Hash, challenge.ExpiresAt, now); err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			return Submission{}, alreadyProcessedError(request)
		}
		return Submission{}, apperr.Wrap(apperr.CodeUnknown, "reset otp", err)
	}

	request.OTPHash = challenge.Hash
	request.OTPExpiresAt = challenge.ExpiresAt
	request.AttemptCount = 0
	request.UpdatedAt = now
	s.logger.Printf("verification code reissued request_id=%s", requestID)
	return Submission{Request: request, Code: code}, nil
}

// Approve settles a Verified request in the requester's favor. Exactly one
// of two racing deciders wins; the loser is told the request was already
// processed. Approval is the only path that moves a sensitive field's value.
func (s *Service) Approve(ctx context.Context, requestID string, approverID int64) (sensitive.Request, error) {
	return s.decide(ctx, requestID, approverID, sensitive.StatusApproved, "")
}

// Reject settles a Verified request against the requester, with an optional
// reason for the audit trail.
func (s *Service) Reject(ctx context.Context, requestID string, approverID int64, reason string) (sensitive.Request, error) {
	return s.decide(ctx, requestID, approverID, sensitive.StatusRejected, reason)
}

func (s *Service) decide(ctx context.Context, requestID string, approverID int64, to sensitive.Status, reason string) (sensitive.Request, error) {
	ctx, span := s.tracer.Start(ctx, "sensitive.Decide")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.id", requestID),
		attribute.String("decision", string(to)),
	)

	if approverID <= 0 {
		return sensitive.Request{}, apperr.New(apperr.CodeValidation, "approver id is required")
	}

	request, err := s.load(ctx, requestID)
	if err != nil {
		return sensitive.Request{}, err
	}

	now := s.now().UTC()
	if expired, err := s.lapseIfDue(ctx, &request, now); err != nil {
		return sensitive.Request{}, err
	} else if expired {
		return sensitive.Request{}, requestExpiredError(request)
	}

	if request.Status != sensitive.StatusVerified {
		if request.Status == sensitive.StatusRequested {
			return sensitive.Request{}, apperr.WithMetadata(apperr.CodeValidation, "request awaits code verification", map[string]string{
				"request_id": requestID,
			})
		}
		return sensitive.Request{}, alreadyProcessedError(request)
	}

	decision := s.engine.Decide(approverID, request)
	if !decision.Allowed {
		metadata := map[string]string{
			"request_id":  requestID,
			"deny_reason": string(decision.Reason),
		}
		if decision.Escalation != nil {
			metadata["escalate_to"] = fmt.Sprintf("%d", decision.Escalation.ID)
			metadata["escalate_to_name"] = decision.Escalation.Name
		}
		return sensitive.Request{}, apperr.WithMetadata(apperr.CodeUnauthorized, decision.Detail, metadata)
	}

	var payload any
	eventType := event.TypeSensitiveChangeApproved
	if to == sensitive.StatusApproved {
		payload = event.SensitiveChangeApprovedPayload{
			RequestID:  requestID,
			ApproverID: approverID,
			Changes:    request.Changes,
		}
	} else {
		eventType = event.TypeSensitiveChangeRejected
		payload = event.SensitiveChangeRejectedPayload{
			RequestID:  requestID,
			ApproverID: approverID,
			Reason:     reason,
		}
	}

	evt, err := journalEvent(request.EmployeeID, approverID, eventType, payload, now)
	if err != nil {
		return sensitive.Request{}, err
	}

	err = s.commitWithRetry(ctx, request.EmployeeID, func(version uint64) error {
		return s.store.Decide(ctx, requestID, to, approverID, reason, now, evt, version)
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrStatusConflict):
			return sensitive.Request{}, alreadyProcessedError(request)
		case apperr.CodeOf(err) == apperr.CodeConcurrencyConflict:
			return sensitive.Request{}, err
		}
		return sensitive.Request{}, apperr.Wrap(apperr.CodeUnknown, "settle request", err)
	}

	request.Status = to
	request.DecidedBy = approverID
	request.DecidedAt = now
	request.Reason = reason
	request.UpdatedAt = now
	s.logger.Printf("sensitive request settled request_id=%s employee_id=%d status=%s approver_id=%d",
		requestID, request.EmployeeID, to, approverID)
	return request, nil
}

// Annotated is a request viewed by a specific caller, with masked field
// values and the caller's standing to decide it.
type Annotated struct {
	Request    sensitive.Request
	CanApprove bool
	DenyReason authz.DenyReason
	Escalation *sensitive.EscalationHint
}

// List returns requests filtered by status and annotated for callerID.
// Requests past their deadline are lapsed before they are reported.
func (s *Service) List(ctx context.Context, status sensitive.Status, callerID int64) ([]Annotated, error) {
	ctx, span := s.tracer.Start(ctx, "sensitive.List")
	defer span.End()

	requests, err := s.store.ListRequests(ctx, status)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeUnknown, "list requests", err)
	}

	now := s.now().UTC()
	out := make([]Annotated, 0, len(requests))
	for _, request := range requests {
		if _, err := s.lapseIfDue(ctx, &request, now); err != nil {
			return nil, err
		}
		if status != "" && request.Status != status {
			continue
		}

		out = append(out, s.annotate(request, callerID))
	}

	return out, nil
}

// Get returns a single request annotated for callerID.
func (s *Service) Get(ctx context.Context, requestID string, callerID int64) (Annotated, error) {
	request, err := s.load(ctx, requestID)
	if err != nil {
		return Annotated{}, err
	}

	now := s.now().UTC()
	if _, err := s.lapseIfDue(ctx, &request, now); err != nil {
		return Annotated{}, err
	}

	return s.annotate(request, callerID), nil
}

// Active returns the employee's in-flight request annotated for callerID,
// or nil when none is open.
func (s *Service) Active(ctx context.Context, employeeID, callerID int64) (*Annotated, error) {
	request, err := s.store.FindActiveRequest(ctx, employeeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.CodeUnknown, "find active request", err)
	}

	now := s.now().UTC()
	if expired, err := s.lapseIfDue(ctx, &request, now); err != nil {
		return nil, err
	} else if expired {
		return nil, nil
	}

	annotated := s.annotate(request, callerID)
	return &annotated, nil
}

func (s *Service) annotate(request sensitive.Request, callerID int64) Annotated {
	annotated := Annotated{Request: request}
	annotated.Request.Changes = sensitive.MaskChanges(request.Changes)
	annotated.Request.OTPHash = ""

	if request.Status == sensitive.StatusVerified {
		decision := s.engine.Decide(callerID, request)
		annotated.CanApprove = decision.Allowed
		annotated.DenyReason = decision.Reason
		if decision.Escalation != nil {
			annotated.Escalation = &sensitive.EscalationHint{
				EmployeeID: decision.Escalation.ID,
				Name:       decision.Escalation.Name,
				Role:       decision.Escalation.Role.Name,
			}
		}
	}
	return annotated
}

func (s *Service) load(ctx context.Context, requestID string) (sensitive.Request, error) {
	if requestID == "" {
		return sensitive.Request{}, apperr.New(apperr.CodeValidation, "request id is required")
	}
	request, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return sensitive.Request{}, requestNotFoundError(requestID)
		}
		return sensitive.Request{}, apperr.Wrap(apperr.CodeUnknown, "load request", err)
	}
	return request, nil
}

// lapseIfDue moves a request past its deadline to Expired. The transition
// is lazy: nothing scans for stale requests, they lapse when touched.
func (s *Service) lapseIfDue(ctx context.Context, request *sensitive.Request, now time.Time) (bool, error) {
	if !request.LapsedAt(now) {
		return false, nil
	}

	err := s.store.MarkExpired(ctx, request.ID, request.Status, now)
	if err != nil && !errors.Is(err, storage.ErrStatusConflict) {
		return false, apperr.Wrap(apperr.CodeUnknown, "lapse request", err)
	}
	if errors.Is(err, storage.ErrStatusConflict) {
		// Someone else moved it first. Reload to see where it landed.
		reloaded, loadErr := s.load(ctx, request.ID)
		if loadErr != nil {
			return false, loadErr
		}
		*request = reloaded
		return request.Status == sensitive.StatusExpired, nil
	}

	request.Status = sensitive.StatusExpired
	request.UpdatedAt = now
	s.logger.Printf("sensitive request lapsed request_id=%s employee_id=%d", request.ID, request.EmployeeID)
	return true, nil
}

// journalEvent builds a workflow audit event ready for appending.
func journalEvent(aggregateID, actorID int64, eventType event.Type, payload any, at time.Time) (event.Event, error) {
	data, err := event.Encode(payload)
	if err != nil {
		return event.Event{}, apperr.Wrap(apperr.CodeUnknown, "encode event payload", err)
	}

	return event.Event{
		AggregateID: aggregateID,
		Type:        eventType,
		CreatedBy:   actorID,
		CreatedAt:   at,
		PayloadJSON: data,
	}, nil
}

// commitWithRetry runs op with the aggregate's current version, retrying a
// bounded number of times when the optimistic concurrency check loses. op
// commits the status transition and the journal append together, so a lost
// check leaves the request untouched for the next attempt.
func (s *Service) commitWithRetry(ctx context.Context, aggregateID int64, op func(expectedVersion uint64) error) error {
	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		version, err := s.store.CurrentVersion(ctx, aggregateID)
		if err != nil {
			return apperr.Wrap(apperr.CodeUnknown, "read aggregate version", err)
		}

		err = op(version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return err
		}
		lastErr = err
	}

	return apperr.Wrap(apperr.CodeConcurrencyConflict, "append event after retries", lastErr)
}

func (s *Service) replay(ctx context.Context, employeeID int64) (projection.Profile, error) {
	events, err := s.store.ListEvents(ctx, employeeID, 0)
	if err != nil {
		return projection.Profile{}, apperr.Wrap(apperr.CodeUnknown, "list events", err)
	}

	result, err := projection.Replay(events)
	if err != nil {
		return projection.Profile{}, err
	}
	for _, warning := range result.Warnings {
		s.logger.Printf("replay warning aggregate_id=%d version=%d type=%s: %s",
			employeeID, warning.Version, warning.Type, warning.Message)
	}
	return result.Profile, nil
}

func currentFieldValue(profile projection.Profile, field string) string {
	switch field {
	case event.FieldFirstName:
		return profile.FirstName
	case event.FieldLastName:
		return profile.LastName
	case event.FieldTaxID:
		return profile.TaxID
	case event.FieldBankAccountNumber:
		return profile.BankAccountNumber
	}
	return ""
}

func requestNotFoundError(requestID string) error {
	return apperr.WithMetadata(apperr.CodeNotFound, "request not found", map[string]string{
		"request_id": requestID,
	})
}

func requestExpiredError(request sensitive.Request) error {
	return apperr.WithMetadata(apperr.CodeRequestExpired, "request deadline passed", map[string]string{
		"request_id": request.ID,
	})
}

func alreadyProcessedError(request sensitive.Request) error {
	return apperr.WithMetadata(apperr.CodeAlreadyProcessed, "request already processed", map[string]string{
		"request_id": request.ID,
		"status":     string(request.Status),
	})
}
