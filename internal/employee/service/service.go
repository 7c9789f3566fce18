// Package service exposes employee profile operations on top of the event
// journal: creation, basic field updates, and replayed profile reads.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tranvu/hrmledger/internal/employee/directory"
	"github.com/tranvu/hrmledger/internal/employee/event"
	"github.com/tranvu/hrmledger/internal/employee/projection"
	apperr "github.com/tranvu/hrmledger/internal/platform/errors"
	"github.com/tranvu/hrmledger/internal/sensitive"
	"github.com/tranvu/hrmledger/internal/storage"
)

// Service reads and mutates employee profiles through the journal.
type Service struct {
	events  storage.EventStore
	dir     directory.Directory
	logger  *log.Logger
	tracer  trace.Tracer
	now     func() time.Time
	retries int
}

// Config carries Service construction parameters.
type Config struct {
	Events    storage.EventStore
	Directory directory.Directory
	Logger    *log.Logger

	// AppendRetries bounds journal append retries after version conflicts.
	AppendRetries int
	// Now overrides the clock in tests.
	Now func() time.Time
}

// New builds a profile Service.
func New(cfg Config) (*Service, error) {
	if cfg.Events == nil {
		return nil, fmt.Errorf("event store is required")
	}
	if cfg.Directory == nil {
		return nil, fmt.Errorf("directory is required")
	}

	svc := &Service{
		events:  cfg.Events,
		dir:     cfg.Directory,
		logger:  cfg.Logger,
		tracer:  otel.Tracer("hrmledger/employee/service"),
		now:     cfg.Now,
		retries: cfg.AppendRetries,
	}
	if svc.logger == nil {
		svc.logger = log.Default()
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	if svc.retries <= 0 {
		svc.retries = 3
	}
	return svc, nil
}

// CreateInput is the initial profile recorded for a new employee.
type CreateInput struct {
	EmployeeID        int64
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
}

// Create records the employee's creation as the aggregate's first event.
func (s *Service) Create(ctx context.Context, actorID int64, input CreateInput) (projection.Profile, error) {
	ctx, span := s.tracer.Start(ctx, "employee.Create")
	defer span.End()
	span.SetAttributes(attribute.Int64("employee.id", input.EmployeeID))

	if input.EmployeeID <= 0 {
		return projection.Profile{}, apperr.New(apperr.CodeValidation, "employee id is required")
	}
	if strings.TrimSpace(input.FirstName) == "" || strings.TrimSpace(input.LastName) == "" {
		return projection.Profile{}, apperr.New(apperr.CodeValidation, "first and last name are required")
	}
	if strings.TrimSpace(input.Email) == "" {
		return projection.Profile{}, apperr.New(apperr.CodeValidation, "email is required")
	}

	payload := event.EmployeeCreatedPayload{
		FirstName:         input.FirstName,
		LastName:          input.LastName,
		Email:             input.Email,
		Phone:             input.Phone,
		Address:           input.Address,
		PersonalEmail:     input.PersonalEmail,
		AvatarURL:         input.AvatarURL,
		TaxID:             input.TaxID,
		BankAccountNumber: input.BankAccountNumber,
		EmergencyContacts: input.EmergencyContacts,
	}
	data, err := event.Encode(payload)
	if err != nil {
		return projection.Profile{}, apperr.Wrap(apperr.CodeUnknown, "encode created payload", err)
	}

	now := s.now().UTC()
	evt := event.Event{
		AggregateID: input.EmployeeID,
		Type:        event.TypeEmployeeCreated,
		CreatedBy:   actorID,
		CreatedAt:   now,
		PayloadJSON: data,
	}

	// Creation races with nothing: version zero means the aggregate is new.
	if _, err := s.events.AppendEvent(ctx, evt, 0); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return projection.Profile{}, apperr.WithMetadata(apperr.CodeConcurrencyConflict, "employee already exists", map[string]string{
				"employee_id": fmt.Sprintf("%d", input.EmployeeID),
			})
		}
		return projection.Profile{}, apperr.Wrap(apperr.CodeUnknown, "append created event", err)
	}

	s.logger.Printf("employee created employee_id=%d", input.EmployeeID)
	return s.profile(ctx, input.EmployeeID)
}

// View is a profile prepared for a specific viewer. Sensitive identifiers
// are masked unless the viewer is the employee or holds an HR role.
type View struct {
	Profile  projection.Profile
	Masked   bool
	Warnings []projection.Warning
}

// Profile replays the employee's journal and prepares the result for
// viewerID.
func (s *Service) Profile(ctx context.Context, employeeID, viewerID int64) (View, error) {
	ctx, span := s.tracer.Start(ctx, "employee.Profile")
	defer span.End()
	span.SetAttributes(attribute.Int64("employee.id", employeeID))

	result, err := s.replay(ctx, employeeID)
	if err != nil {
		return View{}, err
	}
	if !result.Profile.Exists {
		return View{}, employeeNotFoundError(employeeID)
	}

	view := View{Profile: result.Profile, Warnings: result.Warnings}
	if !s.privileged(viewerID, employeeID) {
		view.Masked = true
		view.Profile.TaxID = sensitive.Mask(view.Profile.TaxID)
		view.Profile.BankAccountNumber = sensitive.Mask(view.Profile.BankAccountNumber)
	}
	return view, nil
}

// Replay rebuilds the aggregate from its journal and returns the full
// result, warnings included. A non-zero upToVersion folds only the journal
// prefix at or below it, yielding the historical state as of that version.
// Used by operational tooling and audit review.
func (s *Service) Replay(ctx context.Context, employeeID int64, upToVersion uint64) (projection.Result, error) {
	ctx, span := s.tracer.Start(ctx, "employee.Replay")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("employee.id", employeeID),
		attribute.Int64("up.to.version", int64(upToVersion)),
	)

	result, err := s.replayUpTo(ctx, employeeID, upToVersion)
	if err != nil {
		return projection.Result{}, err
	}
	if !result.Profile.Exists && result.Profile.Version == 0 {
		return projection.Result{}, employeeNotFoundError(employeeID)
	}
	return result, nil
}

// BasicChanges carries requested values for freely editable fields. Nil
// means leave the field alone.
type BasicChanges struct {
	Phone         *string
	Address       *string
	PersonalEmail *string
	AvatarURL     *string
}

// UpdateBasicInfo applies basic field changes through the journal. Deltas
// are computed against the freshly replayed profile on every attempt, so a
// retried append re-reads before it re-writes.
func (s *Service) UpdateBasicInfo(ctx context.Context, employeeID, actorID int64, changes BasicChanges) (projection.Profile, error) {
	ctx, span := s.tracer.Start(ctx, "employee.UpdateBasicInfo")
	defer span.End()
	span.SetAttributes(attribute.Int64("employee.id", employeeID))

	if changes.Phone == nil && changes.Address == nil && changes.PersonalEmail == nil && changes.AvatarURL == nil {
		return projection.Profile{}, apperr.New(apperr.CodeValidation, "at least one field change is required")
	}

	now := s.now().UTC()

	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		result, err := s.replay(ctx, employeeID)
		if err != nil {
			return projection.Profile{}, err
		}
		profile := result.Profile
		if !profile.Exists {
			return projection.Profile{}, employeeNotFoundError(employeeID)
		}

		payload := buildProfileDeltas(profile, changes)
		if payload.Empty() {
			return profile, nil
		}

		data, err := event.Encode(payload)
		if err != nil {
			return projection.Profile{}, apperr.Wrap(apperr.CodeUnknown, "encode change payload", err)
		}

		evt := event.Event{
			AggregateID: employeeID,
			Type:        event.TypeProfileFieldsChanged,
			CreatedBy:   actorID,
			CreatedAt:   now,
			PayloadJSON: data,
		}

		if _, err := s.events.AppendEvent(ctx, evt, profile.Version); err != nil {
			if errors.Is(err, storage.ErrVersionConflict) {
				lastErr = err
				continue
			}
			return projection.Profile{}, apperr.Wrap(apperr.CodeUnknown, "append change event", err)
		}

		s.logger.Printf("basic info updated employee_id=%d actor_id=%d", employeeID, actorID)
		return s.profile(ctx, employeeID)
	}

	return projection.Profile{}, apperr.Wrap(apperr.CodeConcurrencyConflict, "update basic info after retries", lastErr)
}

// ReplaceEmergencyContacts swaps the employee's contact list wholesale.
func (s *Service) ReplaceEmergencyContacts(ctx context.Context, employeeID, actorID int64, contacts []event.EmergencyContact) (projection.Profile, error) {
	ctx, span := s.tracer.Start(ctx, "employee.ReplaceEmergencyContacts")
	defer span.End()
	span.SetAttributes(attribute.Int64("employee.id", employeeID))

	now := s.now().UTC()

	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		result, err := s.replay(ctx, employeeID)
		if err != nil {
			return projection.Profile{}, err
		}
		profile := result.Profile
		if !profile.Exists {
			return projection.Profile{}, employeeNotFoundError(employeeID)
		}

		payload := event.EmergencyContactsReplacedPayload{
			Old: profile.EmergencyContacts,
			New: contacts,
		}
		data, err := event.Encode(payload)
		if err != nil {
			return projection.Profile{}, apperr.Wrap(apperr.CodeUnknown, "encode contacts payload", err)
		}

		evt := event.Event{
			AggregateID: employeeID,
			Type:        event.TypeEmergencyContactsReplaced,
			CreatedBy:   actorID,
			CreatedAt:   now,
			PayloadJSON: data,
		}

		if _, err := s.events.AppendEvent(ctx, evt, profile.Version); err != nil {
			if errors.Is(err, storage.ErrVersionConflict) {
				lastErr = err
				continue
			}
			return projection.Profile{}, apperr.Wrap(apperr.CodeUnknown, "append contacts event", err)
		}

		s.logger.Printf("emergency contacts replaced employee_id=%d actor_id=%d count=%d", employeeID, actorID, len(contacts))
		return s.profile(ctx, employeeID)
	}

	return projection.Profile{}, apperr.Wrap(apperr.CodeConcurrencyConflict, "replace contacts after retries", lastErr)
}

func (s *Service) profile(ctx context.Context, employeeID int64) (projection.Profile, error) {
	result, err := s.replay(ctx, employeeID)
	if err != nil {
		return projection.Profile{}, err
	}
	return result.Profile, nil
}

func (s *Service) replay(ctx context.Context, employeeID int64) (projection.Result, error) {
	return s.replayUpTo(ctx, employeeID, 0)
}

func (s *Service) replayUpTo(ctx context.Context, employeeID int64, upToVersion uint64) (projection.Result, error) {
	if employeeID <= 0 {
		return projection.Result{}, apperr.New(apperr.CodeValidation, "employee id is required")
	}

	events, err := s.events.ListEvents(ctx, employeeID, upToVersion)
	if err != nil {
		return projection.Result{}, apperr.Wrap(apperr.CodeUnknown, "list events", err)
	}

	var result projection.Result
	if upToVersion > 0 {
		result, err = projection.ReplayUpTo(events, upToVersion)
	} else {
		result, err = projection.Replay(events)
	}
	if err != nil {
		return projection.Result{}, err
	}
	for _, warning := range result.Warnings {
		s.logger.Printf("replay warning aggregate_id=%d version=%d type=%s: %s",
			employeeID, warning.Version, warning.Type, warning.Message)
	}
	return result, nil
}

// privileged reports whether the viewer sees unmasked sensitive values:
// the employee themselves, or anyone holding an HR role.
func (s *Service) privileged(viewerID, employeeID int64) bool {
	if viewerID == employeeID {
		return true
	}
	viewer, ok := s.dir.Lookup(viewerID)
	return ok && viewer.Role.Level >= directory.LevelHREmployee
}

func buildProfileDeltas(profile projection.Profile, changes BasicChanges) event.ProfileFieldsChangedPayload {
	var payload event.ProfileFieldsChangedPayload
	if changes.Phone != nil && *changes.Phone != profile.Phone {
		payload.Phone = &event.FieldDelta{Old: profile.Phone, New: *changes.Phone}
	}
	if changes.Address != nil && *changes.Address != profile.Address {
		payload.Address = &event.FieldDelta{Old: profile.Address, New: *changes.Address}
	}
	if changes.PersonalEmail != nil && *changes.PersonalEmail != profile.PersonalEmail {
		payload.PersonalEmail = &event.FieldDelta{Old: profile.PersonalEmail, New: *changes.PersonalEmail}
	}
	if changes.AvatarURL != nil && *changes.AvatarURL != profile.AvatarURL {
		payload.AvatarURL = &event.FieldDelta{Old: profile.AvatarURL, New: *changes.AvatarURL}
	}
	return payload
}

func employeeNotFoundError(employeeID int64) error {
	return apperr.WithMetadata(apperr.CodeNotFound, "employee not found", map[string]string{
		"employee_id": fmt.Sprintf("%d", employeeID),
	})
}
