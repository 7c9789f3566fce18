package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tranvu/hrmledger/internal/employee/event"
	"github.com/tranvu/hrmledger/internal/sensitive"
	"github.com/tranvu/hrmledger/internal/storage"
)

// RequestStore methods (sensitive change workflow)

const requestColumns = `id, employee_id, requested_by, status, changes_json,
	otp_hash, otp_expires_at, attempt_count, deadline,
	verified_at, decided_by, decided_at, reason, created_at, updated_at`

// CreateRequest inserts a new request. A partial unique index on in-flight
// statuses enforces the one-request-per-employee rule; losing that race
// surfaces as ErrActiveRequest.
func (s *Store) CreateRequest(ctx context.Context, r sensitive.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("request id is required")
	}
	if r.EmployeeID <= 0 {
		return fmt.Errorf("employee id is required")
	}

	changes, err := json.Marshal(r.Changes)
	if err != nil {
		return fmt.Errorf("encode request changes: %w", err)
	}

	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO sensitive_requests
		 (id, employee_id, requested_by, status, changes_json,
		  otp_hash, otp_expires_at, attempt_count, deadline,
		  verified_at, decided_by, decided_at, reason, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID,
		r.EmployeeID,
		r.RequestedBy,
		string(r.Status),
		changes,
		r.OTPHash,
		toMillis(r.OTPExpiresAt),
		r.AttemptCount,
		toMillis(r.Deadline),
		toNullMillis(r.VerifiedAt),
		nullInt64(r.DecidedBy),
		toNullMillis(r.DecidedAt),
		r.Reason,
		toMillis(r.CreatedAt),
		toMillis(r.UpdatedAt),
	)
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("employee %d: %w", r.EmployeeID, storage.ErrActiveRequest)
		}
		return fmt.Errorf("create request: %w", err)
	}

	return nil
}

// GetRequest loads a request by id.
func (s *Store) GetRequest(ctx context.Context, id string) (sensitive.Request, error) {
	if err := ctx.Err(); err != nil {
		return sensitive.Request{}, err
	}
	if s == nil || s.sqlDB == nil {
		return sensitive.Request{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(id) == "" {
		return sensitive.Request{}, fmt.Errorf("request id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		"SELECT "+requestColumns+" FROM sensitive_requests WHERE id = ?", id)
	return scanRequest(row)
}

// FindActiveRequest returns the employee's in-flight request, if any.
func (s *Store) FindActiveRequest(ctx context.Context, employeeID int64) (sensitive.Request, error) {
	if err := ctx.Err(); err != nil {
		return sensitive.Request{}, err
	}
	if s == nil || s.sqlDB == nil {
		return sensitive.Request{}, fmt.Errorf("storage is not configured")
	}
	if employeeID <= 0 {
		return sensitive.Request{}, fmt.Errorf("employee id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		"SELECT "+requestColumns+" FROM sensitive_requests WHERE employee_id = ? AND status IN ('Requested', 'Verified')",
		employeeID)
	return scanRequest(row)
}

// ListRequests returns requests filtered by status, newest first. An empty
// status returns everything.
func (s *Store) ListRequests(ctx context.Context, status sensitive.Status) ([]sensitive.Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	query := "SELECT " + requestColumns + " FROM sensitive_requests"
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var requests []sensitive.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}

	return requests, nil
}

// MarkVerified moves the request from Requested to Verified, clears the
// stored code hash so the code cannot be replayed, and appends the audit
// event to the journal. The status swap and the append commit together or
// not at all, so a lost version race leaves the request untouched.
func (s *Store) MarkVerified(ctx context.Context, id string, at time.Time, evt event.Event, expectedVersion uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE sensitive_requests
		 SET status = ?, otp_hash = '', verified_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(sensitive.StatusVerified),
		toMillis(at),
		toMillis(at),
		id,
		string(sensitive.StatusRequested),
	)
	if err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return err
	}

	if _, err := appendEventTx(ctx, tx, evt, expectedVersion); err != nil {
		return fmt.Errorf("journal verified request: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// MarkExpired lapses an in-flight request, guarded on its current status.
func (s *Store) MarkExpired(ctx context.Context, id string, from sensitive.Status, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if !from.InFlight() {
		return fmt.Errorf("cannot expire from status %q", from)
	}

	res, err := s.sqlDB.ExecContext(ctx,
		"UPDATE sensitive_requests SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
		string(sensitive.StatusExpired),
		toMillis(at),
		id,
		string(from),
	)
	if err != nil {
		return fmt.Errorf("mark expired: %w", err)
	}
	return requireAffected(res)
}

// Decide settles a Verified request as Approved or Rejected and appends the
// settlement event to the journal in the same transaction. Concurrent
// deciders race on the status guard; exactly one wins, and a lost version
// race rolls the status swap back so the request stays decidable.
func (s *Store) Decide(ctx context.Context, id string, to sensitive.Status, approverID int64, reason string, at time.Time, evt event.Event, expectedVersion uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if to != sensitive.StatusApproved && to != sensitive.StatusRejected {
		return fmt.Errorf("cannot decide to status %q", to)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE sensitive_requests
		 SET status = ?, decided_by = ?, decided_at = ?, reason = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(to),
		approverID,
		toMillis(at),
		reason,
		toMillis(at),
		id,
		string(sensitive.StatusVerified),
	)
	if err != nil {
		return fmt.Errorf("decide request: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return err
	}

	if _, err := appendEventTx(ctx, tx, evt, expectedVersion); err != nil {
		return fmt.Errorf("journal settled request: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// IncrementAttempts atomically bumps the attempt counter while it is below
// max on a Requested request, returning the new count.
func (s *Store) IncrementAttempts(ctx context.Context, id string, max int, at time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if max <= 0 {
		return 0, fmt.Errorf("max attempts must be greater than zero")
	}

	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE sensitive_requests
		 SET attempt_count = attempt_count + 1, updated_at = ?
		 WHERE id = ? AND status = ? AND attempt_count < ?`,
		toMillis(at),
		id,
		string(sensitive.StatusRequested),
		max,
	)
	if err != nil {
		return 0, fmt.Errorf("increment attempts: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("increment attempts result: %w", err)
	}
	if affected == 0 {
		var count int
		var status string
		err := s.sqlDB.QueryRowContext(ctx,
			"SELECT attempt_count, status FROM sensitive_requests WHERE id = ?", id,
		).Scan(&count, &status)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return 0, storage.ErrNotFound
			}
			return 0, fmt.Errorf("read attempts: %w", err)
		}
		if sensitive.Status(status) != sensitive.StatusRequested {
			return count, storage.ErrStatusConflict
		}
		return count, storage.ErrAttemptsExhausted
	}

	var count int
	if err := s.sqlDB.QueryRowContext(ctx,
		"SELECT attempt_count FROM sensitive_requests WHERE id = ?", id,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("read attempts: %w", err)
	}
	return count, nil
}

// ResetOTP installs a fresh code hash and expiry on a Requested request and
// zeroes its attempt counter.
func (s *Store) ResetOTP(ctx context.Context, id string, hash string, expiresAt, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(hash) == "" {
		return fmt.Errorf("code hash is required")
	}

	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE sensitive_requests
		 SET otp_hash = ?, otp_expires_at = ?, attempt_count = 0, updated_at = ?
		 WHERE id = ? AND status = ?`,
		hash,
		toMillis(expiresAt),
		toMillis(at),
		id,
		string(sensitive.StatusRequested),
	)
	if err != nil {
		return fmt.Errorf("reset otp: %w", err)
	}
	return requireAffected(res)
}

// requireAffected maps a zero-row update to the status conflict sentinel.
func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrStatusConflict
	}
	return nil
}

func nullInt64(value int64) sql.NullInt64 {
	if value == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: value, Valid: true}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (sensitive.Request, error) {
	var (
		r            sensitive.Request
		status       string
		changesJSON  []byte
		otpExpiresAt int64
		deadline     int64
		verifiedAt   sql.NullInt64
		decidedBy    sql.NullInt64
		decidedAt    sql.NullInt64
		createdAt    int64
		updatedAt    int64
	)

	err := row.Scan(
		&r.ID,
		&r.EmployeeID,
		&r.RequestedBy,
		&status,
		&changesJSON,
		&r.OTPHash,
		&otpExpiresAt,
		&r.AttemptCount,
		&deadline,
		&verifiedAt,
		&decidedBy,
		&decidedAt,
		&r.Reason,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sensitive.Request{}, storage.ErrNotFound
		}
		return sensitive.Request{}, fmt.Errorf("scan request: %w", err)
	}

	var changes map[string]event.FieldDelta
	if len(changesJSON) > 0 {
		if err := json.Unmarshal(changesJSON, &changes); err != nil {
			return sensitive.Request{}, fmt.Errorf("decode request changes: %w", err)
		}
	}

	r.Status = sensitive.Status(status)
	r.Changes = changes
	r.OTPExpiresAt = fromMillis(otpExpiresAt)
	r.Deadline = fromMillis(deadline)
	r.VerifiedAt = fromNullMillis(verifiedAt)
	if decidedBy.Valid {
		r.DecidedBy = decidedBy.Int64
	}
	r.DecidedAt = fromNullMillis(decidedAt)
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromMillis(updatedAt)

	return r, nil
}
