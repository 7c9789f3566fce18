package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tranvu/hrmledger/internal/employee/event"
	"github.com/tranvu/hrmledger/internal/storage"
)

// EventStore methods (employee event journal)

// AppendEvent atomically appends an event as the next version of its
// aggregate. The append is guarded by an optimistic concurrency check: it
// succeeds only when the aggregate's current version equals expectedVersion.
func (s *Store) AppendEvent(ctx context.Context, evt event.Event, expectedVersion uint64) (event.Event, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}
	if s == nil || s.sqlDB == nil {
		return event.Event{}, fmt.Errorf("storage is not configured")
	}

	ctx, span := s.tracer.Start(ctx, "store.AppendEvent")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("aggregate.id", evt.AggregateID),
		attribute.String("event.type", string(evt.Type)),
		attribute.Int64("expected.version", int64(expectedVersion)),
	)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return event.Event{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	evt, err = appendEventTx(ctx, tx, evt, expectedVersion)
	if err != nil {
		return event.Event{}, err
	}

	if err := tx.Commit(); err != nil {
		return event.Event{}, fmt.Errorf("commit: %w", err)
	}

	return evt, nil
}

// appendEventTx runs the optimistic append inside the caller's transaction,
// so other writes can commit or roll back together with the journal entry.
func appendEventTx(ctx context.Context, tx *sql.Tx, evt event.Event, expectedVersion uint64) (event.Event, error) {
	if err := event.ValidateForAppend(evt); err != nil {
		return event.Event{}, err
	}

	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	evt.CreatedAt = evt.CreatedAt.UTC().Truncate(time.Millisecond)

	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO event_seq (aggregate_id, next_version) VALUES (?, 1)",
		evt.AggregateID,
	); err != nil {
		return event.Event{}, fmt.Errorf("init event seq: %w", err)
	}

	var nextVersion int64
	if err := tx.QueryRowContext(ctx,
		"SELECT next_version FROM event_seq WHERE aggregate_id = ?",
		evt.AggregateID,
	).Scan(&nextVersion); err != nil {
		return event.Event{}, fmt.Errorf("get event seq: %w", err)
	}

	current := uint64(nextVersion - 1)
	if current != expectedVersion {
		return event.Event{}, fmt.Errorf("aggregate %d at version %d, expected %d: %w",
			evt.AggregateID, current, expectedVersion, storage.ErrVersionConflict)
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE event_seq SET next_version = next_version + 1 WHERE aggregate_id = ? AND next_version = ?",
		evt.AggregateID, nextVersion,
	)
	if err != nil {
		return event.Event{}, fmt.Errorf("increment event seq: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return event.Event{}, fmt.Errorf("increment event seq result: %w", err)
	}
	if affected == 0 {
		return event.Event{}, storage.ErrVersionConflict
	}

	evt.Version = uint64(nextVersion)

	insert, err := tx.ExecContext(ctx,
		`INSERT INTO events (aggregate_id, version, event_type, created_by, created_at, payload_json)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		evt.AggregateID,
		int64(evt.Version),
		string(evt.Type),
		evt.CreatedBy,
		toMillis(evt.CreatedAt),
		evt.PayloadJSON,
	)
	if err != nil {
		if isConstraintError(err) {
			return event.Event{}, fmt.Errorf("append event: %w", storage.ErrVersionConflict)
		}
		return event.Event{}, fmt.Errorf("append event: %w", err)
	}

	eventID, err := insert.LastInsertId()
	if err != nil {
		return event.Event{}, fmt.Errorf("append event id: %w", err)
	}
	evt.EventID = eventID

	return evt, nil
}

// ListEvents returns the aggregate's events ordered by version ascending.
// A non-zero upToVersion bounds the read to events at or below it.
func (s *Store) ListEvents(ctx context.Context, aggregateID int64, upToVersion uint64) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if aggregateID <= 0 {
		return nil, fmt.Errorf("aggregate id is required")
	}

	ctx, span := s.tracer.Start(ctx, "store.ListEvents")
	defer span.End()
	span.SetAttributes(attribute.Int64("aggregate.id", aggregateID))

	bound := int64(upToVersion)
	if upToVersion == 0 {
		bound = math.MaxInt64
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT event_id, aggregate_id, version, event_type, created_by, created_at, payload_json
		 FROM events WHERE aggregate_id = ? AND version <= ? ORDER BY version ASC`,
		aggregateID, bound,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var (
			evt       event.Event
			version   int64
			eventType string
			createdAt int64
		)
		if err := rows.Scan(&evt.EventID, &evt.AggregateID, &version, &eventType, &evt.CreatedBy, &createdAt, &evt.PayloadJSON); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evt.Version = uint64(version)
		evt.Type = event.Type(eventType)
		evt.CreatedAt = fromMillis(createdAt)
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}

// CurrentVersion returns the aggregate's latest version, zero when the
// aggregate has no events.
func (s *Store) CurrentVersion(ctx context.Context, aggregateID int64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if aggregateID <= 0 {
		return 0, fmt.Errorf("aggregate id is required")
	}

	var nextVersion int64
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT next_version FROM event_seq WHERE aggregate_id = ?",
		aggregateID,
	).Scan(&nextVersion)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get event seq: %w", err)
	}

	return uint64(nextVersion - 1), nil
}
