package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tranvu/hrmledger/internal/employee/event"
	"github.com/tranvu/hrmledger/internal/sensitive"
	"github.com/tranvu/hrmledger/internal/storage"
)

func TestCreateAndGetRequest(t *testing.T) {
	store := openTestStore(t)

	want := testRequest("req-1", 42)
	if err := store.CreateRequest(context.Background(), want); err != nil {
		t.Fatalf("create request: %v", err)
	}

	got, err := store.GetRequest(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got.Status != sensitive.StatusRequested {
		t.Fatalf("status = %s, want %s", got.Status, sensitive.StatusRequested)
	}
	if got.OTPHash != "hash-1" {
		t.Fatalf("otp hash = %q, want %q", got.OTPHash, "hash-1")
	}
	if got.Changes[event.FieldTaxID].New != "TAX-999999" {
		t.Fatalf("changes = %+v, want taxId delta", got.Changes)
	}
	if !got.Deadline.Equal(want.Deadline) {
		t.Fatalf("deadline = %v, want %v", got.Deadline, want.Deadline)
	}
}

func TestGetRequestNotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.GetRequest(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestOneInFlightRequestPerEmployee(t *testing.T) {
	store := openTestStore(t)

	if err := store.CreateRequest(context.Background(), testRequest("req-1", 42)); err != nil {
		t.Fatalf("create first request: %v", err)
	}

	err := store.CreateRequest(context.Background(), testRequest("req-2", 42))
	if !errors.Is(err, storage.ErrActiveRequest) {
		t.Fatalf("error = %v, want ErrActiveRequest", err)
	}

	// Settled requests release the slot.
	if err := store.MarkExpired(context.Background(), "req-1", sensitive.StatusRequested, testTime); err != nil {
		t.Fatalf("mark expired: %v", err)
	}
	if err := store.CreateRequest(context.Background(), testRequest("req-2", 42)); err != nil {
		t.Fatalf("create after settle: %v", err)
	}
}

func TestFindActiveRequest(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.FindActiveRequest(context.Background(), 42); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}

	if err := store.CreateRequest(context.Background(), testRequest("req-1", 42)); err != nil {
		t.Fatalf("create request: %v", err)
	}

	got, err := store.FindActiveRequest(context.Background(), 42)
	if err != nil {
		t.Fatalf("find active: %v", err)
	}
	if got.ID != "req-1" {
		t.Fatalf("id = %q, want %q", got.ID, "req-1")
	}
}

func TestMarkVerifiedClearsCode(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.AppendEvent(context.Background(), testEvent(42, event.TypeEmployeeCreated), 0); err != nil {
		t.Fatalf("seed event: %v", err)
	}
	if err := store.CreateRequest(context.Background(), testRequest("req-1", 42)); err != nil {
		t.Fatalf("create request: %v", err)
	}

	at := testTime.Add(time.Minute)
	if err := store.MarkVerified(context.Background(), "req-1", at, testEvent(42, event.TypeSensitiveChangeRequested), 1); err != nil {
		t.Fatalf("mark verified: %v", err)
	}

	got, err := store.GetRequest(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got.Status != sensitive.StatusVerified {
		t.Fatalf("status = %s, want %s", got.Status, sensitive.StatusVerified)
	}
	if got.OTPHash != "" {
		t.Fatal("expected code hash to be cleared")
	}
	if !got.VerifiedAt.Equal(at) {
		t.Fatalf("verified at = %v, want %v", got.VerifiedAt, at)
	}

	events, err := store.ListEvents(context.Background(), 42, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || events[1].Type != event.TypeSensitiveChangeRequested {
		t.Fatalf("journal = %+v, want requested event at version 2", events)
	}

	// Verifying twice loses the status guard.
	err = store.MarkVerified(context.Background(), "req-1", at, testEvent(42, event.TypeSensitiveChangeRequested), 2)
	if !errors.Is(err, storage.ErrStatusConflict) {
		t.Fatalf("error = %v, want ErrStatusConflict", err)
	}
}

func TestDecideExactlyOnce(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.AppendEvent(context.Background(), testEvent(42, event.TypeEmployeeCreated), 0); err != nil {
		t.Fatalf("seed event: %v", err)
	}
	if err := store.CreateRequest(context.Background(), testRequest("req-1", 42)); err != nil {
		t.Fatalf("create request: %v", err)
	}
	if err := store.MarkVerified(context.Background(), "req-1", testTime, testEvent(42, event.TypeSensitiveChangeRequested), 1); err != nil {
		t.Fatalf("mark verified: %v", err)
	}

	at := testTime.Add(time.Hour)
	if err := store.Decide(context.Background(), "req-1", sensitive.StatusApproved, 9, "", at, testEvent(42, event.TypeSensitiveChangeApproved), 2); err != nil {
		t.Fatalf("decide: %v", err)
	}

	// The second decider loses the compare-and-swap.
	err := store.Decide(context.Background(), "req-1", sensitive.StatusRejected, 10, "late", at, testEvent(42, event.TypeSensitiveChangeRejected), 3)
	if !errors.Is(err, storage.ErrStatusConflict) {
		t.Fatalf("error = %v, want ErrStatusConflict", err)
	}

	got, err := store.GetRequest(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got.Status != sensitive.StatusApproved {
		t.Fatalf("status = %s, want %s", got.Status, sensitive.StatusApproved)
	}
	if got.DecidedBy != 9 {
		t.Fatalf("decided by = %d, want 9", got.DecidedBy)
	}

	events, err := store.ListEvents(context.Background(), 42, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 || events[2].Type != event.TypeSensitiveChangeApproved {
		t.Fatalf("journal length = %d, want 3 ending in approval", len(events))
	}
}

func TestDecideRequiresVerified(t *testing.T) {
	store := openTestStore(t)

	if err := store.CreateRequest(context.Background(), testRequest("req-1", 42)); err != nil {
		t.Fatalf("create request: %v", err)
	}

	err := store.Decide(context.Background(), "req-1", sensitive.StatusApproved, 9, "", testTime, testEvent(42, event.TypeSensitiveChangeApproved), 0)
	if !errors.Is(err, storage.ErrStatusConflict) {
		t.Fatalf("error = %v, want ErrStatusConflict", err)
	}
}

func TestDecideRollsBackOnVersionConflict(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.AppendEvent(context.Background(), testEvent(42, event.TypeEmployeeCreated), 0); err != nil {
		t.Fatalf("seed event: %v", err)
	}
	if err := store.CreateRequest(context.Background(), testRequest("req-1", 42)); err != nil {
		t.Fatalf("create request: %v", err)
	}
	if err := store.MarkVerified(context.Background(), "req-1", testTime, testEvent(42, event.TypeSensitiveChangeRequested), 1); err != nil {
		t.Fatalf("mark verified: %v", err)
	}

	// A stale expected version must abort the whole transaction: no status
	// change without its journal entry.
	err := store.Decide(context.Background(), "req-1", sensitive.StatusApproved, 9, "", testTime, testEvent(42, event.TypeSensitiveChangeApproved), 0)
	if !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("error = %v, want ErrVersionConflict", err)
	}

	got, err := store.GetRequest(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got.Status != sensitive.StatusVerified {
		t.Fatalf("status = %s, want %s after rollback", got.Status, sensitive.StatusVerified)
	}

	events, err := store.ListEvents(context.Background(), 42, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("journal length = %d, want 2 after rollback", len(events))
	}
}

func TestIncrementAttemptsBound(t *testing.T) {
	store := openTestStore(t)

	if err := store.CreateRequest(context.Background(), testRequest("req-1", 42)); err != nil {
		t.Fatalf("create request: %v", err)
	}

	const max = 3
	for i := 1; i <= max; i++ {
		count, err := store.IncrementAttempts(context.Background(), "req-1", max, testTime)
		if err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
		if count != i {
			t.Fatalf("count = %d, want %d", count, i)
		}
	}

	count, err := store.IncrementAttempts(context.Background(), "req-1", max, testTime)
	if !errors.Is(err, storage.ErrAttemptsExhausted) {
		t.Fatalf("error = %v, want ErrAttemptsExhausted", err)
	}
	if count != max {
		t.Fatalf("count = %d, want %d", count, max)
	}
}

func TestIncrementAttemptsAfterVerify(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.AppendEvent(context.Background(), testEvent(42, event.TypeEmployeeCreated), 0); err != nil {
		t.Fatalf("seed event: %v", err)
	}
	if err := store.CreateRequest(context.Background(), testRequest("req-1", 42)); err != nil {
		t.Fatalf("create request: %v", err)
	}
	if err := store.MarkVerified(context.Background(), "req-1", testTime, testEvent(42, event.TypeSensitiveChangeRequested), 1); err != nil {
		t.Fatalf("mark verified: %v", err)
	}

	_, err := store.IncrementAttempts(context.Background(), "req-1", 5, testTime)
	if !errors.Is(err, storage.ErrStatusConflict) {
		t.Fatalf("error = %v, want ErrStatusConflict", err)
	}
}

func TestResetOTP(t *testing.T) {
	store := openTestStore(t)

	if err := store.CreateRequest(context.Background(), testRequest("req-1", 42)); err != nil {
		t.Fatalf("create request: %v", err)
	}
	if _, err := store.IncrementAttempts(context.Background(), "req-1", 5, testTime); err != nil {
		t.Fatalf("increment: %v", err)
	}

	expiresAt := testTime.Add(10 * time.Minute)
	if err := store.ResetOTP(context.Background(), "req-1", "hash-2", expiresAt, testTime); err != nil {
		t.Fatalf("reset otp: %v", err)
	}

	got, err := store.GetRequest(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got.OTPHash != "hash-2" {
		t.Fatalf("otp hash = %q, want %q", got.OTPHash, "hash-2")
	}
	if got.AttemptCount != 0 {
		t.Fatalf("attempt count = %d, want 0", got.AttemptCount)
	}
	if !got.OTPExpiresAt.Equal(expiresAt) {
		t.Fatalf("expires at = %v, want %v", got.OTPExpiresAt, expiresAt)
	}
}

func TestListRequestsFilterAndOrder(t *testing.T) {
	store := openTestStore(t)

	first := testRequest("req-1", 1)
	first.CreatedAt = testTime
	second := testRequest("req-2", 2)
	second.CreatedAt = testTime.Add(time.Hour)

	if err := store.CreateRequest(context.Background(), first); err != nil {
		t.Fatalf("create first: %v", err)
	}
	if err := store.CreateRequest(context.Background(), second); err != nil {
		t.Fatalf("create second: %v", err)
	}
	if _, err := store.AppendEvent(context.Background(), testEvent(1, event.TypeEmployeeCreated), 0); err != nil {
		t.Fatalf("seed event: %v", err)
	}
	if err := store.MarkVerified(context.Background(), "req-1", testTime, testEvent(1, event.TypeSensitiveChangeRequested), 1); err != nil {
		t.Fatalf("mark verified: %v", err)
	}

	all, err := store.ListRequests(context.Background(), "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("requests = %d, want 2", len(all))
	}
	if all[0].ID != "req-2" {
		t.Fatalf("first listed = %s, want req-2 (newest first)", all[0].ID)
	}

	verified, err := store.ListRequests(context.Background(), sensitive.StatusVerified)
	if err != nil {
		t.Fatalf("list verified: %v", err)
	}
	if len(verified) != 1 || verified[0].ID != "req-1" {
		t.Fatalf("verified = %+v, want req-1 only", verified)
	}
}
