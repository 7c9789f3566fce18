package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/tranvu/hrmledger/internal/employee/event"
	"github.com/tranvu/hrmledger/internal/sensitive"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.sqlite")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func testEvent(aggregateID int64, typ event.Type) event.Event {
	return event.Event{
		AggregateID: aggregateID,
		Type:        typ,
		CreatedBy:   7,
		CreatedAt:   testTime,
		PayloadJSON: []byte(`{}`),
	}
}

func testRequest(id string, employeeID int64) sensitive.Request {
	return sensitive.Request{
		ID:          id,
		EmployeeID:  employeeID,
		RequestedBy: employeeID,
		Status:      sensitive.StatusRequested,
		Changes: map[string]event.FieldDelta{
			event.FieldTaxID: {Old: "TAX-000111", New: "TAX-999999"},
		},
		OTPHash:      "hash-1",
		OTPExpiresAt: testTime.Add(5 * time.Minute),
		Deadline:     testTime.Add(72 * time.Hour),
		CreatedAt:    testTime,
		UpdatedAt:    testTime,
	}
}
