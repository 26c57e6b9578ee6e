package queue

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestRecoverStuckItems(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	r := NewRecoveryWorker(db)

	// Stuck items with attempts left go back to queued with the crash
	// counted as an attempt; exhausted items move to dead_letter.
	mock.ExpectExec(`(?s)UPDATE import_queue.+SET status = 'queued'.+retry_count = retry_count \+ 1`).
		WithArgs(r.staleAge.String(), MaxAttempts).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`(?s)UPDATE import_queue.+SET status = 'dead_letter'`).
		WithArgs(r.staleAge.String(), MaxAttempts).
		WillReturnResult(sqlmock.NewResult(0, 1))

	r.recoverStuckItems(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
