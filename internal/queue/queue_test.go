package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestQueue(t *testing.T) (*Queue, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

// =============================================================================
// BACKOFF TESTS
// =============================================================================

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{0, 2 * time.Second},  // clamped to the first attempt
		{-5, 2 * time.Second}, // same
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

// =============================================================================
// QUEUE OPERATION TESTS
// =============================================================================

func TestEnqueueImportJob(t *testing.T) {
	q, mock := newTestQueue(t)
	jobID := uuid.New()

	mock.ExpectExec(`INSERT INTO import_queue`).
		WithArgs(sqlmock.AnyArg(), jobID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := q.EnqueueImportJob(context.Background(), jobID); err != nil {
		t.Fatalf("EnqueueImportJob() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestClaim_ReturnsItem(t *testing.T) {
	q, mock := newTestQueue(t)
	itemID, jobID := uuid.New(), uuid.New()

	mock.ExpectQuery(`(?s)WITH next_item AS.+FOR UPDATE SKIP LOCKED.+UPDATE import_queue`).
		WithArgs("worker-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "job_id", "status", "retry_count"}).
			AddRow(itemID, jobID, StatusClaimed, 1))

	item, err := q.Claim(context.Background(), "worker-1")
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if item == nil || item.ID != itemID || item.JobID != jobID {
		t.Fatalf("item = %+v, want ids %s/%s", item, itemID, jobID)
	}
	if item.RetryCount != 1 || item.WorkerID != "worker-1" {
		t.Errorf("item = %+v, want retry 1 claimed by worker-1", item)
	}
}

func TestClaim_EmptyQueue(t *testing.T) {
	q, mock := newTestQueue(t)

	mock.ExpectQuery(`(?s)WITH next_item AS.+UPDATE import_queue`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "job_id", "status", "retry_count"}))

	item, err := q.Claim(context.Background(), "worker-1")
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if item != nil {
		t.Errorf("item = %+v, want nil on empty queue", item)
	}
}

func TestNack_RequeuesWithBackoff(t *testing.T) {
	q, mock := newTestQueue(t)
	item := &Item{ID: uuid.New(), JobID: uuid.New(), RetryCount: 0}

	// First failure: attempt 1, requeued 2s out.
	mock.ExpectExec(`(?s)UPDATE import_queue.+SET status = 'queued'`).
		WithArgs(1, "boom", Backoff(1).String(), item.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := q.Nack(context.Background(), item, errors.New("boom")); err != nil {
		t.Fatalf("Nack() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestNack_DeadLettersAfterMaxAttempts(t *testing.T) {
	q, mock := newTestQueue(t)
	item := &Item{ID: uuid.New(), JobID: uuid.New(), RetryCount: MaxAttempts - 1}

	mock.ExpectExec(`(?s)UPDATE import_queue.+SET status = 'dead_letter'`).
		WithArgs(MaxAttempts, "still broken", item.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := q.Nack(context.Background(), item, errors.New("still broken")); err != nil {
		t.Fatalf("Nack() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAck(t *testing.T) {
	q, mock := newTestQueue(t)
	itemID := uuid.New()

	mock.ExpectExec(`(?s)UPDATE import_queue.+SET status = 'completed'`).
		WithArgs(itemID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := q.Ack(context.Background(), itemID); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
}

func TestDepth(t *testing.T) {
	q, mock := newTestQueue(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM import_queue`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	depth, err := q.Depth(context.Background())
	if err != nil {
		t.Fatalf("Depth() error = %v", err)
	}
	if depth != 7 {
		t.Errorf("depth = %d, want 7", depth)
	}
}

// =============================================================================
// CONSUMER TESTS
// =============================================================================

func TestConsumer_AcksOnSuccessNacksOnFailure(t *testing.T) {
	q, mock := newTestQueue(t)
	item := &Item{ID: uuid.New(), JobID: uuid.New(), RetryCount: 0}

	// Success path.
	mock.ExpectExec(`(?s)UPDATE import_queue.+SET status = 'completed'`).
		WithArgs(item.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	okConsumer := NewConsumer(q, "worker-1", func(ctx context.Context, jobID uuid.UUID) error {
		if jobID != item.JobID {
			t.Errorf("handler got job %s, want %s", jobID, item.JobID)
		}
		return nil
	})
	okConsumer.handle(context.Background(), item)

	// Failure path: handler error triggers a requeue.
	mock.ExpectExec(`(?s)UPDATE import_queue.+SET status = 'queued'`).
		WithArgs(1, "processing failed", Backoff(1).String(), item.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	failConsumer := NewConsumer(q, "worker-1", func(ctx context.Context, jobID uuid.UUID) error {
		return errors.New("processing failed")
	})
	failConsumer.handle(context.Background(), item)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestNewConsumer_GeneratesWorkerID(t *testing.T) {
	q, _ := newTestQueue(t)
	c := NewConsumer(q, "", nil)
	if c.workerID == "" {
		t.Error("worker ID not generated")
	}
	if len(c.workerID) <= len("import-worker-") {
		t.Errorf("worker ID = %q, want a generated suffix", c.workerID)
	}
}
