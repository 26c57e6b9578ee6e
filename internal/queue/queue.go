package queue

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// IMPORT JOB QUEUE
// =============================================================================
// Postgres-backed at-least-once delivery for import jobs. Items are claimed
// with FOR UPDATE SKIP LOCKED so any number of workers can poll the same
// table without double-claiming. A failed attempt requeues the item with
// exponential backoff (2s, 4s, 8s); after MaxAttempts the item moves to
// dead_letter and stays for inspection.

const (
	// MaxAttempts bounds queue-level retries per job.
	MaxAttempts = 3

	// baseBackoff is the delay before the first retry; each subsequent
	// retry doubles it.
	baseBackoff = 2 * time.Second
)

// Item statuses.
const (
	StatusQueued     = "queued"
	StatusClaimed    = "claimed"
	StatusCompleted  = "completed"
	StatusDeadLetter = "dead_letter"
)

// Item is one queued import job.
type Item struct {
	ID         uuid.UUID
	JobID      uuid.UUID
	Status     string
	RetryCount int
	WorkerID   string
	LastError  string
}

// Queue is the Postgres-backed import job queue.
type Queue struct {
	db *sql.DB
}

// New creates a queue over the shared database handle.
func New(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// EnqueueImportJob adds a job to the queue, ready to run immediately.
func (q *Queue) EnqueueImportJob(ctx context.Context, jobID uuid.UUID) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO import_queue (id, job_id, status, retry_count, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, 'queued', 0, NOW(), NOW(), NOW())
	`, uuid.New(), jobID)
	if err != nil {
		return fmt.Errorf("failed to enqueue import job: %w", err)
	}
	return nil
}

// Claim atomically takes the oldest runnable item for this worker. Returns
// nil when the queue is empty.
func (q *Queue) Claim(ctx context.Context, workerID string) (*Item, error) {
	row := q.db.QueryRowContext(ctx, `
		WITH next_item AS (
			SELECT id
			FROM import_queue
			WHERE status = 'queued'
			  AND scheduled_at <= NOW()
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE import_queue iq
		SET status = 'claimed',
		    worker_id = $1,
		    claimed_at = NOW(),
		    updated_at = NOW()
		FROM next_item
		WHERE iq.id = next_item.id
		RETURNING iq.id, iq.job_id, iq.status, iq.retry_count
	`, workerID)

	var item Item
	err := row.Scan(&item.ID, &item.JobID, &item.Status, &item.RetryCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim queue item: %w", err)
	}
	item.WorkerID = workerID
	return &item, nil
}

// Ack marks an item done.
func (q *Queue) Ack(ctx context.Context, itemID uuid.UUID) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE import_queue
		SET status = 'completed', updated_at = NOW()
		WHERE id = $1
	`, itemID)
	if err != nil {
		return fmt.Errorf("failed to ack queue item: %w", err)
	}
	return nil
}

// Nack records a failed attempt: requeue with exponential backoff while the
// item has attempts left, dead-letter otherwise.
func (q *Queue) Nack(ctx context.Context, item *Item, cause error) error {
	attempt := item.RetryCount + 1
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	if attempt >= MaxAttempts {
		_, err := q.db.ExecContext(ctx, `
			UPDATE import_queue
			SET status = 'dead_letter',
			    retry_count = $1,
			    last_error = $2,
			    updated_at = NOW()
			WHERE id = $3
		`, attempt, msg, item.ID)
		if err != nil {
			return fmt.Errorf("failed to dead-letter queue item: %w", err)
		}
		return nil
	}

	delay := Backoff(attempt)
	_, err := q.db.ExecContext(ctx, `
		UPDATE import_queue
		SET status = 'queued',
		    worker_id = NULL,
		    claimed_at = NULL,
		    retry_count = $1,
		    last_error = $2,
		    scheduled_at = NOW() + $3::interval,
		    updated_at = NOW()
		WHERE id = $4
	`, attempt, msg, delay.String(), item.ID)
	if err != nil {
		return fmt.Errorf("failed to requeue item: %w", err)
	}
	return nil
}

// Backoff returns the delay before the given retry attempt (1-based):
// 2s, 4s, 8s, ...
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(math.Pow(2, float64(attempt-1))) * baseBackoff
}

// Depth reports how many items are waiting to run.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var depth int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM import_queue WHERE status = 'queued'
	`).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return depth, nil
}
