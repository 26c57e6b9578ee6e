package queue

import (
	"context"
	"database/sql"
	"log"
	"time"
)

// =============================================================================
// QUEUE RECOVERY WORKER
// =============================================================================
// If a worker crashes mid-job, its queue item stays 'claimed' indefinitely.
// This loop periodically requeues items claimed too long ago (counting the
// crash as an attempt) and dead-letters anything past the retry limit.

const (
	// DefaultRecoveryInterval is how often we scan for stuck items.
	DefaultRecoveryInterval = 2 * time.Minute

	// DefaultStaleAge is how long an item can stay claimed before we assume
	// its worker died.
	DefaultStaleAge = 5 * time.Minute
)

// RecoveryWorker reclaims stuck queue items.
type RecoveryWorker struct {
	db       *sql.DB
	interval time.Duration
	staleAge time.Duration
}

// NewRecoveryWorker creates a recovery worker with default timing.
func NewRecoveryWorker(db *sql.DB) *RecoveryWorker {
	return &RecoveryWorker{
		db:       db,
		interval: DefaultRecoveryInterval,
		staleAge: DefaultStaleAge,
	}
}

// Start blocks until ctx is cancelled, scanning on each tick.
func (r *RecoveryWorker) Start(ctx context.Context) {
	log.Printf("[QueueRecovery] starting (interval=%s, stale_age=%s, max_attempts=%d)",
		r.interval, r.staleAge, MaxAttempts)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[QueueRecovery] stopping")
			return
		case <-ticker.C:
			r.recoverStuckItems(ctx)
		}
	}
}

func (r *RecoveryWorker) recoverStuckItems(ctx context.Context) {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Requeue stuck items that still have attempts left.
	res, err := r.db.ExecContext(queryCtx, `
		UPDATE import_queue
		SET status = 'queued',
		    worker_id = NULL,
		    claimed_at = NULL,
		    retry_count = retry_count + 1,
		    scheduled_at = NOW(),
		    updated_at = NOW()
		WHERE status = 'claimed'
		  AND claimed_at < NOW() - $1::interval
		  AND retry_count < $2
	`, r.staleAge.String(), MaxAttempts)
	if err != nil {
		log.Printf("[QueueRecovery] requeue error: %v", err)
	} else if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("[QueueRecovery] requeued %d stuck items", n)
	}

	// Dead-letter items that have exhausted their attempts.
	res, err = r.db.ExecContext(queryCtx, `
		UPDATE import_queue
		SET status = 'dead_letter', updated_at = NOW()
		WHERE status = 'claimed'
		  AND claimed_at < NOW() - $1::interval
		  AND retry_count >= $2
	`, r.staleAge.String(), MaxAttempts)
	if err != nil {
		log.Printf("[QueueRecovery] dead-letter error: %v", err)
	} else if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("[QueueRecovery] moved %d items to dead_letter", n)
	}
}
