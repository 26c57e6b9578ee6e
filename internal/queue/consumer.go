package queue

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// QUEUE CONSUMER
// =============================================================================
// Polling loop that claims items and hands them to a handler. Each consumer
// processes one job at a time; run several consumers for parallelism across
// jobs. Batches within a job stay sequential inside the handler.

// DefaultPollInterval is how often an idle consumer checks for work.
const DefaultPollInterval = 2 * time.Second

// Handler processes one import job. A returned error triggers a
// queue-level retry of the whole job.
type Handler func(ctx context.Context, jobID uuid.UUID) error

// Consumer polls the queue and dispatches claimed items.
type Consumer struct {
	queue        *Queue
	workerID     string
	pollInterval time.Duration
	handler      Handler
}

// NewConsumer creates a consumer with a unique worker identity.
func NewConsumer(q *Queue, workerID string, handler Handler) *Consumer {
	if workerID == "" {
		workerID = "import-worker-" + uuid.NewString()[:8]
	}
	return &Consumer{
		queue:        q,
		workerID:     workerID,
		pollInterval: DefaultPollInterval,
		handler:      handler,
	}
}

// Run polls until ctx is cancelled. It drains available work back to back
// and only sleeps when the queue is empty.
func (c *Consumer) Run(ctx context.Context) {
	log.Printf("[QueueConsumer] %s starting (poll=%s)", c.workerID, c.pollInterval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[QueueConsumer] %s stopping", c.workerID)
			return
		default:
		}

		item, err := c.queue.Claim(ctx, c.workerID)
		if err != nil {
			log.Printf("[QueueConsumer] %s claim error: %v", c.workerID, err)
			c.sleep(ctx)
			continue
		}
		if item == nil {
			c.sleep(ctx)
			continue
		}

		c.handle(ctx, item)
	}
}

func (c *Consumer) handle(ctx context.Context, item *Item) {
	log.Printf("[QueueConsumer] %s processing job %s (attempt %d)",
		c.workerID, item.JobID, item.RetryCount+1)

	if err := c.handler(ctx, item.JobID); err != nil {
		log.Printf("[QueueConsumer] %s job %s attempt %d failed: %v",
			c.workerID, item.JobID, item.RetryCount+1, err)
		if nerr := c.queue.Nack(ctx, item, err); nerr != nil {
			log.Printf("[QueueConsumer] %s nack error: %v", c.workerID, nerr)
		}
		return
	}

	if err := c.queue.Ack(ctx, item.ID); err != nil {
		log.Printf("[QueueConsumer] %s ack error: %v", c.workerID, err)
	}
}

func (c *Consumer) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(c.pollInterval):
	}
}
