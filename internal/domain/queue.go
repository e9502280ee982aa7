package domain

import (
	"context"
	"time"
)

// QueueMessage is a claimed unit of work handed to a worker: an Upload
// waiting for its next pipeline stage, or a job invocation dispatched by the
// scheduler.
type QueueMessage struct {
	ID        string // opaque handle used to Ack the claim
	JobID     string
	UploadID  string
	EnqueuedAt time.Time
	Attempt   int
}

// Queue is the shared, durable work queue workers pull from. Implementations
// back onto the external key/value store so multiple worker processes can
// compete for the same backlog safely.
type Queue interface {
	// Enqueue appends a message for immediate dispatch.
	Enqueue(ctx context.Context, jobID, uploadID string) error
	// EnqueueAt schedules a message to become claimable at (or after) at,
	// used for known-error auto-retry backoff.
	EnqueueAt(ctx context.Context, jobID, uploadID string, at time.Time) error
	// Promote moves any delayed messages whose time has arrived into the
	// immediately-claimable set. Called periodically by the scheduler tick.
	Promote(ctx context.Context, now time.Time) (int, error)
	// Claim atomically leases the next available message to the caller, or
	// returns ErrQueueEmpty if none are claimable.
	Claim(ctx context.Context, leaseTTL time.Duration) (*QueueMessage, error)
	// Ack releases a successfully processed claim.
	Ack(ctx context.Context, msg *QueueMessage) error
}
