// Package worker runs the in-process pool of goroutines that claim queue
// messages, resolve the target Job's Callable through the registry, and
// invoke it — the poll-based analogue of the gRPC worker loop the queue
// backend used to require.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"batchops/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Pool runs size goroutines competing for Queue claims.
type Pool struct {
	size      int
	queue     domain.Queue
	jobs      domain.JobRepo
	runs      domain.JobRunRepo
	callables domain.CallableRegistry
	locker    domain.Locker
	leaseTTL  time.Duration
	pollIdle  time.Duration
	logger    *slog.Logger
	tracer    trace.Tracer

	wg sync.WaitGroup
}

// New builds a worker Pool of size goroutines. locker guards against two
// claims for the same Upload running their stages concurrently — the queue
// lease alone isolates a single message, not every message that might
// reference the same Upload (e.g. a manual retry racing a scheduled rerun).
func New(size int, queue domain.Queue, jobs domain.JobRepo, runs domain.JobRunRepo, callables domain.CallableRegistry, locker domain.Locker, leaseTTL, pollIdle time.Duration, logger *slog.Logger) *Pool {
	return &Pool{
		size:      size,
		queue:     queue,
		jobs:      jobs,
		runs:      runs,
		callables: callables,
		locker:    locker,
		leaseTTL:  leaseTTL,
		pollIdle:  pollIdle,
		logger:    logger.With("component", "worker-pool"),
		tracer:    otel.Tracer("batchops-worker-pool"),
	}
}

// Start launches size worker goroutines and blocks until ctx is cancelled,
// then waits for in-flight claims to drain before returning.
func (p *Pool) Start(ctx context.Context) error {
	p.logger.Info("worker pool starting", "size", p.size)

	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.loop(ctx, i)
	}

	<-ctx.Done()
	p.logger.Info("worker pool draining")
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
	return ctx.Err()
}

func (p *Pool) loop(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With("worker_id", id)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := p.queue.Claim(ctx, p.leaseTTL)
		if err != nil {
			if errors.Is(err, domain.ErrQueueEmpty) {
				p.sleepOrDone(ctx)
				continue
			}
			logger.Error("failed to claim queue message", "error", err)
			p.sleepOrDone(ctx)
			continue
		}

		p.process(ctx, logger, msg)
	}
}

func (p *Pool) sleepOrDone(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.pollIdle):
	}
}

func (p *Pool) process(ctx context.Context, logger *slog.Logger, msg *domain.QueueMessage) {
	ctx, span := p.tracer.Start(ctx, "worker.Process")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", msg.JobID), attribute.String("upload.id", msg.UploadID), attribute.Int("attempt", msg.Attempt))

	if msg.UploadID != "" {
		lock, err := p.locker.Lock(ctx, msg.UploadID)
		if err != nil {
			if errors.Is(err, domain.ErrLockNotAcquired) {
				logger.Warn("upload already being processed by another worker, requeueing claim", "upload_id", msg.UploadID)
			} else {
				logger.Error("failed to acquire upload lock", "upload_id", msg.UploadID, "error", err)
				span.RecordError(err)
			}
			return
		}
		defer func() {
			if err := lock.Unlock(context.Background()); err != nil {
				logger.Warn("failed to release upload lock", "upload_id", msg.UploadID, "error", err)
			}
		}()
	}

	job, err := p.jobs.GetByID(ctx, msg.JobID)
	if err != nil {
		logger.Error("failed to resolve job for claimed message", "job_id", msg.JobID, "error", err)
		span.RecordError(err)
		return
	}

	callable, err := p.callables.Resolve(job.Config.Callable)
	if err != nil {
		logger.Error("failed to resolve callable", "callable", job.Config.Callable, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "unresolved callable")
		p.failUnresolvedCallable(ctx, logger, job, msg)
		if ackErr := p.queue.Ack(ctx, msg); ackErr != nil {
			logger.Error("failed to ack message with an unresolved callable", "error", ackErr)
		}
		return
	}

	if err := callable.Invoke(ctx, msg.UploadID, job.Config.Args, job.Config.Kwargs); err != nil {
		logger.Error("callable invocation failed", "job_id", msg.JobID, "upload_id", msg.UploadID, "error", err)
		span.RecordError(err)
		return
	}

	if err := p.queue.Ack(ctx, msg); err != nil {
		logger.Error("failed to ack processed message", "error", err)
		span.RecordError(err)
	}
}

// failUnresolvedCallable records a permanent, non-retried failure for a job
// whose configured callable is not registered with this worker: an operator
// misconfiguration, not a transient condition another attempt could fix. No
// Incident is raised, matching the runtime error taxonomy for callable
// resolution failures.
func (p *Pool) failUnresolvedCallable(ctx context.Context, logger *slog.Logger, job *domain.Job, msg *domain.QueueMessage) {
	now := time.Now().UTC()
	run := &domain.JobRun{
		JobID:      job.ID,
		UploadID:   msg.UploadID,
		Status:     domain.JobRunStatusFailed,
		StartedAt:  now,
		FinishedAt: &now,
	}
	if err := p.runs.Create(ctx, run); err != nil {
		logger.Error("failed to create job run for unresolved callable", "error", err)
		return
	}
	logs := fmt.Sprintf("callable %q is not registered", job.Config.Callable)
	if err := p.runs.Finish(ctx, run.ID, domain.JobRunStatusFailed, 2, logs, now); err != nil {
		logger.Error("failed to finish job run for unresolved callable", "error", err)
	}
}
