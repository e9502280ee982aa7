// Package scheduler runs the periodic tick loop that promotes delayed queue
// messages and dispatches cron-due Jobs, guarded by a single-scheduler
// leader election so only one process drives dispatch at a time even when
// several daemons are running for availability.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"batchops/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Scheduler ticks on a fixed interval, promoting due delayed queue messages
// and enqueueing any Job whose schedule has come due.
type Scheduler struct {
	election  domain.LeaderElectionManager
	schedules domain.ScheduleRegistry
	queue     domain.Queue
	tick      time.Duration
	clock     domain.Clock
	logger    *slog.Logger
	tracer    trace.Tracer
}

// New builds a Scheduler.
func New(election domain.LeaderElectionManager, schedules domain.ScheduleRegistry, queue domain.Queue, tick time.Duration, clock domain.Clock, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		election:  election,
		schedules: schedules,
		queue:     queue,
		tick:      tick,
		clock:     clock,
		logger:    logger.With("component", "scheduler"),
		tracer:    otel.Tracer("batchops-scheduler"),
	}
}

// Start runs the tick loop until ctx is cancelled, campaigning for
// leadership first so a standby daemon idles harmlessly until promoted.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler starting, campaigning for leadership")

	leaderCh, err := s.election.Campaign(ctx)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			_ = s.election.Resign(context.Background())
			return ctx.Err()
		case <-leaderCh:
			s.logger.Warn("lost scheduler leadership, idling")
		case <-ticker.C:
			if !s.election.IsLeader() {
				continue
			}
			s.runTick(ctx)
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "scheduler.Tick")
	defer span.End()

	now := s.clock.Now()

	promoted, err := s.queue.Promote(ctx, now)
	if err != nil {
		s.logger.Error("failed to promote delayed queue messages", "error", err)
		span.RecordError(err)
	} else if promoted > 0 {
		s.logger.Info("promoted delayed messages", "count", promoted)
	}

	due, err := s.schedules.Due(ctx, now)
	if err != nil {
		s.logger.Error("failed to list due schedules", "error", err)
		span.RecordError(err)
		return
	}
	span.SetAttributes(attribute.Int("schedules.due", len(due)))

	for _, state := range due {
		// Enqueue keyed on the schedule's own NextFireAt, not the tick's
		// wall-clock now: if the process crashes before MarkDispatched
		// advances NextFireAt, the next tick's Due() returns the same
		// pending fire and this call lands on the same delayed-queue key
		// instead of inserting a duplicate.
		if err := s.queue.EnqueueAt(ctx, state.JobID, "", state.NextFireAt); err != nil {
			s.logger.Error("failed to enqueue due job", "job_id", state.JobID, "error", err)
			continue
		}
		if err := s.schedules.MarkDispatched(ctx, state.JobID, now, state.Version); err != nil {
			s.logger.Error("failed to mark job dispatched", "job_id", state.JobID, "error", err)
			continue
		}
		s.logger.Info("dispatched scheduled job", "job_id", state.JobID)
	}
}
