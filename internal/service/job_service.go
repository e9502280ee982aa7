// Package service implements the application-level use cases the REST
// surface and CLI drive: CRUD over Job definitions kept in sync with the
// durable schedule registry.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"batchops/internal/domain"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// JobService implements the core business logic around Job definitions.
type JobService struct {
	repo      domain.JobRepo
	runs      domain.JobRunRepo
	schedules domain.ScheduleRegistry
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewJobService creates a new JobService instance.
func NewJobService(repo domain.JobRepo, runs domain.JobRunRepo, schedules domain.ScheduleRegistry, logger *slog.Logger) *JobService {
	return &JobService{
		repo:      repo,
		runs:      runs,
		schedules: schedules,
		logger:    logger,
		tracer:    otel.Tracer("batchops-service"),
	}
}

// ListHistory lists the JobRun history for a specific Upload.
func (s *JobService) ListHistory(ctx context.Context, uploadID string) ([]*domain.JobRun, error) {
	ctx, span := s.tracer.Start(ctx, "service.ListHistory")
	defer span.End()
	span.SetAttributes(attribute.String("upload.id", uploadID))

	runs, err := s.runs.ListForUpload(ctx, uploadID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list job run history from repository")
	}
	return runs, err
}

// Save handles the business logic for persisting a Job definition and
// registering (or re-registering) it against the schedule registry.
func (s *JobService) Save(ctx context.Context, job *domain.Job) error {
	ctx, span := s.tracer.Start(ctx, "service.Save")
	defer span.End()

	if err := job.Validate(); err != nil {
		return err
	}

	now := time.Now()
	if job.ID == "" {
		if existing, err := s.repo.Get(ctx, job.Name); err == nil {
			// Re-applying a definition for a Job that already exists:
			// keep its identity so JobRuns and the schedule registry
			// entry already keyed on it stay valid.
			job.ID = existing.ID
			job.CreatedAt = existing.CreatedAt
		} else if errors.Is(err, domain.ErrJobNotFound) {
			job.ID = uuid.New().String()
			job.CreatedAt = now
		} else {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to look up existing job by name")
			return err
		}
	}
	job.UpdatedAt = now
	span.SetAttributes(attribute.String("job.id", job.ID), attribute.String("job.name", job.Name))

	if err := s.repo.Save(ctx, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to save job to repository")
		return err
	}

	if !job.HasSchedule() {
		if err := s.schedules.Unregister(ctx, job.ID); err != nil {
			s.logger.Warn("failed to unregister manual-trigger job from schedule registry", "job_id", job.ID, "error", err)
		}
		return nil
	}

	if err := s.schedules.Register(ctx, job.ID, job.ScheduleCron, now); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to register job schedule")
		return err
	}
	return nil
}

// Delete handles the business logic for removing a Job definition.
func (s *JobService) Delete(ctx context.Context, name string) error {
	ctx, span := s.tracer.Start(ctx, "service.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("job.name", name))

	job, err := s.repo.Get(ctx, name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to look up job before deletion")
		return err
	}

	if err := s.schedules.Unregister(ctx, job.ID); err != nil {
		s.logger.Warn("failed to unregister job schedule on delete", "job_id", job.ID, "error", err)
	}

	if err := s.repo.Delete(ctx, name); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete job from repository")
		return err
	}
	return nil
}

// Get retrieves a Job by name.
func (s *JobService) Get(ctx context.Context, name string) (*domain.Job, error) {
	ctx, span := s.tracer.Start(ctx, "service.Get")
	defer span.End()
	span.SetAttributes(attribute.String("job.name", name))

	job, err := s.repo.Get(ctx, name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get job from repository")
	}
	return job, err
}

// List lists every Job definition.
func (s *JobService) List(ctx context.Context) ([]*domain.Job, error) {
	ctx, span := s.tracer.Start(ctx, "service.List")
	defer span.End()

	jobs, err := s.repo.List(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list jobs from repository")
	}
	return jobs, err
}

// Reconcile diffs the Job table against the schedule registry, called on
// boot so a scheduler process that missed writes (e.g. it was down)
// catches up.
func (s *JobService) Reconcile(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "service.Reconcile")
	defer span.End()

	jobs, err := s.repo.List(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list jobs for reconciliation")
		return err
	}

	scheduled := make([]*domain.Job, 0, len(jobs))
	for _, j := range jobs {
		if j.HasSchedule() {
			scheduled = append(scheduled, j)
		}
	}

	if err := s.schedules.Reconcile(ctx, scheduled, time.Now()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to reconcile schedule registry")
		return err
	}
	span.SetAttributes(attribute.Int("jobs.scheduled", len(scheduled)))
	return nil
}
