// internal/infra/postgres/jobrun_repo.go
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"batchops/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type jobRunRepo struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewJobRunRepo creates the Postgres-backed domain.JobRunRepo.
func NewJobRunRepo(pool *pgxpool.Pool) domain.JobRunRepo {
	return &jobRunRepo{pool: pool, tracer: otel.Tracer("batchops-postgres-jobrun-repo")}
}

func (r *jobRunRepo) Create(ctx context.Context, run *domain.JobRun) error {
	ctx, span := r.tracer.Start(ctx, "repo.jobrun.Create")
	defer span.End()

	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = domain.JobRunStatusRunning
	}
	span.SetAttributes(attribute.String("job_run.id", run.ID), attribute.String("upload.id", run.UploadID))

	_, err := r.pool.Exec(ctx, `
		INSERT INTO job_runs (id, job_id, upload_id, status, started_at)
		VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.JobID, run.UploadID, run.Status, run.StartedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to insert job run")
		return fmt.Errorf("failed to create job run %s: %w", run.ID, err)
	}
	return nil
}

func (r *jobRunRepo) AppendStep(ctx context.Context, runID string, step domain.StepRecord) error {
	ctx, span := r.tracer.Start(ctx, "repo.jobrun.AppendStep")
	defer span.End()
	span.SetAttributes(attribute.String("job_run.id", runID), attribute.String("stage", string(step.Stage)))

	_, err := r.pool.Exec(ctx, `
		INSERT INTO job_run_steps (job_run_id, stage, status, started_at, finished_at, error, logs)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		runID, step.Stage, step.Status, step.StartedAt, step.FinishedAt, step.Error, step.Logs,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to append step for job run %s: %w", runID, err)
	}
	return nil
}

func (r *jobRunRepo) Finish(ctx context.Context, runID string, status domain.JobRunStatus, exitCode int, logs string, finishedAt time.Time) error {
	ctx, span := r.tracer.Start(ctx, "repo.jobrun.Finish")
	defer span.End()
	span.SetAttributes(attribute.String("job_run.id", runID), attribute.String("status", string(status)))

	tag, err := r.pool.Exec(ctx, `
		UPDATE job_runs
		SET status = $1, finished_at = $2, exit_code = $3, logs = $4,
			duration_ms = (EXTRACT(EPOCH FROM ($2::timestamptz - started_at)) * 1000)::bigint
		WHERE id = $5`,
		status, finishedAt, exitCode, logs, runID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to finish job run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobRunNotFound
	}
	return nil
}

func (r *jobRunRepo) Get(ctx context.Context, id string) (*domain.JobRun, error) {
	ctx, span := r.tracer.Start(ctx, "repo.jobrun.Get")
	defer span.End()
	span.SetAttributes(attribute.String("job_run.id", id))

	row := r.pool.QueryRow(ctx, `SELECT id, job_id, upload_id, status, exit_code, duration_ms, logs, started_at, finished_at FROM job_runs WHERE id = $1`, id)
	run := &domain.JobRun{}
	if err := row.Scan(&run.ID, &run.JobID, &run.UploadID, &run.Status, &run.ExitCode, &run.DurationMs, &run.Logs, &run.StartedAt, &run.FinishedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobRunNotFound
		}
		return nil, fmt.Errorf("failed to get job run %s: %w", id, err)
	}

	steps, err := r.loadSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	run.Steps = steps
	return run, nil
}

func (r *jobRunRepo) ListForUpload(ctx context.Context, uploadID string) ([]*domain.JobRun, error) {
	ctx, span := r.tracer.Start(ctx, "repo.jobrun.ListForUpload")
	defer span.End()
	span.SetAttributes(attribute.String("upload.id", uploadID))

	rows, err := r.pool.Query(ctx, `SELECT id, job_id, upload_id, status, exit_code, duration_ms, logs, started_at, finished_at FROM job_runs WHERE upload_id = $1 ORDER BY started_at`, uploadID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list job runs")
		return nil, fmt.Errorf("failed to list job runs for upload %s: %w", uploadID, err)
	}
	defer rows.Close()

	var runs []*domain.JobRun
	for rows.Next() {
		run := &domain.JobRun{}
		if err := rows.Scan(&run.ID, &run.JobID, &run.UploadID, &run.Status, &run.ExitCode, &run.DurationMs, &run.Logs, &run.StartedAt, &run.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, run := range runs {
		steps, err := r.loadSteps(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		run.Steps = steps
	}
	return runs, nil
}

func (r *jobRunRepo) loadSteps(ctx context.Context, runID string) ([]domain.StepRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT stage, status, started_at, finished_at, error, logs
		FROM job_run_steps WHERE job_run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load steps for job run %s: %w", runID, err)
	}
	defer rows.Close()

	var steps []domain.StepRecord
	for rows.Next() {
		var s domain.StepRecord
		if err := rows.Scan(&s.Stage, &s.Status, &s.StartedAt, &s.FinishedAt, &s.Error, &s.Logs); err != nil {
			return nil, fmt.Errorf("failed to scan step row: %w", err)
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// FinishAndPublish atomically finishes a JobRun as succeeded and publishes
// the associated Upload's report artifacts in a single transaction, so a
// crash between the two never leaves a succeeded run pointing at an
// unpublished upload.
func FinishAndPublish(ctx context.Context, pool *pgxpool.Pool, runID string, finishedAt time.Time, durationMs int64, uploadID, csv string, pdf []byte, generatedAt time.Time) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin publish transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE job_runs SET status = $1, finished_at = $2, exit_code = 0, duration_ms = $3 WHERE id = $4`,
		domain.JobRunStatusSuccess, finishedAt, durationMs, runID); err != nil {
		return fmt.Errorf("failed to finish job run %s: %w", runID, err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE uploads SET status = $1, report_csv = $2, report_pdf = $3, report_generated_at = $4 WHERE id = $5`,
		domain.UploadStatusPublished, csv, pdf, generatedAt, uploadID); err != nil {
		return fmt.Errorf("failed to publish upload %s: %w", uploadID, err)
	}
	return tx.Commit(ctx)
}

