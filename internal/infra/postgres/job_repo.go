// internal/infra/postgres/job_repo.go
package postgres

import (
	"context"
	"encoding/json"
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

type jobRepo struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewJobRepo creates the Postgres-backed domain.JobRepo.
func NewJobRepo(pool *pgxpool.Pool) domain.JobRepo {
	return &jobRepo{pool: pool, tracer: otel.Tracer("batchops-postgres-job-repo")}
}

func (r *jobRepo) Save(ctx context.Context, job *domain.Job) error {
	ctx, span := r.tracer.Start(ctx, "repo.job.Save")
	defer span.End()
	span.SetAttributes(attribute.String("job.name", job.Name))

	// Re-saving a Job by name (a re-applied boot-time definition, or an
	// edit) must keep its original ID: JobRuns and the schedule registry
	// key everything off it, and a fresh UUID here would orphan both.
	if job.ID == "" {
		if existing, err := r.Get(ctx, job.Name); err == nil {
			job.ID = existing.ID
			job.CreatedAt = existing.CreatedAt
		} else if !errors.Is(err, domain.ErrJobNotFound) {
			span.RecordError(err)
			return fmt.Errorf("failed to look up existing job %s: %w", job.Name, err)
		} else {
			job.ID = uuid.NewString()
		}
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	cfg, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal job config: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO jobs (id, name, job_type, config, schedule_cron, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (name) DO UPDATE SET
			job_type = EXCLUDED.job_type,
			config = EXCLUDED.config,
			schedule_cron = EXCLUDED.schedule_cron,
			updated_at = EXCLUDED.updated_at`,
		job.ID, job.Name, job.Type, cfg, job.ScheduleCron, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upsert job")
		return fmt.Errorf("failed to save job %s: %w", job.Name, err)
	}
	return nil
}

func (r *jobRepo) Delete(ctx context.Context, name string) error {
	ctx, span := r.tracer.Start(ctx, "repo.job.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("job.name", name))

	tag, err := r.pool.Exec(ctx, `DELETE FROM jobs WHERE name = $1`, name)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete job %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func (r *jobRepo) Get(ctx context.Context, name string) (*domain.Job, error) {
	ctx, span := r.tracer.Start(ctx, "repo.job.Get")
	defer span.End()
	span.SetAttributes(attribute.String("job.name", name))
	return r.scanOne(ctx, `SELECT id, name, job_type, config, schedule_cron, created_at, updated_at FROM jobs WHERE name = $1`, name)
}

func (r *jobRepo) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	ctx, span := r.tracer.Start(ctx, "repo.job.GetByID")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id))
	return r.scanOne(ctx, `SELECT id, name, job_type, config, schedule_cron, created_at, updated_at FROM jobs WHERE id = $1`, id)
}

func (r *jobRepo) scanOne(ctx context.Context, query string, arg string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, query, arg)
	job := &domain.Job{}
	var cfg []byte
	if err := row.Scan(&job.ID, &job.Name, &job.Type, &cfg, &job.ScheduleCron, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	if err := json.Unmarshal(cfg, &job.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job config: %w", err)
	}
	return job, nil
}

func (r *jobRepo) List(ctx context.Context) ([]*domain.Job, error) {
	ctx, span := r.tracer.Start(ctx, "repo.job.List")
	defer span.End()

	rows, err := r.pool.Query(ctx, `SELECT id, name, job_type, config, schedule_cron, created_at, updated_at FROM jobs ORDER BY name`)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list jobs")
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job := &domain.Job{}
		var cfg []byte
		if err := rows.Scan(&job.ID, &job.Name, &job.Type, &cfg, &job.ScheduleCron, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		if err := json.Unmarshal(cfg, &job.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job config: %w", err)
		}
		jobs = append(jobs, job)
	}
	span.SetAttributes(attribute.Int("jobs.count", len(jobs)))
	return jobs, rows.Err()
}
