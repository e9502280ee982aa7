// internal/infra/postgres/knownerror_repo.go
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

type knownErrorRepo struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewKnownErrorRepo creates the Postgres-backed domain.KnownErrorRepo.
func NewKnownErrorRepo(pool *pgxpool.Pool) domain.KnownErrorRepo {
	return &knownErrorRepo{pool: pool, tracer: otel.Tracer("batchops-postgres-knownerror-repo")}
}

func (r *knownErrorRepo) Create(ctx context.Context, ke *domain.KnownError) error {
	ctx, span := r.tracer.Start(ctx, "repo.known_error.Create")
	defer span.End()

	if ke.ID == "" {
		ke.ID = uuid.NewString()
	}
	if ke.CreatedAt.IsZero() {
		ke.CreatedAt = time.Now().UTC()
	}
	span.SetAttributes(attribute.String("known_error.id", ke.ID))

	_, err := r.pool.Exec(ctx, `
		INSERT INTO known_errors (id, name, pattern, description, severity, category, root_cause, corrective_action, auto_retry, max_auto_retries, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ke.ID, ke.Name, ke.Pattern, ke.Description, ke.Severity, ke.Category, ke.RootCause, ke.CorrectiveAction, ke.AutoRetry, ke.MaxAutoRetries, ke.CreatedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to insert known error")
		return fmt.Errorf("failed to create known error %s: %w", ke.ID, err)
	}
	return nil
}

func (r *knownErrorRepo) Get(ctx context.Context, id string) (*domain.KnownError, error) {
	ctx, span := r.tracer.Start(ctx, "repo.known_error.Get")
	defer span.End()
	span.SetAttributes(attribute.String("known_error.id", id))

	row := r.pool.QueryRow(ctx, `SELECT id, name, pattern, description, severity, category, root_cause, corrective_action, auto_retry, max_auto_retries, created_at FROM known_errors WHERE id = $1`, id)
	ke := &domain.KnownError{}
	if err := row.Scan(&ke.ID, &ke.Name, &ke.Pattern, &ke.Description, &ke.Severity, &ke.Category, &ke.RootCause, &ke.CorrectiveAction, &ke.AutoRetry, &ke.MaxAutoRetries, &ke.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrKnownErrorNotFound
		}
		return nil, fmt.Errorf("failed to get known error %s: %w", id, err)
	}
	if err := ke.Compile(); err != nil {
		return nil, fmt.Errorf("failed to compile pattern for known error %s: %w", id, err)
	}
	return ke, nil
}

func (r *knownErrorRepo) List(ctx context.Context) ([]*domain.KnownError, error) {
	ctx, span := r.tracer.Start(ctx, "repo.known_error.List")
	defer span.End()

	rows, err := r.pool.Query(ctx, `SELECT id, name, pattern, description, severity, category, root_cause, corrective_action, auto_retry, max_auto_retries, created_at FROM known_errors ORDER BY created_at`)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list known errors")
		return nil, fmt.Errorf("failed to list known errors: %w", err)
	}
	defer rows.Close()

	var out []*domain.KnownError
	for rows.Next() {
		ke := &domain.KnownError{}
		if err := rows.Scan(&ke.ID, &ke.Name, &ke.Pattern, &ke.Description, &ke.Severity, &ke.Category, &ke.RootCause, &ke.CorrectiveAction, &ke.AutoRetry, &ke.MaxAutoRetries, &ke.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan known error row: %w", err)
		}
		if err := ke.Compile(); err != nil {
			return nil, fmt.Errorf("failed to compile pattern for known error %s: %w", ke.ID, err)
		}
		out = append(out, ke)
	}
	span.SetAttributes(attribute.Int("known_errors.count", len(out)))
	return out, rows.Err()
}
