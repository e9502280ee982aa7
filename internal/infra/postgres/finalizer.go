// internal/infra/postgres/finalizer.go
package postgres

import (
	"context"
	"time"

	"batchops/internal/domain"
	"batchops/internal/pipeline"

	"github.com/jackc/pgx/v5/pgxpool"
)

// finalizer implements pipeline.Finalizer against a Postgres pool. Defined
// here rather than in package pipeline to keep the pipeline package free of
// a direct pgx dependency; it only sees the narrow interface it declares.
type finalizer struct {
	pool *pgxpool.Pool
}

// NewFinalizer builds the Postgres-backed pipeline.Finalizer.
func NewFinalizer(pool *pgxpool.Pool) pipeline.Finalizer {
	return &finalizer{pool: pool}
}

func (f *finalizer) Publish(ctx context.Context, runID string, finishedAt time.Time, durationMs int64, uploadID, csv string, pdf []byte, generatedAt time.Time) error {
	return FinishAndPublish(ctx, f.pool, runID, finishedAt, durationMs, uploadID, csv, pdf, generatedAt)
}

func (f *finalizer) FailWithIncident(ctx context.Context, runID string, finishedAt time.Time, durationMs int64, exitCode int, logs string, in *domain.Incident, isNewIncident bool, event domain.TimelineEvent) error {
	return FinishFailedRunAndUpsertIncident(ctx, f.pool, runID, finishedAt, durationMs, exitCode, logs, in, isNewIncident, event)
}
