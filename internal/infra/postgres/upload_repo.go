// internal/infra/postgres/upload_repo.go
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"batchops/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type uploadRepo struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewUploadRepo creates the Postgres-backed domain.UploadRepo.
func NewUploadRepo(pool *pgxpool.Pool) domain.UploadRepo {
	return &uploadRepo{pool: pool, tracer: otel.Tracer("batchops-postgres-upload-repo")}
}

func (r *uploadRepo) Create(ctx context.Context, u *domain.Upload) error {
	ctx, span := r.tracer.Start(ctx, "repo.upload.Create")
	defer span.End()
	span.SetAttributes(attribute.String("upload.id", u.ID))

	cfg, err := json.Marshal(u.ProcessConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal process config: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO uploads (id, filename, department, received_at, status, process_mode, process_config, file_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.ID, u.Filename, u.Department, u.ReceivedAt, u.Status, u.ProcessMode, cfg, u.FilePath,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to insert upload")
		return fmt.Errorf("failed to create upload %s: %w", u.ID, err)
	}
	return nil
}

func (r *uploadRepo) Get(ctx context.Context, id string) (*domain.Upload, error) {
	ctx, span := r.tracer.Start(ctx, "repo.upload.Get")
	defer span.End()
	span.SetAttributes(attribute.String("upload.id", id))

	row := r.pool.QueryRow(ctx, `
		SELECT id, filename, department, received_at, status, process_mode, process_config,
		       report_csv, report_pdf, report_generated_at, file_path
		FROM uploads WHERE id = $1`, id)

	u := &domain.Upload{}
	var cfg []byte
	if err := row.Scan(&u.ID, &u.Filename, &u.Department, &u.ReceivedAt, &u.Status, &u.ProcessMode, &cfg,
		&u.ReportCSV, &u.ReportPDF, &u.ReportGeneratedAt, &u.FilePath); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUploadNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to scan upload")
		return nil, fmt.Errorf("failed to get upload %s: %w", id, err)
	}
	if err := json.Unmarshal(cfg, &u.ProcessConfig); err != nil {
		return nil, fmt.Errorf("failed to unmarshal process config for upload %s: %w", id, err)
	}
	return u, nil
}

func (r *uploadRepo) UpdateStatus(ctx context.Context, id string, status domain.UploadStatus) error {
	ctx, span := r.tracer.Start(ctx, "repo.upload.UpdateStatus")
	defer span.End()
	span.SetAttributes(attribute.String("upload.id", id), attribute.String("upload.status", string(status)))

	tag, err := r.pool.Exec(ctx, `UPDATE uploads SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to update status for upload %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUploadNotFound
	}
	return nil
}

func (r *uploadRepo) Publish(ctx context.Context, id string, csv string, pdf []byte, generatedAt time.Time) error {
	ctx, span := r.tracer.Start(ctx, "repo.upload.Publish")
	defer span.End()
	span.SetAttributes(attribute.String("upload.id", id))

	tag, err := r.pool.Exec(ctx, `
		UPDATE uploads
		SET status = $1, report_csv = $2, report_pdf = $3, report_generated_at = $4
		WHERE id = $5`,
		domain.UploadStatusPublished, csv, pdf, generatedAt, id,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish upload")
		return fmt.Errorf("failed to publish upload %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUploadNotFound
	}
	return nil
}

func (r *uploadRepo) ClearReports(ctx context.Context, id string) error {
	ctx, span := r.tracer.Start(ctx, "repo.upload.ClearReports")
	defer span.End()
	span.SetAttributes(attribute.String("upload.id", id))

	_, err := r.pool.Exec(ctx, `
		UPDATE uploads SET report_csv = NULL, report_pdf = NULL, report_generated_at = NULL WHERE id = $1`, id)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to clear reports for upload %s: %w", id, err)
	}
	return nil
}
