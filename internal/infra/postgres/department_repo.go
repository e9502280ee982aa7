// internal/infra/postgres/department_repo.go
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"batchops/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type departmentRecordRepo struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewDepartmentRecordRepo creates the Postgres-backed domain.DepartmentRecordRepo.
func NewDepartmentRecordRepo(pool *pgxpool.Pool) domain.DepartmentRecordRepo {
	return &departmentRecordRepo{pool: pool, tracer: otel.Tracer("batchops-postgres-department-repo")}
}

func (r *departmentRecordRepo) ListForDepartment(ctx context.Context, department string) ([]*domain.DepartmentRecord, error) {
	ctx, span := r.tracer.Start(ctx, "repo.department_record.ListForDepartment")
	defer span.End()
	span.SetAttributes(attribute.String("department", department))

	rows, err := r.pool.Query(ctx, `SELECT id, department, payload FROM department_records WHERE department = $1`, department)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list department records")
		return nil, fmt.Errorf("failed to list records for department %s: %w", department, err)
	}
	defer rows.Close()

	var out []*domain.DepartmentRecord
	for rows.Next() {
		rec := &domain.DepartmentRecord{}
		var payload []byte
		if err := rows.Scan(&rec.ID, &rec.Department, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan department record row: %w", err)
		}
		if err := json.Unmarshal(payload, &rec.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload for record %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	span.SetAttributes(attribute.Int("department_records.count", len(out)))
	return out, rows.Err()
}

func (r *departmentRecordRepo) ListDepartments(ctx context.Context) ([]string, error) {
	ctx, span := r.tracer.Start(ctx, "repo.department_record.ListDepartments")
	defer span.End()

	rows, err := r.pool.Query(ctx, `SELECT DISTINCT department FROM department_records ORDER BY department`)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list departments: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var dept string
		if err := rows.Scan(&dept); err != nil {
			return nil, fmt.Errorf("failed to scan department row: %w", err)
		}
		out = append(out, dept)
	}
	return out, rows.Err()
}

// Insert stores a department record, used by test fixtures and any future
// admin-facing ingestion of raw department feeds. Not part of
// domain.DepartmentRecordRepo since production code only reads records the
// upstream feed has already staged.
func Insert(ctx context.Context, pool *pgxpool.Pool, rec *domain.DepartmentRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal department record payload: %w", err)
	}
	_, err = pool.Exec(ctx, `INSERT INTO department_records (id, department, payload) VALUES ($1, $2, $3)`, rec.ID, rec.Department, payload)
	return err
}
