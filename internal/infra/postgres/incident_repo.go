// internal/infra/postgres/incident_repo.go
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

type incidentRepo struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewIncidentRepo creates the Postgres-backed domain.IncidentRepo.
func NewIncidentRepo(pool *pgxpool.Pool) domain.IncidentRepo {
	return &incidentRepo{pool: pool, tracer: otel.Tracer("batchops-postgres-incident-repo")}
}

const incidentColumns = `id, upload_id, job_run_id, stage, state, error_message, is_known, known_error_id,
	auto_retry_count, max_auto_retries, severity, category, root_cause, corrective_action,
	impact_summary, analysis_notes, resolution_report, detection_source, assigned_to,
	created_at, resolved_at, archived_at`

func (r *incidentRepo) Create(ctx context.Context, in *domain.Incident) error {
	ctx, span := r.tracer.Start(ctx, "repo.incident.Create")
	defer span.End()

	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	if in.State == "" {
		in.State = domain.IncidentStateOpen
	}
	span.SetAttributes(attribute.String("incident.id", in.ID), attribute.String("upload.id", in.UploadID))

	_, err := r.pool.Exec(ctx, `
		INSERT INTO incidents (id, upload_id, job_run_id, stage, state, error_message, is_known, known_error_id,
			auto_retry_count, max_auto_retries, severity, category, root_cause, corrective_action,
			impact_summary, analysis_notes, resolution_report, detection_source, assigned_to, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		in.ID, in.UploadID, in.JobRunID, in.Stage, in.State, in.ErrorMessage, in.IsKnown, in.KnownErrorID,
		in.AutoRetryCount, in.MaxAutoRetries, in.Severity, in.Category, in.RootCause, in.CorrectiveAction,
		in.ImpactSummary, in.AnalysisNotes, in.ResolutionReport, in.DetectionSource, in.AssignedTo, in.CreatedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to insert incident")
		return fmt.Errorf("failed to create incident %s: %w", in.ID, err)
	}
	return nil
}

// FinishFailedRunAndUpsertIncident atomically finishes runID as failed and
// creates or updates the Incident that raised the failure, appending its
// timeline event, in one transaction. This is the failure-path counterpart
// to FinishAndPublish: a crash between the JobRun write and the Incident
// write must never leave a terminally-failed run with no Incident on file.
func FinishFailedRunAndUpsertIncident(ctx context.Context, pool *pgxpool.Pool, runID string, finishedAt time.Time, durationMs int64, exitCode int, logs string, in *domain.Incident, isNew bool, event domain.TimelineEvent) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin fail-and-incident transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE job_runs SET status = $1, finished_at = $2, exit_code = $3, duration_ms = $4, logs = $5 WHERE id = $6`,
		domain.JobRunStatusFailed, finishedAt, exitCode, durationMs, logs, runID)
	if err != nil {
		return fmt.Errorf("failed to finish job run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobRunNotFound
	}

	if isNew {
		if in.ID == "" {
			in.ID = uuid.NewString()
		}
		if in.CreatedAt.IsZero() {
			in.CreatedAt = finishedAt
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO incidents (id, upload_id, job_run_id, stage, state, error_message, is_known, known_error_id,
				auto_retry_count, max_auto_retries, severity, category, root_cause, corrective_action,
				impact_summary, analysis_notes, resolution_report, detection_source, assigned_to, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
			in.ID, in.UploadID, in.JobRunID, in.Stage, in.State, in.ErrorMessage, in.IsKnown, in.KnownErrorID,
			in.AutoRetryCount, in.MaxAutoRetries, in.Severity, in.Category, in.RootCause, in.CorrectiveAction,
			in.ImpactSummary, in.AnalysisNotes, in.ResolutionReport, in.DetectionSource, in.AssignedTo, in.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to create incident %s: %w", in.ID, err)
		}
	} else {
		itag, err := tx.Exec(ctx, `
			UPDATE incidents SET job_run_id = $1, state = $2, is_known = $3, known_error_id = $4, auto_retry_count = $5,
			       severity = $6, category = $7, root_cause = $8, corrective_action = $9, impact_summary = $10,
			       analysis_notes = $11, resolution_report = $12, detection_source = $13, assigned_to = $14,
			       resolved_at = $15, archived_at = $16
			WHERE id = $17`,
			in.JobRunID, in.State, in.IsKnown, in.KnownErrorID, in.AutoRetryCount,
			in.Severity, in.Category, in.RootCause, in.CorrectiveAction, in.ImpactSummary,
			in.AnalysisNotes, in.ResolutionReport, in.DetectionSource, in.AssignedTo,
			in.ResolvedAt, in.ArchivedAt, in.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update incident %s: %w", in.ID, err)
		}
		if itag.RowsAffected() == 0 {
			return domain.ErrIncidentNotFound
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO incident_timeline (incident_id, at, actor, action, message)
		VALUES ($1, $2, $3, $4, $5)`,
		in.ID, event.At, event.Actor, event.Action, event.Message,
	); err != nil {
		return fmt.Errorf("failed to append timeline event for incident %s: %w", in.ID, err)
	}

	return tx.Commit(ctx)
}

func (r *incidentRepo) Get(ctx context.Context, id string) (*domain.Incident, error) {
	ctx, span := r.tracer.Start(ctx, "repo.incident.Get")
	defer span.End()
	span.SetAttributes(attribute.String("incident.id", id))

	in, err := r.scanOne(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	timeline, err := r.loadTimeline(ctx, id)
	if err != nil {
		return nil, err
	}
	in.Timeline = timeline
	return in, nil
}

func (r *incidentRepo) GetOpenForStage(ctx context.Context, uploadID string, stage domain.StageName) (*domain.Incident, error) {
	ctx, span := r.tracer.Start(ctx, "repo.incident.GetOpenForStage")
	defer span.End()
	span.SetAttributes(attribute.String("upload.id", uploadID), attribute.String("stage", string(stage)))

	row := r.pool.QueryRow(ctx, `
		SELECT `+incidentColumns+`
		FROM incidents WHERE upload_id = $1 AND stage = $2 AND state NOT IN ('resolved', 'archived')`, uploadID, stage)
	in, err := scanIncidentRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrIncidentNotFound
		}
		return nil, fmt.Errorf("failed to get open incident for upload %s stage %s: %w", uploadID, stage, err)
	}
	return in, nil
}

func (r *incidentRepo) Update(ctx context.Context, in *domain.Incident) error {
	ctx, span := r.tracer.Start(ctx, "repo.incident.Update")
	defer span.End()
	span.SetAttributes(attribute.String("incident.id", in.ID))

	tag, err := r.pool.Exec(ctx, `
		UPDATE incidents SET job_run_id = $1, state = $2, is_known = $3, known_error_id = $4, auto_retry_count = $5,
		       severity = $6, category = $7, root_cause = $8, corrective_action = $9, impact_summary = $10,
		       analysis_notes = $11, resolution_report = $12, detection_source = $13, assigned_to = $14,
		       resolved_at = $15, archived_at = $16
		WHERE id = $17`,
		in.JobRunID, in.State, in.IsKnown, in.KnownErrorID, in.AutoRetryCount,
		in.Severity, in.Category, in.RootCause, in.CorrectiveAction, in.ImpactSummary,
		in.AnalysisNotes, in.ResolutionReport, in.DetectionSource, in.AssignedTo,
		in.ResolvedAt, in.ArchivedAt, in.ID,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to update incident")
		return fmt.Errorf("failed to update incident %s: %w", in.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrIncidentNotFound
	}
	return nil
}

func (r *incidentRepo) AppendEvent(ctx context.Context, id string, ev domain.TimelineEvent) error {
	ctx, span := r.tracer.Start(ctx, "repo.incident.AppendEvent")
	defer span.End()
	span.SetAttributes(attribute.String("incident.id", id), attribute.String("action", ev.Action))

	_, err := r.pool.Exec(ctx, `
		INSERT INTO incident_timeline (incident_id, at, actor, action, message)
		VALUES ($1, $2, $3, $4, $5)`,
		id, ev.At, ev.Actor, ev.Action, ev.Message,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to append timeline event for incident %s: %w", id, err)
	}
	return nil
}

func (r *incidentRepo) List(ctx context.Context, state domain.IncidentState) ([]*domain.Incident, error) {
	ctx, span := r.tracer.Start(ctx, "repo.incident.List")
	defer span.End()

	var rows pgx.Rows
	var err error
	if state == "" {
		rows, err = r.pool.Query(ctx, `SELECT `+incidentColumns+` FROM incidents ORDER BY created_at DESC`)
	} else {
		span.SetAttributes(attribute.String("incident.state", string(state)))
		rows, err = r.pool.Query(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE state = $1 ORDER BY created_at DESC`, state)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list incidents")
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()

	var out []*domain.Incident
	for rows.Next() {
		in, err := scanIncidentRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident row: %w", err)
		}
		out = append(out, in)
	}
	span.SetAttributes(attribute.Int("incidents.count", len(out)))
	return out, rows.Err()
}

// incidentScanner is satisfied by both pgx.Row and pgx.Rows.
type incidentScanner interface {
	Scan(dest ...any) error
}

func scanIncidentRow(row incidentScanner) (*domain.Incident, error) {
	in := &domain.Incident{}
	if err := row.Scan(&in.ID, &in.UploadID, &in.JobRunID, &in.Stage, &in.State, &in.ErrorMessage, &in.IsKnown, &in.KnownErrorID,
		&in.AutoRetryCount, &in.MaxAutoRetries, &in.Severity, &in.Category, &in.RootCause, &in.CorrectiveAction,
		&in.ImpactSummary, &in.AnalysisNotes, &in.ResolutionReport, &in.DetectionSource, &in.AssignedTo,
		&in.CreatedAt, &in.ResolvedAt, &in.ArchivedAt); err != nil {
		return nil, err
	}
	return in, nil
}

func (r *incidentRepo) scanOne(ctx context.Context, query, id string) (*domain.Incident, error) {
	row := r.pool.QueryRow(ctx, query, id)
	in, err := scanIncidentRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrIncidentNotFound
		}
		return nil, fmt.Errorf("failed to scan incident: %w", err)
	}
	return in, nil
}

func (r *incidentRepo) loadTimeline(ctx context.Context, incidentID string) ([]domain.TimelineEvent, error) {
	rows, err := r.pool.Query(ctx, `SELECT at, actor, action, message FROM incident_timeline WHERE incident_id = $1 ORDER BY seq`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load timeline for incident %s: %w", incidentID, err)
	}
	defer rows.Close()

	var events []domain.TimelineEvent
	for rows.Next() {
		var ev domain.TimelineEvent
		if err := rows.Scan(&ev.At, &ev.Actor, &ev.Action, &ev.Message); err != nil {
			return nil, fmt.Errorf("failed to scan timeline row: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
