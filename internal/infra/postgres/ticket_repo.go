// internal/infra/postgres/ticket_repo.go
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

type ticketRepo struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewTicketRepo creates the Postgres-backed domain.TicketRepo.
func NewTicketRepo(pool *pgxpool.Pool) domain.TicketRepo {
	return &ticketRepo{pool: pool, tracer: otel.Tracer("batchops-postgres-ticket-repo")}
}

func (r *ticketRepo) Create(ctx context.Context, t *domain.Ticket) error {
	ctx, span := r.tracer.Start(ctx, "repo.ticket.Create")
	defer span.End()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.State == "" {
		t.State = domain.TicketStateOpen
	}
	span.SetAttributes(attribute.String("ticket.id", t.ID), attribute.String("incident.id", t.IncidentID))

	_, err := r.pool.Exec(ctx, `
		INSERT INTO tickets (id, incident_id, state, summary, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.IncidentID, t.State, t.Summary, t.CreatedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to insert ticket")
		return fmt.Errorf("failed to create ticket %s: %w", t.ID, err)
	}
	return nil
}

func (r *ticketRepo) Get(ctx context.Context, id string) (*domain.Ticket, error) {
	ctx, span := r.tracer.Start(ctx, "repo.ticket.Get")
	defer span.End()
	span.SetAttributes(attribute.String("ticket.id", id))
	return r.scanOne(ctx, `SELECT id, incident_id, state, summary, created_at, closed_at FROM tickets WHERE id = $1`, id)
}

func (r *ticketRepo) GetForIncident(ctx context.Context, incidentID string) (*domain.Ticket, error) {
	ctx, span := r.tracer.Start(ctx, "repo.ticket.GetForIncident")
	defer span.End()
	span.SetAttributes(attribute.String("incident.id", incidentID))
	return r.scanOne(ctx, `SELECT id, incident_id, state, summary, created_at, closed_at FROM tickets WHERE incident_id = $1`, incidentID)
}

func (r *ticketRepo) Close(ctx context.Context, id string, closedAt time.Time) error {
	ctx, span := r.tracer.Start(ctx, "repo.ticket.Close")
	defer span.End()
	span.SetAttributes(attribute.String("ticket.id", id))

	tag, err := r.pool.Exec(ctx, `UPDATE tickets SET state = $1, closed_at = $2 WHERE id = $3`, domain.TicketStateClosed, closedAt, id)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to close ticket %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTicketNotFound
	}
	return nil
}

func (r *ticketRepo) scanOne(ctx context.Context, query, arg string) (*domain.Ticket, error) {
	row := r.pool.QueryRow(ctx, query, arg)
	t := &domain.Ticket{}
	if err := row.Scan(&t.ID, &t.IncidentID, &t.State, &t.Summary, &t.CreatedAt, &t.ClosedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTicketNotFound
		}
		return nil, fmt.Errorf("failed to scan ticket: %w", err)
	}
	return t, nil
}
