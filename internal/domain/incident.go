package domain

import (
	"context"
	"fmt"
	"time"
)

// IncidentState is the lifecycle state of an Incident.
type IncidentState string

const (
	IncidentStateOpen     IncidentState = "open"
	IncidentStateAssigned IncidentState = "assigned"
	IncidentStateResolved IncidentState = "resolved"
	IncidentStateArchived IncidentState = "archived"
)

// Severity classifies how urgently an Incident needs attention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// FailureCategory buckets an Incident, or a KnownError's suggested
// classification, by which part of the pipeline produced the failure.
type FailureCategory string

const (
	CategoryIngest     FailureCategory = "ingest"
	CategoryValidation FailureCategory = "validation"
	CategoryTransform  FailureCategory = "transform"
	CategoryRuntime    FailureCategory = "runtime"
)

// DetectionSource records whether an Incident was raised automatically by
// the pipeline engine or opened by hand.
type DetectionSource string

const (
	DetectionSourceEngine DetectionSource = "engine"
	DetectionSourceManual DetectionSource = "manual"
)

// TimelineEvent is one append-only entry in an Incident's history.
type TimelineEvent struct {
	At      time.Time
	Actor   string // empty for system-originated events
	Action  string
	Message string
}

// Incident tracks a pipeline failure at a given (Upload, Stage) pair from
// first occurrence through resolution. Exactly one open (non-resolved,
// non-archived) Incident may exist per (UploadID, Stage) at a time.
type Incident struct {
	ID               string
	UploadID         string
	JobRunID         *string // the JobRun that raised this incident, if any
	Stage            StageName
	State            IncidentState
	Severity         Severity
	Category         FailureCategory
	ErrorMessage     string
	RootCause        string
	CorrectiveAction string
	ImpactSummary    string
	AnalysisNotes    string
	ResolutionReport string
	IsKnown          bool
	KnownErrorID     *string
	AutoRetryCount   int
	MaxAutoRetries   int
	DetectionSource  DetectionSource
	AssignedTo       string
	Timeline         []TimelineEvent
	CreatedAt        time.Time
	ResolvedAt       *time.Time
	ArchivedAt       *time.Time
}

// Validate enforces the field-coupling invariants an Incident must satisfy.
func (in *Incident) Validate() error {
	if in.UploadID == "" {
		return fmt.Errorf("incident upload id cannot be empty")
	}
	if in.IsKnown && in.KnownErrorID == nil {
		return fmt.Errorf("incident marked known but has no known_error_id")
	}
	if !in.IsKnown && in.KnownErrorID != nil {
		return fmt.Errorf("incident has known_error_id but is not marked known")
	}
	if in.AutoRetryCount > in.MaxAutoRetries {
		return fmt.Errorf("auto retry count %d exceeds max %d", in.AutoRetryCount, in.MaxAutoRetries)
	}
	switch in.State {
	case IncidentStateResolved, IncidentStateArchived:
		if in.ResolvedAt == nil {
			return fmt.Errorf("incident in state %s must have resolved_at set", in.State)
		}
	default:
		if in.ResolvedAt != nil {
			return fmt.Errorf("incident in state %s must not have resolved_at set", in.State)
		}
	}
	if in.State == IncidentStateArchived && in.ArchivedAt == nil {
		return fmt.Errorf("incident in state %s must have archived_at set", in.State)
	}
	if in.State != IncidentStateArchived && in.ArchivedAt != nil {
		return fmt.Errorf("incident in state %s must not have archived_at set", in.State)
	}
	return nil
}

// AppendEvent records a timeline entry. Entries are never edited or removed.
func (in *Incident) AppendEvent(ev TimelineEvent) {
	in.Timeline = append(in.Timeline, ev)
}

// IncidentRepo persists Incident records and their timelines.
type IncidentRepo interface {
	Create(ctx context.Context, in *Incident) error
	Get(ctx context.Context, id string) (*Incident, error)
	GetOpenForStage(ctx context.Context, uploadID string, stage StageName) (*Incident, error)
	Update(ctx context.Context, in *Incident) error
	AppendEvent(ctx context.Context, id string, ev TimelineEvent) error
	List(ctx context.Context, state IncidentState) ([]*Incident, error)
}

// TicketState mirrors the subset of an Incident's lifecycle a ticket in the
// downstream tracker cares about.
type TicketState string

const (
	TicketStateOpen   TicketState = "open"
	TicketStateClosed TicketState = "closed"
)

// Ticket is a supplemented entity representing the external ticket-tracker
// record opened for an Incident. Not present in the distilled spec, but
// department operators expect a ticket number to reference, and the source
// automation opens one for every triaged incident.
type Ticket struct {
	ID         string
	IncidentID string
	State      TicketState
	Summary    string
	CreatedAt  time.Time
	ClosedAt   *time.Time
}

// TicketRepo persists Ticket records.
type TicketRepo interface {
	Create(ctx context.Context, t *Ticket) error
	Get(ctx context.Context, id string) (*Ticket, error)
	GetForIncident(ctx context.Context, incidentID string) (*Ticket, error)
	Close(ctx context.Context, id string, closedAt time.Time) error
}
