package incident

import (
	"context"
	"errors"
	"fmt"
	"time"

	"batchops/internal/domain"
)

const (
	minRetryBackoff = 30 * time.Second
	maxRetryBackoff = 10 * time.Minute
	retryStep       = 30 * time.Second
)

// Writer records pipeline failures as Incidents, matching them against the
// known-error catalog and scheduling bounded auto-retries. Manual triage
// actions (Assign, Analyze, Resolve, Retry, Archive) also flow through it so
// every state change appends the same append-only timeline.
type Writer struct {
	incidents domain.IncidentRepo
	tickets   domain.TicketRepo
	matcher   *Matcher
	queue     domain.Queue
	clock     domain.Clock
}

// NewWriter builds a Writer wired to its collaborators.
func NewWriter(incidents domain.IncidentRepo, tickets domain.TicketRepo, matcher *Matcher, queue domain.Queue, clock domain.Clock) *Writer {
	return &Writer{incidents: incidents, tickets: tickets, matcher: matcher, queue: queue, clock: clock}
}

// RecordFailure looks up the open Incident for (uploadID, stage). If none
// exists it creates one, classified from a known-error match when one is
// found (severity, category, root_cause, corrective_action) and otherwise
// from the failing stage's default classification. If one already exists it
// appends a recurrence event and keeps auto_retry_count monotonic. When the
// matched KnownError allows another auto-retry, a fresh pipeline execution
// is enqueued with linear backoff.
//
// This persists the Incident on its own, non-atomically with any JobRun
// write the caller also needs to make. The pipeline executor instead uses
// PrepareFailure plus its own atomic commit of both writes; RecordFailure
// remains for callers, such as a manually-triggered re-run, that raise an
// Incident with no accompanying JobRun finalize.
func (w *Writer) RecordFailure(ctx context.Context, jobID, jobRunID, uploadID string, stage domain.StageName, errMsg string) (*domain.Incident, error) {
	in, isNew, event, match, err := w.PrepareFailure(ctx, jobRunID, uploadID, stage, errMsg)
	if err != nil {
		return nil, err
	}
	now := event.At

	if isNew {
		if err := w.incidents.Create(ctx, in); err != nil {
			return nil, fmt.Errorf("failed to create incident: %w", err)
		}
		w.openTicket(ctx, in, now)
		w.maybeAutoRetry(ctx, jobID, uploadID, in, match, now)
		return in, nil
	}

	if err := w.incidents.Update(ctx, in); err != nil {
		return nil, fmt.Errorf("failed to update incident: %w", err)
	}
	if err := w.incidents.AppendEvent(ctx, in.ID, event); err != nil {
		return nil, fmt.Errorf("failed to append recurrence event: %w", err)
	}
	w.maybeAutoRetry(ctx, jobID, uploadID, in, match, now)
	return in, nil
}

// PrepareFailure computes, but does not persist, the Incident a pipeline
// failure should record: a fresh Incident classified via known-error
// matching, or the existing open Incident for (uploadID, stage) with its
// recurrence event appended in memory. It is the read-only half of
// RecordFailure's logic, split out so the caller can commit the Incident
// write atomically alongside an unrelated write (the failing JobRun's
// finalize) instead of through two independent round trips.
func (w *Writer) PrepareFailure(ctx context.Context, jobRunID, uploadID string, stage domain.StageName, errMsg string) (in *domain.Incident, isNew bool, event domain.TimelineEvent, match *domain.KnownError, err error) {
	now := w.clock.Now()

	match, err = w.matcher.Match(ctx, errMsg)
	if err != nil {
		return nil, false, domain.TimelineEvent{}, nil, err
	}

	existing, err := w.incidents.GetOpenForStage(ctx, uploadID, stage)
	if err != nil && !errors.Is(err, domain.ErrIncidentNotFound) {
		return nil, false, domain.TimelineEvent{}, nil, fmt.Errorf("failed to look up open incident: %w", err)
	}

	if existing == nil {
		severity, category := defaultClassification(stage)
		in = &domain.Incident{
			UploadID:        uploadID,
			Stage:           stage,
			State:           domain.IncidentStateOpen,
			Severity:        severity,
			Category:        category,
			ErrorMessage:    errMsg,
			DetectionSource: domain.DetectionSourceEngine,
			CreatedAt:       now,
		}
		if jobRunID != "" {
			in.JobRunID = &jobRunID
		}
		if match != nil {
			in.IsKnown = true
			in.KnownErrorID = &match.ID
			in.MaxAutoRetries = match.MaxAutoRetries
			in.RootCause = match.RootCause
			in.CorrectiveAction = match.CorrectiveAction
			if match.Severity != "" {
				in.Severity = match.Severity
			}
			if match.Category != "" {
				in.Category = match.Category
			}
		}
		event = domain.TimelineEvent{At: now, Actor: "engine", Action: "opened", Message: errMsg}
		return in, true, event, match, nil
	}

	existing.ErrorMessage = errMsg
	if jobRunID != "" {
		existing.JobRunID = &jobRunID
	}
	event = domain.TimelineEvent{At: now, Actor: "engine", Action: "recurrence", Message: errMsg}
	existing.AppendEvent(event)
	return existing, false, event, match, nil
}

// CommitFailureSideEffects runs the best-effort steps after in has been
// durably persisted alongside its JobRun: opening a ticket for a fresh
// Incident, and scheduling an auto-retry when the matched KnownError still
// allows one. Neither needs to be atomic with the Incident write itself.
func (w *Writer) CommitFailureSideEffects(ctx context.Context, jobID, uploadID string, in *domain.Incident, isNew bool, match *domain.KnownError) {
	now := w.clock.Now()
	if isNew {
		w.openTicket(ctx, in, now)
	}
	w.maybeAutoRetry(ctx, jobID, uploadID, in, match, now)
}

// defaultClassification supplies an Incident's severity and category when no
// known-error match overrides them, keyed by the pipeline stage that failed.
func defaultClassification(stage domain.StageName) (domain.Severity, domain.FailureCategory) {
	switch stage {
	case domain.StageStandardize:
		return domain.SeverityMedium, domain.CategoryIngest
	case domain.StageValidate:
		return domain.SeverityMedium, domain.CategoryValidation
	case domain.StageTransform:
		return domain.SeverityMedium, domain.CategoryTransform
	default: // summarize, publish: internal pipeline failures
		return domain.SeverityHigh, domain.CategoryRuntime
	}
}

func (w *Writer) openTicket(ctx context.Context, in *domain.Incident, now time.Time) {
	t := &domain.Ticket{
		IncidentID: in.ID,
		State:      domain.TicketStateOpen,
		Summary:    fmt.Sprintf("pipeline failure: upload=%s stage=%s", in.UploadID, in.Stage),
		CreatedAt:  now,
	}
	_ = w.tickets.Create(ctx, t) // ticket-tracker mirroring is best-effort, never blocks incident recording
}

// maybeAutoRetry enqueues a fresh pipeline execution when the matched
// KnownError permits another auto-retry, incrementing the counter and
// appending the auto_retry_scheduled timeline event first.
func (w *Writer) maybeAutoRetry(ctx context.Context, jobID, uploadID string, in *domain.Incident, match *domain.KnownError, now time.Time) {
	if match == nil || !match.AutoRetry || in.AutoRetryCount >= in.MaxAutoRetries {
		return
	}

	in.AutoRetryCount++
	ev := domain.TimelineEvent{At: now, Actor: "engine", Action: "auto_retry_scheduled", Message: fmt.Sprintf("attempt %d of %d", in.AutoRetryCount, in.MaxAutoRetries)}
	in.AppendEvent(ev)
	if err := w.incidents.Update(ctx, in); err != nil {
		return
	}
	_ = w.incidents.AppendEvent(ctx, in.ID, ev)

	backoff := retryBackoff(in.AutoRetryCount)
	_ = w.queue.EnqueueAt(ctx, jobID, uploadID, now.Add(backoff))
}

// retryBackoff is linear (attempt × 30s), floored at 30s and capped at 10m.
func retryBackoff(attempt int) time.Duration {
	d := time.Duration(attempt) * retryStep
	if d < minRetryBackoff {
		return minRetryBackoff
	}
	if d > maxRetryBackoff {
		return maxRetryBackoff
	}
	return d
}

// ResolveAllForUpload auto-resolves any open Incident across all pipeline
// stages for uploadID, called once a retried run completes every stage
// successfully.
func (w *Writer) ResolveAllForUpload(ctx context.Context, uploadID string) error {
	for _, stage := range domain.Stages {
		in, err := w.incidents.GetOpenForStage(ctx, uploadID, stage)
		if err != nil {
			if errors.Is(err, domain.ErrIncidentNotFound) {
				continue
			}
			return fmt.Errorf("failed to look up open incident for stage %s: %w", stage, err)
		}
		if err := w.AutoResolve(ctx, in); err != nil {
			return err
		}
	}
	return nil
}

// AutoResolve marks an Incident resolved after a retried run succeeds,
// preserving the failure record for audit and closing any open ticket.
func (w *Writer) AutoResolve(ctx context.Context, in *domain.Incident) error {
	now := w.clock.Now()
	in.State = domain.IncidentStateResolved
	in.ResolvedAt = &now
	in.AppendEvent(domain.TimelineEvent{At: now, Actor: "engine", Action: "auto_resolved"})
	if err := w.incidents.Update(ctx, in); err != nil {
		return fmt.Errorf("failed to auto-resolve incident %s: %w", in.ID, err)
	}
	if err := w.incidents.AppendEvent(ctx, in.ID, in.Timeline[len(in.Timeline)-1]); err != nil {
		return err
	}
	if ticket, err := w.tickets.GetForIncident(ctx, in.ID); err == nil {
		_ = w.tickets.Close(ctx, ticket.ID, now)
	}
	return nil
}

// Assign records a manual assignment and moves the Incident to assigned.
func (w *Writer) Assign(ctx context.Context, in *domain.Incident, actor, assignee string) error {
	if in.State == domain.IncidentStateArchived {
		return domain.ErrIncidentArchived
	}
	now := w.clock.Now()
	in.State = domain.IncidentStateAssigned
	in.AssignedTo = assignee
	in.AppendEvent(domain.TimelineEvent{At: now, Actor: actor, Action: "assigned", Message: assignee})
	return w.persist(ctx, in)
}

// Analyze records the triage findings for an Incident: its refined
// severity, the operational impact, and free-form analysis notes. Does not
// change state.
func (w *Writer) Analyze(ctx context.Context, in *domain.Incident, actor string, severity domain.Severity, impactSummary, analysisNotes string) error {
	if in.State == domain.IncidentStateArchived {
		return domain.ErrIncidentArchived
	}
	if severity != "" {
		in.Severity = severity
	}
	in.ImpactSummary = impactSummary
	in.AnalysisNotes = analysisNotes
	in.AppendEvent(domain.TimelineEvent{At: w.clock.Now(), Actor: actor, Action: "analysis", Message: analysisNotes})
	return w.persist(ctx, in)
}

// Resolve manually closes an Incident with its root cause, the corrective
// action taken, and a resolution report, mirroring AutoResolve's ticket
// close-out.
func (w *Writer) Resolve(ctx context.Context, in *domain.Incident, actor, rootCause, correctiveAction, resolutionReport string) error {
	if in.State == domain.IncidentStateArchived {
		return domain.ErrIncidentArchived
	}
	now := w.clock.Now()
	in.State = domain.IncidentStateResolved
	in.ResolvedAt = &now
	in.RootCause = rootCause
	in.CorrectiveAction = correctiveAction
	in.ResolutionReport = resolutionReport
	in.AppendEvent(domain.TimelineEvent{At: now, Actor: actor, Action: "resolved", Message: resolutionReport})
	if err := w.persist(ctx, in); err != nil {
		return err
	}
	if ticket, err := w.tickets.GetForIncident(ctx, in.ID); err == nil {
		_ = w.tickets.Close(ctx, ticket.ID, now)
	}
	return nil
}

// Retry re-enqueues the pipeline for the Incident's Upload. Permitted in any
// non-archived state.
func (w *Writer) Retry(ctx context.Context, in *domain.Incident, jobID, actor, notes string) error {
	if in.State == domain.IncidentStateArchived {
		return domain.ErrIncidentArchived
	}
	in.AppendEvent(domain.TimelineEvent{At: w.clock.Now(), Actor: actor, Action: "manual_retry", Message: notes})
	if err := w.persist(ctx, in); err != nil {
		return err
	}
	return w.queue.Enqueue(ctx, jobID, in.UploadID)
}

// Archive closes out an Incident that has already been resolved, e.g. once
// its ticket has been reviewed and filed away. ResolvedAt is left untouched;
// ArchivedAt records this separate, later transition.
func (w *Writer) Archive(ctx context.Context, in *domain.Incident, actor, notes string) error {
	if in.State == domain.IncidentStateArchived {
		return domain.ErrIncidentArchived
	}
	if in.State != domain.IncidentStateResolved {
		return domain.ErrIncidentNotResolved
	}
	now := w.clock.Now()
	in.State = domain.IncidentStateArchived
	in.ArchivedAt = &now
	in.AppendEvent(domain.TimelineEvent{At: now, Actor: actor, Action: "archived", Message: notes})
	return w.persist(ctx, in)
}

func (w *Writer) persist(ctx context.Context, in *domain.Incident) error {
	if err := w.incidents.Update(ctx, in); err != nil {
		return fmt.Errorf("failed to update incident %s: %w", in.ID, err)
	}
	return w.incidents.AppendEvent(ctx, in.ID, in.Timeline[len(in.Timeline)-1])
}
