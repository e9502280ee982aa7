package domain

import (
	"context"
	"time"
)

// ScheduleState is the durable per-job cron bookkeeping kept in the external
// key/value store so every scheduler process observes the same fire history
// regardless of which instance last ticked.
type ScheduleState struct {
	JobID          string
	CronExpr       string
	NextFireAt     time.Time
	LastDispatched *time.Time
	Version        int64 // optimistic-concurrency token for MarkDispatched
}

// ScheduleRegistry is the durable record of which cron-scheduled jobs exist
// and when each is next due. Registered state survives scheduler restarts
// and is shared across every scheduler instance through the backing store.
type ScheduleRegistry interface {
	// Register upserts the schedule state for a job, computing its next
	// fire time from cronExpr relative to now.
	Register(ctx context.Context, jobID, cronExpr string, now time.Time) error
	// Unregister removes a job's schedule state, e.g. when its schedule is
	// cleared or the job is deleted.
	Unregister(ctx context.Context, jobID string) error
	// Due returns all schedule states whose NextFireAt is at or before now.
	Due(ctx context.Context, now time.Time) ([]*ScheduleState, error)
	// MarkDispatched atomically advances a job's NextFireAt to its next
	// occurrence after firedAt, failing with a concurrent-modification error
	// if the state's version has changed since it was read, or with
	// ErrJobNotFound if the job has no schedule state.
	MarkDispatched(ctx context.Context, jobID string, firedAt time.Time, expectedVersion int64) error
	// Reconcile recomputes NextFireAt for every registered job against the
	// live Job set, adding schedules for new cron jobs and removing state
	// for jobs that no longer have one. Run at scheduler startup.
	Reconcile(ctx context.Context, jobs []*Job, now time.Time) error
}
