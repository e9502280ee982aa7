package domain

import (
	"context"
	"fmt"
	"time"
)

// JobType classifies what kind of unit of work a Job triggers. BatchOps
// only exercises the callable form, but the field is kept distinct from the
// callable identifier so scheduled pipeline/ingest jobs are self-describing
// on the wire.
type JobType string

const (
	JobTypeCallable JobType = "callable"
)

// JobConfig identifies the registered callable a Job invokes and the
// arguments passed to it. The callable is resolved by name through
// internal/registry rather than dynamically imported.
type JobConfig struct {
	Callable string         `json:"callable"`
	Args     []any          `json:"args,omitempty"`
	Kwargs   map[string]any `json:"kwargs,omitempty"`
}

// Job is a named, optionally cron-scheduled unit of work.
type Job struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Type         JobType   `json:"job_type"`
	Config       JobConfig `json:"config"`
	ScheduleCron string    `json:"schedule_cron,omitempty"` // empty: manual-trigger-only
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Validate checks if the job definition is valid.
func (j *Job) Validate() error {
	if j.Name == "" {
		return fmt.Errorf("job name cannot be empty")
	}
	if j.Config.Callable == "" {
		return fmt.Errorf("job config callable cannot be empty")
	}
	if j.Type == "" {
		j.Type = JobTypeCallable
	}
	if j.Type != JobTypeCallable {
		return fmt.Errorf("invalid job type: %s", j.Type)
	}
	return nil
}

// HasSchedule reports whether the job fires on a cron schedule as opposed to
// being manual-trigger-only.
func (j *Job) HasSchedule() bool {
	return j.ScheduleCron != ""
}

// JobRepo persists and retrieves Job definitions.
type JobRepo interface {
	Save(ctx context.Context, job *Job) error
	Delete(ctx context.Context, name string) error
	Get(ctx context.Context, name string) (*Job, error)
	GetByID(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context) ([]*Job, error)
}
