package domain

import (
	"context"
	"time"
)

// JobRunStatus is the terminal or in-flight state of a JobRun.
type JobRunStatus string

const (
	JobRunStatusQueued   JobRunStatus = "queued"
	JobRunStatusRunning  JobRunStatus = "running"
	JobRunStatusSuccess  JobRunStatus = "success"
	JobRunStatusFailed   JobRunStatus = "failed"
	JobRunStatusRetrying JobRunStatus = "retrying"
)

// StageName is one of the five fixed pipeline stages, in execution order.
type StageName string

const (
	StageStandardize StageName = "standardize"
	StageValidate    StageName = "validate"
	StageTransform   StageName = "transform"
	StageSummarize   StageName = "summarize"
	StagePublish     StageName = "publish"
)

// Stages lists the pipeline stages in the fixed order they execute.
var Stages = []StageName{StageStandardize, StageValidate, StageTransform, StageSummarize, StagePublish}

// StepStatus records the outcome of a single stage attempt.
type StepStatus string

const (
	StepStatusOK     StepStatus = "ok"
	StepStatusFailed StepStatus = "failed"
)

// StepRecord is one append-only telemetry entry for a stage attempt within a
// JobRun. Records are never mutated or removed once appended.
type StepRecord struct {
	Stage      StageName
	Status     StepStatus
	StartedAt  time.Time
	FinishedAt time.Time
	Error      string
	Logs       string
}

// JobRun is a single execution of a Job against an Upload.
type JobRun struct {
	ID         string
	JobID      string
	UploadID   string
	Status     JobRunStatus
	ExitCode   int
	DurationMs int64
	Logs       string
	Steps      []StepRecord
	StartedAt  time.Time
	FinishedAt *time.Time
}

// AppendStep records a stage attempt. Steps are never edited after appending.
func (r *JobRun) AppendStep(step StepRecord) {
	r.Steps = append(r.Steps, step)
}

// JobRunRepo persists JobRun executions and their step telemetry.
type JobRunRepo interface {
	Create(ctx context.Context, run *JobRun) error
	AppendStep(ctx context.Context, runID string, step StepRecord) error
	Finish(ctx context.Context, runID string, status JobRunStatus, exitCode int, logs string, finishedAt time.Time) error
	Get(ctx context.Context, id string) (*JobRun, error)
	ListForUpload(ctx context.Context, uploadID string) ([]*JobRun, error)
}
