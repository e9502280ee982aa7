// Package api holds the narrow input contracts the (out-of-scope) REST
// surface would validate before handing a request to internal/service —
// the same DTO-plus-validator boundary the teacher puts in front of its
// JobService, minus the http.Handler wiring spec.md excludes.
package api

import (
	"batchops/internal/domain"
)

// JobDefinitionInput is the validated shape a Job is declared in, whether
// that declaration arrives as a REST body or, as BatchOps uses it, a
// boot-time job definitions file.
type JobDefinitionInput struct {
	Name         string         `json:"name" validate:"required,min=1,max=128"`
	Callable     string         `json:"callable" validate:"required"`
	Args         []any          `json:"args,omitempty"`
	Kwargs       map[string]any `json:"kwargs,omitempty"`
	ScheduleCron string         `json:"schedule_cron,omitempty" validate:"omitempty,cron"`
}

// ToDomainJob converts a validated JobDefinitionInput into a domain.Job
// ready for JobService.Save. The ID is left blank so Save treats it as a
// new job on first sight and preserves the existing ID on re-application
// of the same definitions file.
func (in *JobDefinitionInput) ToDomainJob() *domain.Job {
	return &domain.Job{
		Name: in.Name,
		Type: domain.JobTypeCallable,
		Config: domain.JobConfig{
			Callable: in.Callable,
			Args:     in.Args,
			Kwargs:   in.Kwargs,
		},
		ScheduleCron: in.ScheduleCron,
	}
}

// RegisterJobInput is the narrower shape used to (re)point an existing Job
// at a new schedule without touching its callable/args, mirroring a
// PATCH-style REST update.
type RegisterJobInput struct {
	Name         string `json:"name" validate:"required"`
	ScheduleCron string `json:"schedule_cron" validate:"required,cron"`
}
