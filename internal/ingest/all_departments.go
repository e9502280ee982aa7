package ingest

import (
	"context"
	"fmt"

	"batchops/internal/domain"
)

// AllDepartmentsGenerator fans a single scheduled trigger out to every
// active department's Generator, mirroring the source automation's
// all-department ingest sweep.
type AllDepartmentsGenerator struct {
	departments domain.DepartmentRecordRepo
	generator   *Generator
}

// NewAllDepartmentsGenerator builds the fan-in generator, reusing gen's
// per-department logic for each department it discovers.
func NewAllDepartmentsGenerator(departments domain.DepartmentRecordRepo, gen *Generator) *AllDepartmentsGenerator {
	return &AllDepartmentsGenerator{departments: departments, generator: gen}
}

// Invoke satisfies domain.Callable, ignoring args/kwargs — this callable
// takes no parameters.
func (a *AllDepartmentsGenerator) Invoke(ctx context.Context, _ string, _ []any, _ map[string]any) error {
	departments, err := a.departments.ListDepartments(ctx)
	if err != nil {
		return fmt.Errorf("failed to list departments: %w", err)
	}
	if len(departments) == 0 {
		return fmt.Errorf("no active department sources to ingest")
	}

	tags := map[string]any{
		"source":            "all_departments_sweep",
		"swept_departments": departments,
	}

	var failures []string
	for _, dept := range departments {
		if _, err := a.generator.generateForDepartmentTagged(ctx, dept, tags); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", dept, err))
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("ingest failed for %d department(s): %v", len(failures), failures)
	}
	return nil
}
