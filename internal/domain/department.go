package domain

import "context"

// DepartmentSource is a department's registered feed the ingest generators
// draw records from to synthesize an Upload.
type DepartmentSource struct {
	Department string
	Name       string
	Config     map[string]any
}

// DepartmentRecord is one row of source data staged for a department,
// consumed by the ingest generator when it materializes an Upload file.
type DepartmentRecord struct {
	ID         string
	Department string
	Payload    map[string]any
}

// DepartmentRecordRepo persists staged department records.
type DepartmentRecordRepo interface {
	ListForDepartment(ctx context.Context, department string) ([]*DepartmentRecord, error)
	ListDepartments(ctx context.Context) ([]string, error)
}
