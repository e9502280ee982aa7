// Package ingest implements the department data generators: scheduled
// Callables that materialize a fresh Upload from staged DepartmentRecord
// rows and hand it to the pipeline queue.
package ingest

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"batchops/internal/domain"
	"batchops/internal/pipeline/format"
	"batchops/internal/storage"
)

// Generator reads DepartmentRecord rows for one department, writes them to
// a fresh CSV file under a new Upload identifier, and enqueues a pipeline
// execution for it. It returns as soon as the enqueue succeeds — it does
// not wait on the pipeline run.
type Generator struct {
	pipelineJobID string
	records       domain.DepartmentRecordRepo
	uploads       domain.UploadRepo
	storage       *storage.Root
	queue         domain.Queue
	clock         domain.Clock
	batchLimit    int
}

// NewGenerator builds a Generator bound to the pipeline Job it hands
// Uploads off to. batchLimit caps how many staged records a single
// generated Upload carries; 0 or negative means unlimited.
func NewGenerator(pipelineJobID string, records domain.DepartmentRecordRepo, uploads domain.UploadRepo, root *storage.Root, queue domain.Queue, clock domain.Clock, batchLimit int) *Generator {
	return &Generator{pipelineJobID: pipelineJobID, records: records, uploads: uploads, storage: root, queue: queue, clock: clock, batchLimit: batchLimit}
}

// Invoke satisfies domain.Callable. The department name is read from
// kwargs["department"], falling back to args[0], matching how a scheduled
// Job's config carries a fixed department per Job.
func (g *Generator) Invoke(ctx context.Context, _ string, args []any, kwargs map[string]any) error {
	department, ok := kwargs["department"].(string)
	if !ok && len(args) > 0 {
		department, _ = args[0].(string)
	}
	if department == "" {
		return fmt.Errorf("ingest generator requires a department argument")
	}
	_, err := g.GenerateForDepartment(ctx, department)
	return err
}

// GenerateForDepartment builds an Upload from every staged DepartmentRecord
// for department and returns its new ID.
func (g *Generator) GenerateForDepartment(ctx context.Context, department string) (string, error) {
	return g.generateForDepartment(ctx, department, nil)
}

// generateForDepartmentTagged is GenerateForDepartment plus an extra
// ProcessConfig tag on the resulting Upload, used by AllDepartmentsGenerator
// to mark which sweep produced it.
func (g *Generator) generateForDepartmentTagged(ctx context.Context, department string, tags map[string]any) (string, error) {
	return g.generateForDepartment(ctx, department, tags)
}

func (g *Generator) generateForDepartment(ctx context.Context, department string, tags map[string]any) (string, error) {
	records, err := g.records.ListForDepartment(ctx, department)
	if err != nil {
		return "", fmt.Errorf("failed to list department records for %s: %w", department, err)
	}
	if len(records) == 0 {
		return "", fmt.Errorf("no records available for department %s", department)
	}
	if g.batchLimit > 0 && len(records) > g.batchLimit {
		records = records[:g.batchLimit]
	}

	table := tableFromRecords(records)

	now := g.clock.Now()
	uploadID := uuid.NewString()
	filename := fmt.Sprintf("%s-ingest-%s.csv", department, now.Format("20060102-1504"))

	path, err := g.storage.UploadFilePath(uploadID, filename)
	if err != nil {
		return "", fmt.Errorf("failed to allocate upload path: %w", err)
	}
	if err := format.WriteCSV(path, table); err != nil {
		return "", fmt.Errorf("failed to write ingest csv: %w", err)
	}

	upload := &domain.Upload{
		ID:            uploadID,
		Filename:      filename,
		Department:    department,
		ReceivedAt:    now,
		Status:        domain.UploadStatusPending,
		ProcessMode:   domain.ProcessModeTransform,
		ProcessConfig: tags,
		FilePath:      path,
	}
	if err := g.uploads.Create(ctx, upload); err != nil {
		return "", fmt.Errorf("failed to create upload for department %s: %w", department, err)
	}

	if err := g.queue.Enqueue(ctx, g.pipelineJobID, uploadID); err != nil {
		return "", fmt.Errorf("failed to enqueue pipeline for upload %s: %w", uploadID, err)
	}
	return uploadID, nil
}

// tableFromRecords unions every record's payload keys into a stable column
// header and renders each record's values into that shape.
func tableFromRecords(records []*domain.DepartmentRecord) *format.Table {
	seen := map[string]bool{}
	var columns []string
	for _, r := range records {
		for key := range r.Payload {
			if !seen[key] {
				seen[key] = true
				columns = append(columns, key)
			}
		}
	}
	sort.Strings(columns)

	rows := make([][]string, len(records))
	for i, r := range records {
		row := make([]string, len(columns))
		for j, col := range columns {
			if v, ok := r.Payload[col]; ok {
				row[j] = fmt.Sprintf("%v", v)
			}
		}
		rows[i] = row
	}
	return &format.Table{Columns: columns, Rows: rows}
}
