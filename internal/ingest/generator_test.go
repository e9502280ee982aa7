package ingest

import (
	"context"
	"os"
	"testing"
	"time"

	"batchops/internal/domain"
	"batchops/internal/storage"
)

type fakeRecordRepo struct {
	byDepartment map[string][]*domain.DepartmentRecord
}

func (f *fakeRecordRepo) ListForDepartment(_ context.Context, department string) ([]*domain.DepartmentRecord, error) {
	return f.byDepartment[department], nil
}

func (f *fakeRecordRepo) ListDepartments(_ context.Context) ([]string, error) {
	var out []string
	for dept := range f.byDepartment {
		out = append(out, dept)
	}
	return out, nil
}

type fakeUploadRepoI struct {
	uploads map[string]*domain.Upload
}

func (f *fakeUploadRepoI) Create(_ context.Context, u *domain.Upload) error {
	f.uploads[u.ID] = u
	return nil
}
func (f *fakeUploadRepoI) Get(_ context.Context, id string) (*domain.Upload, error) {
	u, ok := f.uploads[id]
	if !ok {
		return nil, domain.ErrUploadNotFound
	}
	return u, nil
}
func (f *fakeUploadRepoI) UpdateStatus(_ context.Context, id string, status domain.UploadStatus) error {
	f.uploads[id].Status = status
	return nil
}
func (f *fakeUploadRepoI) Publish(_ context.Context, id, csv string, pdf []byte, generatedAt time.Time) error {
	u := f.uploads[id]
	u.Status = domain.UploadStatusPublished
	u.ReportCSV = &csv
	u.ReportPDF = pdf
	u.ReportGeneratedAt = &generatedAt
	return nil
}
func (f *fakeUploadRepoI) ClearReports(_ context.Context, id string) error {
	f.uploads[id].ClearReports()
	return nil
}

type fakeQueueI struct {
	enqueued []string
}

func (q *fakeQueueI) Enqueue(_ context.Context, _, uploadID string) error {
	q.enqueued = append(q.enqueued, uploadID)
	return nil
}
func (q *fakeQueueI) EnqueueAt(ctx context.Context, jobID, uploadID string, _ time.Time) error {
	return q.Enqueue(ctx, jobID, uploadID)
}
func (q *fakeQueueI) Promote(_ context.Context, _ time.Time) (int, error) { return 0, nil }
func (q *fakeQueueI) Claim(_ context.Context, _ time.Duration) (*domain.QueueMessage, error) {
	return nil, domain.ErrQueueEmpty
}
func (q *fakeQueueI) Ack(_ context.Context, _ *domain.QueueMessage) error { return nil }

func fixedClockI(t time.Time) domain.Clock {
	return domain.ClockFunc(func() time.Time { return t })
}

func newTestRoot(t *testing.T) *storage.Root {
	t.Helper()
	root, err := storage.NewRoot(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage root: %v", err)
	}
	return root
}

func TestGenerateForDepartmentWritesCSVAndEnqueues(t *testing.T) {
	records := &fakeRecordRepo{byDepartment: map[string][]*domain.DepartmentRecord{
		"payroll": {
			{ID: "r1", Department: "payroll", Payload: map[string]any{"name": "Alice", "amount": 100}},
			{ID: "r2", Department: "payroll", Payload: map[string]any{"name": "Bob", "note": "late"}},
		},
	}}
	uploads := &fakeUploadRepoI{uploads: map[string]*domain.Upload{}}
	queue := &fakeQueueI{}
	root := newTestRoot(t)
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	gen := NewGenerator("pipeline-job", records, uploads, root, queue, fixedClockI(now), 0)

	uploadID, err := gen.GenerateForDepartment(context.Background(), "payroll")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	upload, err := uploads.Get(context.Background(), uploadID)
	if err != nil {
		t.Fatalf("expected the generated upload to be persisted: %v", err)
	}
	if upload.Status != domain.UploadStatusPending {
		t.Fatalf("expected a pending upload, got %s", upload.Status)
	}
	if upload.ProcessMode != domain.ProcessModeTransform {
		t.Fatalf("expected transform mode for a freshly ingested upload, got %s", upload.ProcessMode)
	}

	if len(queue.enqueued) != 1 || queue.enqueued[0] != uploadID {
		t.Fatalf("expected the new upload to be enqueued exactly once, got %v", queue.enqueued)
	}

	data, err := os.ReadFile(upload.FilePath)
	if err != nil {
		t.Fatalf("expected the ingest csv to exist on disk: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected non-empty csv content")
	}
}

func TestGenerateForDepartmentNoRecordsFails(t *testing.T) {
	records := &fakeRecordRepo{byDepartment: map[string][]*domain.DepartmentRecord{}}
	uploads := &fakeUploadRepoI{uploads: map[string]*domain.Upload{}}
	queue := &fakeQueueI{}
	root := newTestRoot(t)

	gen := NewGenerator("pipeline-job", records, uploads, root, queue, fixedClockI(time.Now()), 0)

	if _, err := gen.GenerateForDepartment(context.Background(), "empty-dept"); err == nil {
		t.Fatalf("expected an error when no records are staged for the department")
	}
}

func TestGenerateForDepartmentRespectsBatchLimit(t *testing.T) {
	recs := make([]*domain.DepartmentRecord, 5)
	for i := range recs {
		recs[i] = &domain.DepartmentRecord{ID: string(rune('a' + i)), Department: "ops", Payload: map[string]any{"n": i}}
	}
	records := &fakeRecordRepo{byDepartment: map[string][]*domain.DepartmentRecord{"ops": recs}}
	uploads := &fakeUploadRepoI{uploads: map[string]*domain.Upload{}}
	queue := &fakeQueueI{}
	root := newTestRoot(t)

	gen := NewGenerator("pipeline-job", records, uploads, root, queue, fixedClockI(time.Now()), 2)

	uploadID, err := gen.GenerateForDepartment(context.Background(), "ops")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	upload, _ := uploads.Get(context.Background(), uploadID)
	data, err := os.ReadFile(upload.FilePath)
	if err != nil {
		t.Fatalf("failed to read generated csv: %v", err)
	}
	// header + 2 data rows, batch-limited from 5 available records.
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	if lines != 3 {
		t.Fatalf("expected 3 lines (header + 2 rows) after batch limiting, got %d", lines)
	}
}

func TestAllDepartmentsGeneratorFansOutAndAggregatesFailures(t *testing.T) {
	records := &fakeRecordRepo{byDepartment: map[string][]*domain.DepartmentRecord{
		"payroll": {{ID: "r1", Department: "payroll", Payload: map[string]any{"n": 1}}},
		"empty":   {},
	}}
	uploads := &fakeUploadRepoI{uploads: map[string]*domain.Upload{}}
	queue := &fakeQueueI{}
	root := newTestRoot(t)
	gen := NewGenerator("pipeline-job", records, uploads, root, queue, fixedClockI(time.Now()), 0)
	all := NewAllDepartmentsGenerator(records, gen)

	err := all.Invoke(context.Background(), "", nil, nil)
	if err == nil {
		t.Fatalf("expected an aggregated error since the empty department has no records")
	}
	if len(queue.enqueued) != 1 {
		t.Fatalf("expected the payroll department to still succeed and enqueue, got %d enqueues", len(queue.enqueued))
	}
}
