package pipeline

import (
	"context"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"batchops/internal/domain"
	"batchops/internal/incident"
	"batchops/internal/storage"
)

type fakeUploadRepo struct {
	uploads map[string]*domain.Upload
}

func newFakeUploadRepo() *fakeUploadRepo { return &fakeUploadRepo{uploads: map[string]*domain.Upload{}} }

func (f *fakeUploadRepo) Create(_ context.Context, u *domain.Upload) error {
	f.uploads[u.ID] = u
	return nil
}

func (f *fakeUploadRepo) Get(_ context.Context, id string) (*domain.Upload, error) {
	u, ok := f.uploads[id]
	if !ok {
		return nil, domain.ErrUploadNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUploadRepo) UpdateStatus(_ context.Context, id string, status domain.UploadStatus) error {
	u, ok := f.uploads[id]
	if !ok {
		return domain.ErrUploadNotFound
	}
	u.Status = status
	return nil
}

func (f *fakeUploadRepo) Publish(_ context.Context, id, csv string, pdf []byte, generatedAt time.Time) error {
	u, ok := f.uploads[id]
	if !ok {
		return domain.ErrUploadNotFound
	}
	u.Status = domain.UploadStatusPublished
	u.ReportCSV = &csv
	u.ReportPDF = pdf
	u.ReportGeneratedAt = &generatedAt
	return nil
}

func (f *fakeUploadRepo) ClearReports(_ context.Context, id string) error {
	u, ok := f.uploads[id]
	if !ok {
		return domain.ErrUploadNotFound
	}
	u.ClearReports()
	return nil
}

type fakeJobRunRepo struct {
	runs map[string]*domain.JobRun
}

func newFakeJobRunRepo() *fakeJobRunRepo { return &fakeJobRunRepo{runs: map[string]*domain.JobRun{}} }

func (f *fakeJobRunRepo) Create(_ context.Context, run *domain.JobRun) error {
	if run.ID == "" {
		run.ID = "run-" + strconv.Itoa(len(f.runs)+1)
	}
	f.runs[run.ID] = run
	return nil
}

func (f *fakeJobRunRepo) AppendStep(_ context.Context, runID string, step domain.StepRecord) error {
	run, ok := f.runs[runID]
	if !ok {
		return domain.ErrJobRunNotFound
	}
	run.AppendStep(step)
	return nil
}

func (f *fakeJobRunRepo) Finish(_ context.Context, runID string, status domain.JobRunStatus, exitCode int, logs string, finishedAt time.Time) error {
	run, ok := f.runs[runID]
	if !ok {
		return domain.ErrJobRunNotFound
	}
	run.Status = status
	run.ExitCode = exitCode
	run.Logs = logs
	run.FinishedAt = &finishedAt
	return nil
}

func (f *fakeJobRunRepo) Get(_ context.Context, id string) (*domain.JobRun, error) {
	run, ok := f.runs[id]
	if !ok {
		return nil, domain.ErrJobRunNotFound
	}
	return run, nil
}

func (f *fakeJobRunRepo) ListForUpload(_ context.Context, uploadID string) ([]*domain.JobRun, error) {
	var out []*domain.JobRun
	for _, r := range f.runs {
		if r.UploadID == uploadID {
			out = append(out, r)
		}
	}
	return out, nil
}

// fakeFinalizer drives the fakes above the same way the Postgres finalizer
// drives real tables, without a database.
type fakeFinalizer struct {
	uploads   *fakeUploadRepo
	runs      *fakeJobRunRepo
	incidents *fakeIncidentRepo
}

func (f *fakeFinalizer) Publish(ctx context.Context, runID string, finishedAt time.Time, durationMs int64, uploadID, csv string, pdf []byte, generatedAt time.Time) error {
	if err := f.runs.Finish(ctx, runID, domain.JobRunStatusSuccess, 0, "", finishedAt); err != nil {
		return err
	}
	if run, ok := f.runs.runs[runID]; ok {
		run.DurationMs = durationMs
	}
	return f.uploads.Publish(ctx, uploadID, csv, pdf, generatedAt)
}

func (f *fakeFinalizer) FailWithIncident(ctx context.Context, runID string, finishedAt time.Time, durationMs int64, exitCode int, logs string, in *domain.Incident, isNewIncident bool, event domain.TimelineEvent) error {
	if err := f.runs.Finish(ctx, runID, domain.JobRunStatusFailed, exitCode, logs, finishedAt); err != nil {
		return err
	}
	if run, ok := f.runs.runs[runID]; ok {
		run.DurationMs = durationMs
	}
	if isNewIncident {
		if err := f.incidents.Create(ctx, in); err != nil {
			return err
		}
	} else if err := f.incidents.Update(ctx, in); err != nil {
		return err
	}
	return f.incidents.AppendEvent(ctx, in.ID, event)
}

type fakeIncidentRepo struct {
	incidents map[string]*domain.Incident
}

func newFakeIncidentRepo() *fakeIncidentRepo {
	return &fakeIncidentRepo{incidents: map[string]*domain.Incident{}}
}

func (f *fakeIncidentRepo) Create(_ context.Context, in *domain.Incident) error {
	if in.ID == "" {
		in.ID = "incident-" + strconv.Itoa(len(f.incidents)+1)
	}
	f.incidents[in.ID] = in
	return nil
}

func (f *fakeIncidentRepo) Get(_ context.Context, id string) (*domain.Incident, error) {
	in, ok := f.incidents[id]
	if !ok {
		return nil, domain.ErrIncidentNotFound
	}
	return in, nil
}

func (f *fakeIncidentRepo) GetOpenForStage(_ context.Context, uploadID string, stage domain.StageName) (*domain.Incident, error) {
	for _, in := range f.incidents {
		if in.UploadID == uploadID && in.Stage == stage && in.State != domain.IncidentStateResolved && in.State != domain.IncidentStateArchived {
			return in, nil
		}
	}
	return nil, domain.ErrIncidentNotFound
}

func (f *fakeIncidentRepo) Update(_ context.Context, in *domain.Incident) error {
	if _, ok := f.incidents[in.ID]; !ok {
		return domain.ErrIncidentNotFound
	}
	f.incidents[in.ID] = in
	return nil
}

func (f *fakeIncidentRepo) AppendEvent(_ context.Context, id string, _ domain.TimelineEvent) error {
	if _, ok := f.incidents[id]; !ok {
		return domain.ErrIncidentNotFound
	}
	return nil
}

func (f *fakeIncidentRepo) List(_ context.Context, state domain.IncidentState) ([]*domain.Incident, error) {
	var out []*domain.Incident
	for _, in := range f.incidents {
		if in.State == state {
			out = append(out, in)
		}
	}
	return out, nil
}

type fakeTicketRepo struct{ tickets map[string]*domain.Ticket }

func newFakeTicketRepo() *fakeTicketRepo { return &fakeTicketRepo{tickets: map[string]*domain.Ticket{}} }

func (f *fakeTicketRepo) Create(_ context.Context, t *domain.Ticket) error {
	if t.ID == "" {
		t.ID = "ticket-" + strconv.Itoa(len(f.tickets)+1)
	}
	f.tickets[t.ID] = t
	return nil
}

func (f *fakeTicketRepo) Get(_ context.Context, id string) (*domain.Ticket, error) {
	t, ok := f.tickets[id]
	if !ok {
		return nil, domain.ErrTicketNotFound
	}
	return t, nil
}

func (f *fakeTicketRepo) GetForIncident(_ context.Context, incidentID string) (*domain.Ticket, error) {
	for _, t := range f.tickets {
		if t.IncidentID == incidentID {
			return t, nil
		}
	}
	return nil, domain.ErrTicketNotFound
}

func (f *fakeTicketRepo) Close(_ context.Context, id string, closedAt time.Time) error {
	t, ok := f.tickets[id]
	if !ok {
		return domain.ErrTicketNotFound
	}
	t.State = domain.TicketStateClosed
	t.ClosedAt = &closedAt
	return nil
}

type fakeKnownErrorRepo struct{ errs []*domain.KnownError }

func (f *fakeKnownErrorRepo) Create(_ context.Context, ke *domain.KnownError) error {
	f.errs = append(f.errs, ke)
	return nil
}
func (f *fakeKnownErrorRepo) Get(_ context.Context, id string) (*domain.KnownError, error) {
	for _, ke := range f.errs {
		if ke.ID == id {
			return ke, nil
		}
	}
	return nil, domain.ErrKnownErrorNotFound
}
func (f *fakeKnownErrorRepo) List(_ context.Context) ([]*domain.KnownError, error) { return f.errs, nil }

type fakeQueue struct{ enqueued []string }

func (f *fakeQueue) Enqueue(_ context.Context, jobID, uploadID string) error {
	f.enqueued = append(f.enqueued, uploadID)
	return nil
}
func (f *fakeQueue) EnqueueAt(_ context.Context, jobID, uploadID string, _ time.Time) error {
	f.enqueued = append(f.enqueued, uploadID)
	return nil
}
func (f *fakeQueue) Promote(_ context.Context, _ time.Time) (int, error)         { return 0, nil }
func (f *fakeQueue) Claim(_ context.Context, _ time.Duration) (*domain.QueueMessage, error) {
	return nil, domain.ErrQueueEmpty
}
func (f *fakeQueue) Ack(_ context.Context, _ *domain.QueueMessage) error { return nil }

func fixedClock(t time.Time) domain.Clock {
	return domain.ClockFunc(func() time.Time { return t })
}

func newTestExecutor(t *testing.T) (*Executor, *fakeUploadRepo, *storage.Root) {
	t.Helper()
	dir := t.TempDir()
	root, err := storage.NewRoot(dir)
	if err != nil {
		t.Fatalf("failed to build storage root: %v", err)
	}

	uploads := newFakeUploadRepo()
	runs := newFakeJobRunRepo()
	incidents := newFakeIncidentRepo()
	fin := &fakeFinalizer{uploads: uploads, runs: runs, incidents: incidents}

	tickets := newFakeTicketRepo()
	known := &fakeKnownErrorRepo{}
	queue := &fakeQueue{}
	clock := fixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	writer := incident.NewWriter(incidents, tickets, incident.NewMatcher(known), queue, clock)
	exec := NewExecutor("job-pipeline", uploads, runs, fin, root, writer, clock, time.Minute)
	return exec, uploads, root
}

func writeCSV(t *testing.T, root *storage.Root, uploadID, contents string) string {
	t.Helper()
	path, err := root.UploadFilePath(uploadID, "grades.csv")
	if err != nil {
		t.Fatalf("failed to build upload file path: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("failed to write test csv: %v", err)
	}
	return path
}

func TestExecutorHappyPath(t *testing.T) {
	exec, uploads, root := newTestExecutor(t)
	ctx := context.Background()

	path := writeCSV(t, root, "u1", "student_id,score\nS1,90\nS2,80\nS3,70\n")
	uploads.uploads["u1"] = &domain.Upload{
		ID: "u1", Filename: "grades.csv", Department: "registrar",
		Status: domain.UploadStatusPending, ProcessMode: domain.ProcessModeTransform,
		FilePath: path,
	}

	if err := exec.Run(ctx, "u1", nil, nil); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	u := uploads.uploads["u1"]
	if u.Status != domain.UploadStatusPublished {
		t.Fatalf("expected published status, got %s", u.Status)
	}
	if u.ReportCSV == nil {
		t.Fatalf("expected a report csv")
	}
	if len(u.ReportPDF) == 0 {
		t.Fatalf("expected non-empty report pdf")
	}
	// Transform mode publishes a field/value summary table, not the raw rows.
	if !strings.Contains(*u.ReportCSV, "row_count") || !strings.Contains(*u.ReportCSV, "3") {
		t.Fatalf("expected the summary table's row_count=3 in published csv, got %s", *u.ReportCSV)
	}
	if !strings.Contains(*u.ReportCSV, "score.avg") {
		t.Fatalf("expected numeric column stats in the summary table, got %s", *u.ReportCSV)
	}
	if strings.Contains(*u.ReportCSV, "S1") {
		t.Fatalf("expected transform-mode publish to summarize, not include raw row values, got %s", *u.ReportCSV)
	}
}

func TestExecutorAppendMode(t *testing.T) {
	exec, uploads, root := newTestExecutor(t)
	ctx := context.Background()

	path := writeCSV(t, root, "u2", "student_id,score\nS1,90\nS2,80\nS3,70\n")
	uploads.uploads["u2"] = &domain.Upload{
		ID: "u2", Filename: "grades.csv", Department: "registrar",
		Status: domain.UploadStatusPending, ProcessMode: domain.ProcessModeAppend,
		ProcessConfig: map[string]any{
			"records": []any{
				map[string]any{"student_id": "S99", "score": 77},
			},
		},
		FilePath: path,
	}

	if err := exec.Run(ctx, "u2", nil, nil); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	u := uploads.uploads["u2"]
	if u.Status != domain.UploadStatusPublished {
		t.Fatalf("expected published status, got %s", u.Status)
	}
	lines := strings.Split(strings.TrimRight(*u.ReportCSV, "\n"), "\n")
	if len(lines) != 5 { // header + 4 rows
		t.Fatalf("expected 4 data rows, got %d lines: %v", len(lines)-1, lines)
	}
	if !strings.Contains(lines[len(lines)-1], "S99") {
		t.Fatalf("expected last row to be the appended record, got %q", lines[len(lines)-1])
	}
}

func TestExecutorDeleteMode(t *testing.T) {
	exec, uploads, root := newTestExecutor(t)
	ctx := context.Background()

	path := writeCSV(t, root, "u3", "student_id,score\nS1,90\nS2,80\nS3,70\n")
	uploads.uploads["u3"] = &domain.Upload{
		ID: "u3", Filename: "grades.csv", Department: "registrar",
		Status: domain.UploadStatusPending, ProcessMode: domain.ProcessModeDelete,
		ProcessConfig: map[string]any{"column": "student_id", "value": "S2"},
		FilePath:      path,
	}

	if err := exec.Run(ctx, "u3", nil, nil); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	u := uploads.uploads["u3"]
	lines := strings.Split(strings.TrimRight(*u.ReportCSV, "\n"), "\n")
	if len(lines) != 3 { // header + 2 rows
		t.Fatalf("expected 2 remaining data rows, got %d lines: %v", len(lines)-1, lines)
	}
	if strings.Contains(*u.ReportCSV, "S2") {
		t.Fatalf("expected S2 row to be deleted, got %s", *u.ReportCSV)
	}
}

func TestExecutorIdempotentOnPublished(t *testing.T) {
	exec, uploads, root := newTestExecutor(t)
	ctx := context.Background()

	path := writeCSV(t, root, "u4", "student_id,score\nS1,90\n")
	csv := "student_id,score\nS1,90\n"
	generatedAt := time.Now()
	uploads.uploads["u4"] = &domain.Upload{
		ID: "u4", Filename: "grades.csv", Department: "registrar",
		Status: domain.UploadStatusPublished, ProcessMode: domain.ProcessModeTransform,
		ReportCSV: &csv, ReportPDF: []byte("existing-pdf"), ReportGeneratedAt: &generatedAt,
		FilePath: path,
	}

	if err := exec.Run(ctx, "u4", nil, nil); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	u := uploads.uploads["u4"]
	if string(u.ReportPDF) != "existing-pdf" {
		t.Fatalf("expected no-op on already-published upload, pdf was overwritten")
	}
}

// TestExecutorResumesFromProcessingUpload covers the redelivery-while-
// processing protocol: an upload stuck in processing with a prior job run
// that already recorded successful standardize/validate steps resumes from
// transform, reusing the same job run instead of duplicating its earlier
// steps or starting a second one.
func TestExecutorResumesFromProcessingUpload(t *testing.T) {
	exec, uploads, root := newTestExecutor(t)
	ctx := context.Background()

	path := writeCSV(t, root, "u6", "student_id,score\nS1,90\nS2,80\nS3,70\n")
	uploads.uploads["u6"] = &domain.Upload{
		ID: "u6", Filename: "grades.csv", Department: "registrar",
		Status: domain.UploadStatusProcessing, ProcessMode: domain.ProcessModeTransform,
		FilePath: path,
	}

	priorRun := &domain.JobRun{
		ID: "run-prior", JobID: "job-pipeline", UploadID: "u6",
		Status: domain.JobRunStatusRunning, StartedAt: time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC),
	}
	priorRun.AppendStep(domain.StepRecord{Stage: domain.StageStandardize, Status: domain.StepStatusOK})
	priorRun.AppendStep(domain.StepRecord{Stage: domain.StageValidate, Status: domain.StepStatusOK})
	exec.runs.(*fakeJobRunRepo).runs[priorRun.ID] = priorRun

	if err := exec.Run(ctx, "u6", nil, nil); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	u := uploads.uploads["u6"]
	if u.Status != domain.UploadStatusPublished {
		t.Fatalf("expected published status, got %s", u.Status)
	}

	runs, err := exec.runs.ListForUpload(ctx, "u6")
	if err != nil {
		t.Fatalf("failed to list job runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected the prior job run to be reused rather than a new one created, got %d runs", len(runs))
	}
	run := runs[0]
	if run.ID != "run-prior" {
		t.Fatalf("expected the prior job run to be reused, got %s", run.ID)
	}
	if run.Status != domain.JobRunStatusSuccess {
		t.Fatalf("expected the resumed run to finish successfully, got %s", run.Status)
	}

	var standardizeCount, validateCount, transformCount int
	for _, step := range run.Steps {
		switch step.Stage {
		case domain.StageStandardize:
			standardizeCount++
		case domain.StageValidate:
			validateCount++
		case domain.StageTransform:
			transformCount++
		}
	}
	if standardizeCount != 1 {
		t.Fatalf("expected standardize step not to be duplicated, got %d records", standardizeCount)
	}
	if validateCount != 1 {
		t.Fatalf("expected validate step not to be duplicated, got %d records", validateCount)
	}
	if transformCount != 1 {
		t.Fatalf("expected transform step to be recorded once on resume, got %d records", transformCount)
	}
}

func TestExecutorUnsupportedFormat(t *testing.T) {
	exec, uploads, root := newTestExecutor(t)
	ctx := context.Background()

	path, err := root.UploadFilePath("u5", "grades.txt")
	if err != nil {
		t.Fatalf("failed to build path: %v", err)
	}
	if err := os.WriteFile(path, []byte("irrelevant"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	uploads.uploads["u5"] = &domain.Upload{
		ID: "u5", Filename: "grades.txt", Department: "registrar",
		Status: domain.UploadStatusPending, ProcessMode: domain.ProcessModeTransform,
		FilePath: path,
	}

	if err := exec.Run(ctx, "u5", nil, nil); err != nil {
		t.Fatalf("Run returned unexpected top-level error: %v", err)
	}

	u := uploads.uploads["u5"]
	if u.Status != domain.UploadStatusFailed {
		t.Fatalf("expected failed status, got %s", u.Status)
	}
	if u.ReportCSV != nil {
		t.Fatalf("expected reports cleared on failure")
	}
}

