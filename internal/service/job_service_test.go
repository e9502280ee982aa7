package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"batchops/internal/domain"
)

type fakeJobRepoS struct {
	byName map[string]*domain.Job
}

func newFakeJobRepoS() *fakeJobRepoS { return &fakeJobRepoS{byName: map[string]*domain.Job{}} }

func (f *fakeJobRepoS) Save(_ context.Context, job *domain.Job) error {
	cp := *job
	f.byName[job.Name] = &cp
	return nil
}
func (f *fakeJobRepoS) Delete(_ context.Context, name string) error {
	delete(f.byName, name)
	return nil
}
func (f *fakeJobRepoS) Get(_ context.Context, name string) (*domain.Job, error) {
	job, ok := f.byName[name]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job, nil
}
func (f *fakeJobRepoS) GetByID(_ context.Context, id string) (*domain.Job, error) {
	for _, job := range f.byName {
		if job.ID == id {
			return job, nil
		}
	}
	return nil, domain.ErrJobNotFound
}
func (f *fakeJobRepoS) List(_ context.Context) ([]*domain.Job, error) {
	out := make([]*domain.Job, 0, len(f.byName))
	for _, job := range f.byName {
		out = append(out, job)
	}
	return out, nil
}

type fakeJobRunRepoS struct {
	byUpload map[string][]*domain.JobRun
}

func (f *fakeJobRunRepoS) Create(_ context.Context, run *domain.JobRun) error {
	f.byUpload[run.UploadID] = append(f.byUpload[run.UploadID], run)
	return nil
}
func (f *fakeJobRunRepoS) AppendStep(_ context.Context, _ string, _ domain.StepRecord) error {
	return nil
}
func (f *fakeJobRunRepoS) Finish(_ context.Context, _ string, _ domain.JobRunStatus, _ int, _ string, _ time.Time) error {
	return nil
}
func (f *fakeJobRunRepoS) Get(_ context.Context, id string) (*domain.JobRun, error) {
	for _, runs := range f.byUpload {
		for _, r := range runs {
			if r.ID == id {
				return r, nil
			}
		}
	}
	return nil, domain.ErrJobRunNotFound
}
func (f *fakeJobRunRepoS) ListForUpload(_ context.Context, uploadID string) ([]*domain.JobRun, error) {
	return f.byUpload[uploadID], nil
}

type fakeScheduleRegistryS struct {
	registered   map[string]string
	unregistered map[string]bool
	reconciled   []*domain.Job
}

func newFakeScheduleRegistryS() *fakeScheduleRegistryS {
	return &fakeScheduleRegistryS{registered: map[string]string{}, unregistered: map[string]bool{}}
}
func (f *fakeScheduleRegistryS) Register(_ context.Context, jobID, cronExpr string, _ time.Time) error {
	f.registered[jobID] = cronExpr
	delete(f.unregistered, jobID)
	return nil
}
func (f *fakeScheduleRegistryS) Unregister(_ context.Context, jobID string) error {
	f.unregistered[jobID] = true
	delete(f.registered, jobID)
	return nil
}
func (f *fakeScheduleRegistryS) Due(_ context.Context, _ time.Time) ([]*domain.ScheduleState, error) {
	return nil, nil
}
func (f *fakeScheduleRegistryS) MarkDispatched(_ context.Context, _ string, _ time.Time, _ int64) error {
	return nil
}
func (f *fakeScheduleRegistryS) Reconcile(_ context.Context, jobs []*domain.Job, _ time.Time) error {
	f.reconciled = jobs
	return nil
}

func testLoggerS() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSavePreservesExistingJobIDOnReapplication(t *testing.T) {
	repo := newFakeJobRepoS()
	runs := &fakeJobRunRepoS{byUpload: map[string][]*domain.JobRun{}}
	schedules := newFakeScheduleRegistryS()
	svc := NewJobService(repo, runs, schedules, testLoggerS())

	first := &domain.Job{Name: "nightly-report", Config: domain.JobConfig{Callable: "pipeline.results"}, ScheduleCron: "0 2 * * *"}
	if err := svc.Save(context.Background(), first); err != nil {
		t.Fatalf("unexpected error on first save: %v", err)
	}
	if first.ID == "" {
		t.Fatalf("expected a generated ID on first save")
	}
	firstID := first.ID
	firstCreatedAt := first.CreatedAt

	// Re-applying the same definition by name, as the boot-time job
	// definitions loader does on every restart, must not mint a new ID —
	// the schedule registry and any JobRuns are keyed on the original one.
	second := &domain.Job{Name: "nightly-report", Config: domain.JobConfig{Callable: "pipeline.results"}, ScheduleCron: "0 3 * * *"}
	if err := svc.Save(context.Background(), second); err != nil {
		t.Fatalf("unexpected error on second save: %v", err)
	}

	if second.ID != firstID {
		t.Fatalf("expected re-saved job to keep id %s, got %s", firstID, second.ID)
	}
	if !second.CreatedAt.Equal(firstCreatedAt) {
		t.Fatalf("expected re-saved job to keep its original created_at")
	}
	if len(repo.byName) != 1 {
		t.Fatalf("expected exactly one persisted job, got %d", len(repo.byName))
	}
	if schedules.registered[firstID] != "0 3 * * *" {
		t.Fatalf("expected the schedule registry entry to reflect the updated cron expression, got %q", schedules.registered[firstID])
	}
}

func TestSaveGeneratesNewIDForUnknownJobName(t *testing.T) {
	repo := newFakeJobRepoS()
	runs := &fakeJobRunRepoS{byUpload: map[string][]*domain.JobRun{}}
	schedules := newFakeScheduleRegistryS()
	svc := NewJobService(repo, runs, schedules, testLoggerS())

	job := &domain.Job{Name: "first-run", Config: domain.JobConfig{Callable: "pipeline.results"}}
	if err := svc.Save(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.ID == "" {
		t.Fatalf("expected a generated ID")
	}
}

func TestSaveUnregistersManualTriggerJobs(t *testing.T) {
	repo := newFakeJobRepoS()
	runs := &fakeJobRunRepoS{byUpload: map[string][]*domain.JobRun{}}
	schedules := newFakeScheduleRegistryS()
	svc := NewJobService(repo, runs, schedules, testLoggerS())

	job := &domain.Job{Name: "manual-only", Config: domain.JobConfig{Callable: "ingest.department_records"}}
	if err := svc.Save(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := schedules.registered[job.ID]; ok {
		t.Fatalf("expected no schedule registration for a manual-trigger job")
	}
}

func TestSaveRejectsInvalidJob(t *testing.T) {
	repo := newFakeJobRepoS()
	runs := &fakeJobRunRepoS{byUpload: map[string][]*domain.JobRun{}}
	schedules := newFakeScheduleRegistryS()
	svc := NewJobService(repo, runs, schedules, testLoggerS())

	job := &domain.Job{Name: "", Config: domain.JobConfig{Callable: "pipeline.results"}}
	if err := svc.Save(context.Background(), job); err == nil {
		t.Fatalf("expected validation error for an empty job name")
	}
}

func TestDeleteUnregistersSchedule(t *testing.T) {
	repo := newFakeJobRepoS()
	runs := &fakeJobRunRepoS{byUpload: map[string][]*domain.JobRun{}}
	schedules := newFakeScheduleRegistryS()
	svc := NewJobService(repo, runs, schedules, testLoggerS())

	job := &domain.Job{Name: "to-delete", Config: domain.JobConfig{Callable: "pipeline.results"}, ScheduleCron: "* * * * *"}
	if err := svc.Save(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.Delete(context.Background(), "to-delete"); err != nil {
		t.Fatalf("unexpected error on delete: %v", err)
	}
	if !schedules.unregistered[job.ID] {
		t.Fatalf("expected the schedule to be unregistered on delete")
	}
	if _, err := repo.Get(context.Background(), "to-delete"); err == nil {
		t.Fatalf("expected the job to be gone from the repository")
	}
}

func TestReconcileOnlyPassesScheduledJobs(t *testing.T) {
	repo := newFakeJobRepoS()
	runs := &fakeJobRunRepoS{byUpload: map[string][]*domain.JobRun{}}
	schedules := newFakeScheduleRegistryS()
	svc := NewJobService(repo, runs, schedules, testLoggerS())

	scheduled := &domain.Job{Name: "scheduled", Config: domain.JobConfig{Callable: "pipeline.results"}, ScheduleCron: "* * * * *"}
	manual := &domain.Job{Name: "manual", Config: domain.JobConfig{Callable: "pipeline.results"}}
	if err := svc.Save(context.Background(), scheduled); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.Save(context.Background(), manual); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := svc.Reconcile(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(schedules.reconciled) != 1 || schedules.reconciled[0].Name != "scheduled" {
		t.Fatalf("expected only the scheduled job to be passed to Reconcile, got %v", schedules.reconciled)
	}
}
