package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"batchops/internal/domain"
)

type fakeQueue struct {
	mu       sync.Mutex
	pending  []*domain.QueueMessage
	acked    []string
	claimSeq int
}

func (q *fakeQueue) Enqueue(_ context.Context, jobID, uploadID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.claimSeq++
	q.pending = append(q.pending, &domain.QueueMessage{ID: "msg-" + jobID, JobID: jobID, UploadID: uploadID, EnqueuedAt: time.Now(), Attempt: 1})
	return nil
}

func (q *fakeQueue) EnqueueAt(ctx context.Context, jobID, uploadID string, _ time.Time) error {
	return q.Enqueue(ctx, jobID, uploadID)
}

func (q *fakeQueue) Promote(_ context.Context, _ time.Time) (int, error) { return 0, nil }

func (q *fakeQueue) Claim(_ context.Context, _ time.Duration) (*domain.QueueMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, domain.ErrQueueEmpty
	}
	msg := q.pending[0]
	q.pending = q.pending[1:]
	return msg, nil
}

func (q *fakeQueue) Ack(_ context.Context, msg *domain.QueueMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, msg.ID)
	return nil
}

func (q *fakeQueue) ackCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.acked)
}

type fakeJobRepoW struct {
	jobs map[string]*domain.Job
}

func (r *fakeJobRepoW) Save(_ context.Context, job *domain.Job) error {
	r.jobs[job.ID] = job
	return nil
}
func (r *fakeJobRepoW) Delete(_ context.Context, _ string) error { return nil }
func (r *fakeJobRepoW) Get(_ context.Context, name string) (*domain.Job, error) {
	for _, j := range r.jobs {
		if j.Name == name {
			return j, nil
		}
	}
	return nil, domain.ErrJobNotFound
}
func (r *fakeJobRepoW) GetByID(_ context.Context, id string) (*domain.Job, error) {
	j, ok := r.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return j, nil
}
func (r *fakeJobRepoW) List(_ context.Context) ([]*domain.Job, error) {
	var out []*domain.Job
	for _, j := range r.jobs {
		out = append(out, j)
	}
	return out, nil
}

type fakeJobRunRepoW struct {
	mu   sync.Mutex
	runs map[string]*domain.JobRun
}

func newFakeJobRunRepoW() *fakeJobRunRepoW { return &fakeJobRunRepoW{runs: map[string]*domain.JobRun{}} }

func (r *fakeJobRunRepoW) Create(_ context.Context, run *domain.JobRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run.ID == "" {
		run.ID = "run-" + run.JobID + "-" + run.UploadID
	}
	r.runs[run.ID] = run
	return nil
}
func (r *fakeJobRunRepoW) AppendStep(_ context.Context, runID string, step domain.StepRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.runs[runID]; ok {
		run.AppendStep(step)
	}
	return nil
}
func (r *fakeJobRunRepoW) Finish(_ context.Context, runID string, status domain.JobRunStatus, exitCode int, logs string, finishedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return domain.ErrJobRunNotFound
	}
	run.Status = status
	run.ExitCode = exitCode
	run.Logs = logs
	run.FinishedAt = &finishedAt
	return nil
}
func (r *fakeJobRunRepoW) Get(_ context.Context, id string) (*domain.JobRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, domain.ErrJobRunNotFound
	}
	return run, nil
}
func (r *fakeJobRunRepoW) ListForUpload(_ context.Context, uploadID string) ([]*domain.JobRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.JobRun
	for _, run := range r.runs {
		if run.UploadID == uploadID {
			out = append(out, run)
		}
	}
	return out, nil
}

type fakeRegistry struct {
	callables map[string]domain.Callable
}

func (r *fakeRegistry) Register(name string, c domain.Callable) { r.callables[name] = c }
func (r *fakeRegistry) Resolve(name string) (domain.Callable, error) {
	c, ok := r.callables[name]
	if !ok {
		return nil, domain.ErrCallableUnresolved
	}
	return c, nil
}

type noopLock struct{}

func (noopLock) Unlock(_ context.Context) error { return nil }

type fakeLocker struct {
	mu     sync.Mutex
	held   map[string]bool
	denyOn string
}

func newFakeLocker() *fakeLocker { return &fakeLocker{held: map[string]bool{}} }

func (l *fakeLocker) Lock(_ context.Context, name string) (domain.Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if name == l.denyOn || l.held[name] {
		return nil, domain.ErrLockNotAcquired
	}
	l.held[name] = true
	return noopLock{}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestPoolUnknownCallableIsAckedWithFailedRun covers the operator-error
// path: a job configured against a callable this worker never registered
// can never succeed on redelivery, so it is acked once (no retry loop) and
// recorded as a permanent JobRun failure with exit_code=2.
func TestPoolUnknownCallableIsAckedWithFailedRun(t *testing.T) {
	queue := &fakeQueue{}
	jobs := &fakeJobRepoW{jobs: map[string]*domain.Job{
		"job-1": {ID: "job-1", Name: "orphaned-job", Config: domain.JobConfig{Callable: "does.not.exist"}},
	}}
	runs := newFakeJobRunRepoW()
	registry := &fakeRegistry{callables: map[string]domain.Callable{}}
	locker := newFakeLocker()

	pool := New(1, queue, jobs, runs, registry, locker, time.Minute, 10*time.Millisecond, testLogger())

	if err := queue.Enqueue(context.Background(), "job-1", "upload-1"); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	msg, err := queue.Claim(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	pool.process(context.Background(), testLogger(), msg)

	if queue.ackCount() != 1 {
		t.Fatalf("expected the message to be acked exactly once, got %d acks", queue.ackCount())
	}

	var found *domain.JobRun
	for _, run := range runs.runs {
		found = run
	}
	if found == nil {
		t.Fatalf("expected a job run to be recorded for the unresolved callable")
	}
	if found.Status != domain.JobRunStatusFailed || found.ExitCode != 2 {
		t.Fatalf("expected a failed job run with exit_code=2, got status=%s exit_code=%d", found.Status, found.ExitCode)
	}
}

func TestPoolHappyPathAcksAfterInvoke(t *testing.T) {
	queue := &fakeQueue{}
	jobs := &fakeJobRepoW{jobs: map[string]*domain.Job{
		"job-1": {ID: "job-1", Name: "pipeline-job", Config: domain.JobConfig{Callable: "pipeline.run"}},
	}}

	var invoked bool
	registry := &fakeRegistry{callables: map[string]domain.Callable{
		"pipeline.run": domain.CallableFunc(func(_ context.Context, uploadID string, _ []any, _ map[string]any) error {
			invoked = true
			if uploadID != "upload-1" {
				t.Fatalf("unexpected upload id %q", uploadID)
			}
			return nil
		}),
	}}
	locker := newFakeLocker()

	pool := New(1, queue, jobs, newFakeJobRunRepoW(), registry, locker, time.Minute, 10*time.Millisecond, testLogger())

	if err := queue.Enqueue(context.Background(), "job-1", "upload-1"); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	msg, err := queue.Claim(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	pool.process(context.Background(), testLogger(), msg)

	if !invoked {
		t.Fatalf("expected callable to be invoked")
	}
	if queue.ackCount() != 1 {
		t.Fatalf("expected exactly one ack, got %d", queue.ackCount())
	}
}

func TestPoolSkipsUploadAlreadyLocked(t *testing.T) {
	queue := &fakeQueue{}
	jobs := &fakeJobRepoW{jobs: map[string]*domain.Job{
		"job-1": {ID: "job-1", Name: "pipeline-job", Config: domain.JobConfig{Callable: "pipeline.run"}},
	}}
	var invokes int
	registry := &fakeRegistry{callables: map[string]domain.Callable{
		"pipeline.run": domain.CallableFunc(func(_ context.Context, _ string, _ []any, _ map[string]any) error {
			invokes++
			return nil
		}),
	}}
	locker := newFakeLocker()
	locker.denyOn = "upload-1"

	pool := New(1, queue, jobs, newFakeJobRunRepoW(), registry, locker, time.Minute, 10*time.Millisecond, testLogger())

	if err := queue.Enqueue(context.Background(), "job-1", "upload-1"); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	msg, err := queue.Claim(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	pool.process(context.Background(), testLogger(), msg)

	if invokes != 0 {
		t.Fatalf("expected callable not to run while the upload lock is held elsewhere")
	}
	if queue.ackCount() != 0 {
		t.Fatalf("expected no ack when the upload lock could not be acquired")
	}
}

func TestPoolStartStopsOnContextCancel(t *testing.T) {
	queue := &fakeQueue{}
	jobs := &fakeJobRepoW{jobs: map[string]*domain.Job{}}
	registry := &fakeRegistry{callables: map[string]domain.Callable{}}
	locker := newFakeLocker()

	pool := New(2, queue, jobs, newFakeJobRunRepoW(), registry, locker, time.Minute, 5*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Start(ctx) }()

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pool did not stop after context cancellation")
	}
}
