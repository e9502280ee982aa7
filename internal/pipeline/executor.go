package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"batchops/internal/domain"
	"batchops/internal/incident"
	"batchops/internal/pipeline/format"
	"batchops/internal/storage"
)

// Finalizer atomically commits the two cross-entity write pairs the
// pipeline ever needs: a succeeded JobRun with its Upload's published
// reports, and a failed JobRun with its raised or recurring Incident. A
// crash between either pair's two writes must never leave one half
// committed without the other.
type Finalizer interface {
	Publish(ctx context.Context, runID string, finishedAt time.Time, durationMs int64, uploadID, csv string, pdf []byte, generatedAt time.Time) error
	FailWithIncident(ctx context.Context, runID string, finishedAt time.Time, durationMs int64, exitCode int, logs string, in *domain.Incident, isNewIncident bool, event domain.TimelineEvent) error
}

// defaultStageTimeout bounds a stage when the caller passes a zero timeout,
// matching config.Load's own "stage_timeout" default.
const defaultStageTimeout = 10 * time.Minute

// Executor drives one Upload through the five fixed pipeline stages.
type Executor struct {
	jobID        string
	uploads      domain.UploadRepo
	runs         domain.JobRunRepo
	finalizer    Finalizer
	storage      *storage.Root
	writer       *incident.Writer
	clock        domain.Clock
	stageTimeout time.Duration
	tracer       trace.Tracer
}

// NewExecutor builds an Executor bound to the pipeline Job's ID. stageTimeout
// bounds each of standardize/validate/transform/summarize; a zero value
// falls back to defaultStageTimeout.
func NewExecutor(jobID string, uploads domain.UploadRepo, runs domain.JobRunRepo, finalizer Finalizer, root *storage.Root, writer *incident.Writer, clock domain.Clock, stageTimeout time.Duration) *Executor {
	if stageTimeout <= 0 {
		stageTimeout = defaultStageTimeout
	}
	return &Executor{
		jobID:        jobID,
		uploads:      uploads,
		runs:         runs,
		finalizer:    finalizer,
		storage:      root,
		writer:       writer,
		clock:        clock,
		stageTimeout: stageTimeout,
		tracer:       otel.Tracer("batchops-pipeline-executor"),
	}
}

// Run executes the pipeline for uploadID and satisfies domain.Callable so
// it can be registered directly against the worker pool.
func (e *Executor) Run(ctx context.Context, uploadID string, _ []any, _ map[string]any) error {
	ctx, span := e.tracer.Start(ctx, "pipeline.Run")
	defer span.End()
	span.SetAttributes(attribute.String("upload.id", uploadID))

	upload, err := e.uploads.Get(ctx, uploadID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to load upload %s: %w", uploadID, err)
	}

	// Idempotence on re-delivery: a fully published upload is a no-op.
	if upload.Status == domain.UploadStatusPublished && upload.ReportCSV != nil && len(upload.ReportPDF) > 0 {
		span.AddEvent("upload already published, skipping")
		return nil
	}

	resumeFrom := domain.StageStandardize
	var run *domain.JobRun
	if upload.Status == domain.UploadStatusProcessing {
		var err error
		resumeFrom, run, err = e.resumePoint(ctx, uploadID)
		if err != nil {
			return err
		}
	}
	if run == nil {
		run = &domain.JobRun{JobID: e.jobID, UploadID: uploadID, Status: domain.JobRunStatusRunning, StartedAt: e.clock.Now()}
		if err := e.runs.Create(ctx, run); err != nil {
			return fmt.Errorf("failed to create job run for upload %s: %w", uploadID, err)
		}
	}
	span.SetAttributes(attribute.String("pipeline.resume_from", string(resumeFrom)))

	if err := e.uploads.UpdateStatus(ctx, uploadID, domain.UploadStatusProcessing); err != nil {
		return fmt.Errorf("failed to mark upload %s processing: %w", uploadID, err)
	}

	transformed, s, stageErr, failedStage := e.runStages(ctx, run, upload, resumeFrom)
	finishedAt := e.clock.Now()

	if stageErr != nil {
		return e.handleFailure(ctx, run, uploadID, failedStage, stageErr, finishedAt)
	}

	return e.handleSuccess(ctx, run, upload, transformed, s, finishedAt, resumeFrom)
}

// resumePoint inspects the most recent prior JobRun for uploadID still
// mid-flight and returns the first stage whose StepRecord is not success, so
// a redelivered message for an upload stuck in processing resumes instead of
// restarting the whole pipeline. The prior run is reused, not replaced, so
// its earlier successful steps are never duplicated.
func (e *Executor) resumePoint(ctx context.Context, uploadID string) (domain.StageName, *domain.JobRun, error) {
	runs, err := e.runs.ListForUpload(ctx, uploadID)
	if err != nil {
		return "", nil, fmt.Errorf("failed to list prior job runs for upload %s: %w", uploadID, err)
	}
	if len(runs) == 0 {
		return domain.StageStandardize, nil, nil
	}

	prior := runs[0]
	for _, r := range runs[1:] {
		if r.StartedAt.After(prior.StartedAt) {
			prior = r
		}
	}

	resumeFrom := domain.StageStandardize
	for _, stage := range domain.Stages {
		if !stageSucceeded(prior, stage) {
			break
		}
		resumeFrom = nextStage(stage)
	}
	prior.Status = domain.JobRunStatusRunning
	prior.FinishedAt = nil
	return resumeFrom, prior, nil
}

func stageSucceeded(run *domain.JobRun, stage domain.StageName) bool {
	ok := false
	for _, step := range run.Steps {
		if step.Stage == stage {
			ok = step.Status == domain.StepStatusOK
		}
	}
	return ok
}

func stageIndex(stage domain.StageName) int {
	for i, s := range domain.Stages {
		if s == stage {
			return i
		}
	}
	return len(domain.Stages)
}

func nextStage(stage domain.StageName) domain.StageName {
	idx := stageIndex(stage) + 1
	if idx >= len(domain.Stages) {
		return domain.StagePublish
	}
	return domain.Stages[idx]
}

// runStages executes standardize→validate→transform→summarize in order,
// recording a StepRecord for each. It stops at the first failure and
// reports which stage failed; publish is handled by the caller since it
// needs the Finalizer's atomic write.
func (e *Executor) runStages(ctx context.Context, run *domain.JobRun, upload *domain.Upload, resumeFrom domain.StageName) (*transformResult, *summary, error, domain.StageName) {
	var ds *dataset
	err := e.runStage(ctx, func() (err error) {
		ds, err = e.standardizeStage(ctx, upload.FilePath)
		return err
	})
	if !e.recordStep(ctx, run, domain.StageStandardize, err, "", resumeFrom) {
		return nil, nil, err, domain.StageStandardize
	}
	if err != nil {
		return nil, nil, err, domain.StageStandardize
	}

	cfg := validationConfigFrom(upload.ProcessConfig)
	err = e.runStage(ctx, func() error { return validate(ds, cfg) })
	if !e.recordStep(ctx, run, domain.StageValidate, err, "", resumeFrom) {
		return nil, nil, err, domain.StageValidate
	}
	if err != nil {
		return nil, nil, err, domain.StageValidate
	}

	var transformed *transformResult
	err = e.runStage(ctx, func() (err error) {
		transformed, err = runTransform(upload.ProcessMode, upload.ProcessConfig, ds)
		return err
	})
	transformLog := ""
	if transformed != nil {
		transformLog = transformed.log
	}
	if !e.recordStep(ctx, run, domain.StageTransform, err, transformLog, resumeFrom) {
		return nil, nil, err, domain.StageTransform
	}
	if err != nil {
		return nil, nil, err, domain.StageTransform
	}

	var s *summary
	err = e.runStage(ctx, func() error {
		s = summarize(transformed.ds)
		return nil
	})
	if !e.recordStep(ctx, run, domain.StageSummarize, err, "", resumeFrom) {
		return nil, nil, fmt.Errorf("failed to record summarize step"), domain.StageSummarize
	}
	if err != nil {
		return nil, nil, err, domain.StageSummarize
	}

	return transformed, s, nil, ""
}

// runStage bounds fn by the configured stage timeout. fn runs on its own
// goroutine so a stage stuck on a corrupt file or blocked I/O cannot hang the
// whole executor; the timeout is soft in that the goroutine is left to
// finish or fail on its own once abandoned, its result simply discarded.
func (e *Executor) runStage(ctx context.Context, fn func() error) error {
	stageCtx, cancel := context.WithTimeout(ctx, e.stageTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-stageCtx.Done():
		return fmt.Errorf("%w: stage exceeded %s", domain.ErrStageTimeout, e.stageTimeout)
	}
}

func (e *Executor) standardizeStage(ctx context.Context, filePath string) (*dataset, error) {
	table, err := loadUpload(ctx, filePath)
	if err != nil {
		return nil, err
	}
	return standardize(table)
}

// recordStep appends a StepRecord for stage and returns false if the append
// itself failed (a persistence error, distinct from a stage business
// error). A stage already recorded success in the run being resumed is
// re-executed for its dataset output but not logged again.
func (e *Executor) recordStep(ctx context.Context, run *domain.JobRun, stage domain.StageName, stageErr error, logs string, resumeFrom domain.StageName) bool {
	if stageErr == nil && stageIndex(stage) < stageIndex(resumeFrom) {
		return true
	}
	now := e.clock.Now()
	status := domain.StepStatusOK
	msg := ""
	if stageErr != nil {
		status = domain.StepStatusFailed
		msg = stageErr.Error()
	}
	step := domain.StepRecord{Stage: stage, Status: status, StartedAt: now, FinishedAt: now, Error: msg, Logs: logs}
	if err := e.runs.AppendStep(ctx, run.ID, step); err != nil {
		return false
	}
	return true
}

func (e *Executor) handleFailure(ctx context.Context, run *domain.JobRun, uploadID string, stage domain.StageName, stageErr error, finishedAt time.Time) error {
	durationMs := finishedAt.Sub(run.StartedAt).Milliseconds()
	logs := fmt.Sprintf("stage %s failed: %s", stage, stageErr.Error())

	in, isNew, event, match, err := e.writer.PrepareFailure(ctx, run.ID, uploadID, stage, stageErr.Error())
	if err != nil {
		return fmt.Errorf("failed to prepare incident for upload %s: %w", uploadID, err)
	}
	// The JobRun's terminal failure and its Incident create/update commit in
	// one transaction: a crash between the two must never leave a
	// terminally-failed run with no Incident recording it.
	if err := e.finalizer.FailWithIncident(ctx, run.ID, finishedAt, durationMs, 1, logs, in, isNew, event); err != nil {
		return fmt.Errorf("failed to finish failed job run %s: %w", run.ID, err)
	}
	e.writer.CommitFailureSideEffects(ctx, e.jobID, uploadID, in, isNew, match)
	if err := e.uploads.UpdateStatus(ctx, uploadID, domain.UploadStatusFailed); err != nil {
		return fmt.Errorf("failed to mark upload %s failed: %w", uploadID, err)
	}
	if err := e.uploads.ClearReports(ctx, uploadID); err != nil {
		return fmt.Errorf("failed to clear stale reports for upload %s: %w", uploadID, err)
	}
	return nil
}

func (e *Executor) handleSuccess(ctx context.Context, run *domain.JobRun, upload *domain.Upload, transformed *transformResult, s *summary, finishedAt time.Time, resumeFrom domain.StageName) error {
	published := canonicalTable(upload, transformed.ds, s)

	csv, err := format.EncodeCSV(published)
	if err != nil {
		return fmt.Errorf("failed to encode csv report for upload %s: %w", upload.ID, err)
	}

	pdfPath := filepath.Join(e.storage.ExportsDir(), upload.ID+".pdf")
	if err := format.WritePDFReport(pdfPath, reportTitle(upload, s), published); err != nil {
		return fmt.Errorf("failed to write pdf report for upload %s: %w", upload.ID, err)
	}
	pdfBytes, err := os.ReadFile(pdfPath)
	if err != nil {
		return fmt.Errorf("failed to read generated pdf for upload %s: %w", upload.ID, err)
	}

	if !e.recordStep(ctx, run, domain.StagePublish, nil, "", resumeFrom) {
		return fmt.Errorf("failed to record publish step for upload %s", upload.ID)
	}

	durationMs := finishedAt.Sub(run.StartedAt).Milliseconds()
	if err := e.finalizer.Publish(ctx, run.ID, finishedAt, durationMs, upload.ID, csv, pdfBytes, finishedAt); err != nil {
		return fmt.Errorf("failed to publish upload %s: %w", upload.ID, err)
	}

	if err := e.writer.ResolveAllForUpload(ctx, upload.ID); err != nil {
		return fmt.Errorf("failed to auto-resolve incidents for upload %s: %w", upload.ID, err)
	}
	return nil
}

func reportTitle(upload *domain.Upload, s *summary) string {
	return fmt.Sprintf("BatchOps report - %s (%d rows, %d columns)", upload.Filename, s.RowCount, s.ColumnCount)
}

func validationConfigFrom(processConfig map[string]any) validationConfig {
	cfg := validationConfig{}
	if processConfig == nil {
		return cfg
	}
	if raw, ok := processConfig["required_columns"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				cfg.requiredColumns = append(cfg.requiredColumns, s)
			}
		}
	}
	if raw, ok := processConfig["critical_fields"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				cfg.criticalFields = append(cfg.criticalFields, s)
			}
		}
	}
	return cfg
}
