package domain

import (
	"context"
	"fmt"
	"time"
)

// UploadStatus is the lifecycle state of an Upload.
type UploadStatus string

const (
	UploadStatusPending    UploadStatus = "pending"
	UploadStatusProcessing UploadStatus = "processing"
	UploadStatusPublished  UploadStatus = "published"
	UploadStatusFailed     UploadStatus = "failed"
)

// ProcessMode selects the transform behaviour the pipeline's transform
// stage applies to a validated dataset.
type ProcessMode string

const (
	ProcessModeTransform ProcessMode = "transform"
	ProcessModeAppend    ProcessMode = "append"
	ProcessModeDelete    ProcessMode = "delete"
	ProcessModeCustom    ProcessMode = "custom"
)

// Upload is a single departmental data file pushed through the pipeline.
type Upload struct {
	ID                 string
	Filename           string
	Department         string
	ReceivedAt         time.Time
	Status             UploadStatus
	ProcessMode        ProcessMode
	ProcessConfig      map[string]any
	ReportCSV          *string
	ReportPDF          []byte
	ReportGeneratedAt  *time.Time
	FilePath           string
}

// Validate checks the Upload's required fields and process mode, and that a
// published Upload carries both report_csv and report_pdf. It does not check
// the converse (reports present on an Upload that is not published).
func (u *Upload) Validate() error {
	if u.ID == "" {
		return fmt.Errorf("upload id cannot be empty")
	}
	if u.Filename == "" {
		return fmt.Errorf("upload filename cannot be empty")
	}
	if u.Department == "" {
		return fmt.Errorf("upload department cannot be empty")
	}
	switch u.ProcessMode {
	case ProcessModeTransform, ProcessModeAppend, ProcessModeDelete, ProcessModeCustom:
	default:
		return fmt.Errorf("invalid process mode: %s", u.ProcessMode)
	}
	if u.Status == UploadStatusPublished && (u.ReportCSV == nil || len(u.ReportPDF) == 0) {
		return fmt.Errorf("published upload must carry both report_csv and report_pdf")
	}
	return nil
}

// ClearReports drops report artifacts. Called whenever status transitions
// away from published, per spec.md's open-question fix: a subsequent failed
// run must not leave a stale download visible.
func (u *Upload) ClearReports() {
	u.ReportCSV = nil
	u.ReportPDF = nil
	u.ReportGeneratedAt = nil
}

// UploadRepo persists and retrieves Upload rows.
type UploadRepo interface {
	Create(ctx context.Context, u *Upload) error
	Get(ctx context.Context, id string) (*Upload, error)
	UpdateStatus(ctx context.Context, id string, status UploadStatus) error
	Publish(ctx context.Context, id string, csv string, pdf []byte, generatedAt time.Time) error
	ClearReports(ctx context.Context, id string) error
}
