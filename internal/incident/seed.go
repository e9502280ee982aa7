package incident

import (
	"context"
	"fmt"
	"time"

	"batchops/internal/domain"
)

// defaultKnownError is the seed shape for the catalog installed on first
// boot, before an operator has edited anything through the KnownError CRUD
// surface.
type defaultKnownError struct {
	Name             string
	Pattern          string
	Description      string
	Severity         domain.Severity
	Category         domain.FailureCategory
	RootCause        string
	CorrectiveAction string
	AutoRetry        bool
	MaxAutoRetries   int
}

// defaultKnownErrors are the failure signatures BatchOps recognizes out of
// the box, covering the errors the pipeline's five stages actually raise.
var defaultKnownErrors = []defaultKnownError{
	{Name: "no-columns-detected", Pattern: "No columns detected", Description: "Uploaded file has no header row or could not be parsed into columns.", Severity: domain.SeverityMedium, Category: domain.CategoryIngest, RootCause: "source file has no header row", CorrectiveAction: "ask the department to re-export with a header row"},
	{Name: "no-rows-detected", Pattern: "No rows detected", Description: "Uploaded file is empty or only contains a header row.", Severity: domain.SeverityLow, Category: domain.CategoryIngest, RootCause: "source file has no data rows", CorrectiveAction: "confirm the export actually contains data before retrying"},
	{Name: "missing-required-column", Pattern: "missing required column", Description: "File schema does not match the expected template for this department.", Severity: domain.SeverityMedium, Category: domain.CategoryValidation, RootCause: "upload does not match the department's column template", CorrectiveAction: "request a corrected file matching the template"},
	{Name: "unsupported-file-format", Pattern: "unsupported file format", Description: "File extension is not supported by the pipeline loader.", Severity: domain.SeverityLow, Category: domain.CategoryIngest, RootCause: "unsupported file extension", CorrectiveAction: "ask the uploader to resubmit as csv, xlsx or pdf"},
	{Name: "no-table-in-pdf", Pattern: "no table found in pdf", Description: "PDF does not contain an extractable table on the first page.", Severity: domain.SeverityMedium, Category: domain.CategoryIngest, RootCause: "pdf's first page has no tabular layout", CorrectiveAction: "ask for a csv/xlsx export instead of a pdf"},
	{Name: "file-missing-on-disk", Pattern: "no such file or directory", Description: "The on-disk file path for this upload is missing or has been moved.", Severity: domain.SeverityHigh, Category: domain.CategoryRuntime, RootCause: "uploaded file path no longer exists in storage", CorrectiveAction: "ask the uploader to re-upload the file"},
	{Name: "storage-lock-contention", Pattern: "(?i)(resource temporarily unavailable|share violation)", Description: "Storage layer briefly locked the file when the pipeline tried to read it.", Severity: domain.SeverityLow, Category: domain.CategoryRuntime, RootCause: "another process held a lock on the file", CorrectiveAction: "no action needed, auto-retry resolves this", AutoRetry: true, MaxAutoRetries: 2},
	{Name: "non-utf8-encoding", Pattern: "(?i)(invalid utf-8|codec can.t decode)", Description: "CSV encoding differs from UTF-8.", Severity: domain.SeverityMedium, Category: domain.CategoryIngest, RootCause: "file was exported with a non-UTF-8 encoding", CorrectiveAction: "ask for a UTF-8 encoded export"},
	{Name: "row-column-count-mismatch", Pattern: "schema mismatch", Description: "One or more rows have a different column count than the header.", Severity: domain.SeverityMedium, Category: domain.CategoryValidation, RootCause: "one or more rows have a ragged column count", CorrectiveAction: "ask for a corrected export with consistent columns"},
	{Name: "stage-timeout", Pattern: "stage timeout exceeded", Description: "A pipeline stage did not complete within its soft timeout.", Severity: domain.SeverityHigh, Category: domain.CategoryRuntime, RootCause: "stage was stuck on a corrupt file or blocked I/O", CorrectiveAction: "inspect the upload's file for corruption and re-run once cleared", AutoRetry: true, MaxAutoRetries: 1},
}

// SeedKnownErrors installs the default catalog, skipping any pattern that
// already exists so re-running on every boot is safe.
func SeedKnownErrors(ctx context.Context, repo domain.KnownErrorRepo, now func() time.Time) error {
	existing, err := repo.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list known errors during seed: %w", err)
	}
	present := make(map[string]bool, len(existing))
	for _, ke := range existing {
		present[ke.Pattern] = true
	}

	for _, d := range defaultKnownErrors {
		if present[d.Pattern] {
			continue
		}
		ke := &domain.KnownError{
			Name:             d.Name,
			Pattern:          d.Pattern,
			Description:      d.Description,
			Severity:         d.Severity,
			Category:         d.Category,
			RootCause:        d.RootCause,
			CorrectiveAction: d.CorrectiveAction,
			AutoRetry:        d.AutoRetry,
			MaxAutoRetries:   d.MaxAutoRetries,
			CreatedAt:        now(),
		}
		if err := ke.Compile(); err != nil {
			return fmt.Errorf("default known error pattern %q does not compile: %w", d.Pattern, err)
		}
		if err := repo.Create(ctx, ke); err != nil {
			return fmt.Errorf("failed to seed known error %q: %w", d.Pattern, err)
		}
	}
	return nil
}
