// Package pipeline drives an Upload through the five fixed stages —
// standardize, validate, transform, summarize, publish — recording a
// StepRecord for each and finalising the owning JobRun and Upload
// atomically.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"batchops/internal/domain"
	"batchops/internal/pipeline/format"
	"batchops/internal/retry"
)

var columnSanitizer = regexp.MustCompile(`[^a-z0-9]+`)

// dataset is the table representation threaded through the pipeline stages
// after standardize, kept distinct from format.Table so later stages don't
// reach back into the loader package.
type dataset struct {
	columns []string
	rows    [][]string
}

// loadUpload dispatches to the format-specific loader by file extension.
// The read is retried a bounded number of times on a transient error (a
// network filesystem hiccup, another process briefly holding the file)
// before surfacing to the caller as a stage failure.
func loadUpload(ctx context.Context, path string) (*format.Table, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".csv" && ext != ".xlsx" && ext != ".xls" && ext != ".pdf" {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedFormat, ext)
	}

	var table *format.Table
	err := retry.Do(ctx, retry.DefaultAttempts, 200*time.Millisecond, func(_ context.Context) error {
		var loadErr error
		switch ext {
		case ".csv":
			table, loadErr = format.LoadCSV(path)
		case ".xlsx", ".xls":
			table, loadErr = format.LoadXLSX(path)
		case ".pdf":
			table, loadErr = format.LoadPDF(path)
			if loadErr == format.ErrNoTable() {
				loadErr = domain.ErrNoTableInPDF
			}
		}
		return loadErr
	})
	if err != nil {
		return nil, err
	}
	return table, nil
}

// standardize normalises column names to trimmed, lower-snake form and
// trims every cell.
func standardize(t *format.Table) (*dataset, error) {
	if t == nil || len(t.Columns) == 0 {
		return nil, fmt.Errorf("%w: no table found", domain.ErrUnsupportedFormat)
	}

	cols := make([]string, len(t.Columns))
	seen := make(map[string]int, len(t.Columns))
	for i, c := range t.Columns {
		norm := normalizeColumn(c)
		if n, ok := seen[norm]; ok {
			seen[norm] = n + 1
			norm = fmt.Sprintf("%s_%d", norm, n+1)
		} else {
			seen[norm] = 0
		}
		cols[i] = norm
	}

	rows := make([][]string, len(t.Rows))
	for i, row := range t.Rows {
		trimmed := make([]string, len(row))
		for j, cell := range row {
			trimmed[j] = strings.TrimSpace(cell)
		}
		rows[i] = trimmed
	}

	return &dataset{columns: cols, rows: rows}, nil
}

func normalizeColumn(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	snake := columnSanitizer.ReplaceAllString(lower, "_")
	return strings.Trim(snake, "_")
}

// validationConfig carries the job-config-supplied constraints the validate
// stage checks; both fields are optional.
type validationConfig struct {
	requiredColumns []string
	criticalFields  []string
}

func validate(ds *dataset, cfg validationConfig) error {
	if len(ds.columns) == 0 || len(ds.rows) == 0 {
		return fmt.Errorf("%w: table has no data rows", domain.ErrInvalidPlanPayload)
	}

	index := make(map[string]int, len(ds.columns))
	for i, c := range ds.columns {
		index[c] = i
	}

	for _, req := range cfg.requiredColumns {
		if _, ok := index[normalizeColumn(req)]; !ok {
			return fmt.Errorf("missing required column: %s", req)
		}
	}

	for _, field := range cfg.criticalFields {
		col, ok := index[normalizeColumn(field)]
		if !ok {
			continue
		}
		for rowNum, row := range ds.rows {
			if col >= len(row) || strings.TrimSpace(row[col]) == "" {
				return fmt.Errorf("empty critical field %q at row %d", field, rowNum+1)
			}
		}
	}

	width := len(ds.columns)
	for rowNum, row := range ds.rows {
		if len(row) > width {
			return fmt.Errorf("schema mismatch at row %d: expected %d columns, got %d", rowNum+1, width, len(row))
		}
	}

	return nil
}

// isNumeric reports whether cell is empty or parses as a float.
func isNumeric(cell string) bool {
	if cell == "" {
		return true
	}
	_, err := strconv.ParseFloat(cell, 64)
	return err == nil
}
