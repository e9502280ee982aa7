package pipeline

import (
	"fmt"
	"sort"
	"strconv"

	"batchops/internal/domain"
	"batchops/internal/pipeline/format"
)

// columnStats holds the numeric summary for one column, computed only when
// every non-empty cell in the column parses as a float.
type columnStats struct {
	Column string
	Count  int
	Sum    float64
	Min    float64
	Max    float64
	Avg    float64
}

// summary is the metadata produced by the summarize stage: row/column
// counts and per-column numeric stats where applicable.
type summary struct {
	RowCount    int
	ColumnCount int
	Numeric     []columnStats
}

func summarize(ds *dataset) *summary {
	s := &summary{RowCount: len(ds.rows), ColumnCount: len(ds.columns)}

	for col, name := range ds.columns {
		numeric := true
		var values []float64
		for _, row := range ds.rows {
			if col >= len(row) {
				continue
			}
			cell := row[col]
			if cell == "" {
				continue
			}
			f, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				numeric = false
				break
			}
			values = append(values, f)
		}
		if !numeric || len(values) == 0 {
			continue
		}
		s.Numeric = append(s.Numeric, statsFor(name, values))
	}

	sort.Slice(s.Numeric, func(i, j int) bool { return s.Numeric[i].Column < s.Numeric[j].Column })
	return s
}

func statsFor(column string, values []float64) columnStats {
	stats := columnStats{Column: column, Count: len(values), Min: values[0], Max: values[0]}
	for _, v := range values {
		stats.Sum += v
		if v < stats.Min {
			stats.Min = v
		}
		if v > stats.Max {
			stats.Max = v
		}
	}
	stats.Avg = stats.Sum / float64(len(values))
	return stats
}

// canonicalTable renders the published report as the format.Table CSV and
// PDF writers accept. Transform mode publishes a field/value summary table
// (upload metadata plus the numeric stats computed above); append, delete
// and custom modes publish the processed dataset's rows directly.
func canonicalTable(upload *domain.Upload, ds *dataset, s *summary) *format.Table {
	if upload.ProcessMode != domain.ProcessModeTransform {
		return &format.Table{Columns: ds.columns, Rows: ds.rows}
	}

	rows := [][]string{
		{"upload_id", upload.ID},
		{"department", upload.Department},
		{"filename", upload.Filename},
		{"row_count", strconv.Itoa(s.RowCount)},
		{"column_count", strconv.Itoa(s.ColumnCount)},
		{"columns", joinColumns(ds.columns)},
	}
	for _, stats := range s.Numeric {
		rows = append(rows,
			[]string{stats.Column + ".count", strconv.Itoa(stats.Count)},
			[]string{stats.Column + ".min", formatStat(stats.Min)},
			[]string{stats.Column + ".max", formatStat(stats.Max)},
			[]string{stats.Column + ".avg", formatStat(stats.Avg)},
		)
	}
	return &format.Table{Columns: []string{"field", "value"}, Rows: rows}
}

func joinColumns(columns []string) string {
	out := ""
	for i, c := range columns {
		if i > 0 {
			out += ","
		}
		out += c
	}
	return out
}

func formatStat(v float64) string {
	return fmt.Sprintf("%g", v)
}
