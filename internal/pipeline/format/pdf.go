// internal/pipeline/format/pdf.go
package format

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
)

// LoadPDF extracts a table from the first page of a PDF document. There is
// no structural table markup in a PDF's text stream, so this groups text
// runs into rows by their vertical position and into columns by clustering
// horizontal gaps wider than a threshold — a heuristic, not an exact
// parser, and only ever asked to handle single-table reports.
func LoadPDF(path string) (*Table, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pdf file: %w", err)
	}
	defer f.Close()

	if r.NumPage() < 1 {
		return nil, errNoTable
	}

	page := r.Page(1)
	if page.V.IsNull() {
		return nil, errNoTable
	}

	rows := page.Content().Text
	if len(rows) == 0 {
		return nil, errNoTable
	}

	lines := groupByLine(rows)
	if len(lines) < 2 {
		return nil, errNoTable
	}

	table := &Table{Columns: splitColumns(lines[0])}
	for _, line := range lines[1:] {
		table.Rows = append(table.Rows, splitColumns(line))
	}
	return table, nil
}

// errNoTable is wrapped by the caller into domain.ErrNoTableInPDF; kept
// local so this package doesn't import internal/domain for a single value.
var errNoTable = fmt.Errorf("no table found in pdf")

// ErrNoTable is the sentinel callers check against with errors.Is.
func ErrNoTable() error { return errNoTable }

func groupByLine(texts []pdf.Text) [][]pdf.Text {
	const yTolerance = 2.0

	sorted := make([]pdf.Text, len(texts))
	copy(sorted, texts)
	sort.SliceStable(sorted, func(i, j int) bool {
		if abs(sorted[i].Y-sorted[j].Y) > yTolerance {
			return sorted[i].Y > sorted[j].Y // top of page first
		}
		return sorted[i].X < sorted[j].X
	})

	var lines [][]pdf.Text
	var current []pdf.Text
	var lastY float64
	for i, t := range sorted {
		if i == 0 || abs(t.Y-lastY) <= yTolerance {
			current = append(current, t)
		} else {
			lines = append(lines, current)
			current = []pdf.Text{t}
		}
		lastY = t.Y
	}
	if len(current) > 0 {
		lines = append(lines, current)
	}
	return lines
}

func splitColumns(line []pdf.Text) []string {
	const gapThreshold = 8.0

	var cols []string
	var cell strings.Builder
	var lastX float64
	for i, t := range line {
		if i > 0 && t.X-lastX > gapThreshold {
			cols = append(cols, strings.TrimSpace(cell.String()))
			cell.Reset()
		}
		cell.WriteString(t.S)
		lastX = t.X + t.W
	}
	if cell.Len() > 0 {
		cols = append(cols, strings.TrimSpace(cell.String()))
	}
	return cols
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
