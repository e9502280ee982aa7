package pipeline

import (
	"fmt"
	"strconv"
	"strings"

	"batchops/internal/domain"
)

// deleteRule is one {column, value} pair from process_config; all rules
// must match (by exact string equality after trim) for a row to be deleted.
type deleteRule struct {
	Column string
	Value  string
}

// transformResult carries both the transformed dataset and any log line the
// stage wants recorded on its StepRecord (used by the custom mode, which
// otherwise performs no mutation).
type transformResult struct {
	ds  *dataset
	log string
}

func runTransform(mode domain.ProcessMode, cfg map[string]any, ds *dataset) (*transformResult, error) {
	switch mode {
	case domain.ProcessModeTransform:
		return transformCanonical(ds)
	case domain.ProcessModeAppend:
		return transformAppend(cfg, ds)
	case domain.ProcessModeDelete:
		return transformDelete(cfg, ds)
	case domain.ProcessModeCustom:
		return transformCustom(cfg, ds)
	default:
		return nil, fmt.Errorf("%w: unknown process mode %s", domain.ErrInvalidPlanPayload, mode)
	}
}

// transformCanonical trims strings (already done by standardize) and
// coerces numeric-looking cells to a canonical decimal form; the summarize
// stage builds the published table from this result.
func transformCanonical(ds *dataset) (*transformResult, error) {
	out := &dataset{columns: ds.columns, rows: make([][]string, len(ds.rows))}
	for i, row := range ds.rows {
		coerced := make([]string, len(row))
		for j, cell := range row {
			coerced[j] = coerceNumeric(strings.TrimSpace(cell))
		}
		out.rows[i] = coerced
	}
	return &transformResult{ds: out}, nil
}

// coerceNumeric reformats a numeric-looking cell through float parsing so
// stray formatting ("007", "3.0000") becomes a canonical decimal string;
// non-numeric cells pass through unchanged.
func coerceNumeric(cell string) string {
	if cell == "" {
		return cell
	}
	f, err := strconv.ParseFloat(cell, 64)
	if err != nil {
		return cell
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// transformAppend validates process_config.records is an array of objects
// and appends each as a row, unioning columns with the existing header;
// fields missing from a record become empty cells.
func transformAppend(cfg map[string]any, ds *dataset) (*transformResult, error) {
	raw, ok := cfg["records"]
	if !ok {
		return nil, fmt.Errorf("%w: append mode requires process_config.records", domain.ErrInvalidPlanPayload)
	}
	records, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: process_config.records must be an array", domain.ErrInvalidPlanPayload)
	}

	columns := append([]string{}, ds.columns...)
	index := make(map[string]int, len(columns))
	for i, c := range columns {
		index[c] = i
	}

	newRows := make([][]string, 0, len(records))
	for _, r := range records {
		obj, ok := r.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: append record must be an object", domain.ErrInvalidPlanPayload)
		}
		for key := range obj {
			norm := normalizeColumn(key)
			if _, exists := index[norm]; !exists {
				index[norm] = len(columns)
				columns = append(columns, norm)
			}
		}
		row := make([]string, len(columns))
		for key, val := range obj {
			row[index[normalizeColumn(key)]] = fmt.Sprintf("%v", val)
		}
		newRows = append(newRows, row)
	}

	widened := widenRows(ds.rows, len(columns))
	widened = append(widened, newRows...)

	return &transformResult{ds: &dataset{columns: columns, rows: widened}}, nil
}

func widenRows(rows [][]string, width int) [][]string {
	out := make([][]string, len(rows))
	for i, row := range rows {
		if len(row) >= width {
			out[i] = row
			continue
		}
		widened := make([]string, width)
		copy(widened, row)
		out[i] = widened
	}
	return out
}

// transformDelete accepts either {column, value} or {rules: [...]} and
// drops rows where every rule matches by exact string equality after trim.
func transformDelete(cfg map[string]any, ds *dataset) (*transformResult, error) {
	rules, err := parseDeleteRules(cfg)
	if err != nil {
		return nil, err
	}

	index := make(map[string]int, len(ds.columns))
	for i, c := range ds.columns {
		index[c] = i
	}
	for _, rule := range rules {
		if _, ok := index[normalizeColumn(rule.Column)]; !ok {
			return nil, fmt.Errorf("%w: unknown column %q in delete rule", domain.ErrInvalidPlanPayload, rule.Column)
		}
	}

	kept := make([][]string, 0, len(ds.rows))
	for _, row := range ds.rows {
		if rowMatchesAllRules(row, index, rules) {
			continue
		}
		kept = append(kept, row)
	}

	return &transformResult{ds: &dataset{columns: ds.columns, rows: kept}}, nil
}

func rowMatchesAllRules(row []string, index map[string]int, rules []deleteRule) bool {
	for _, rule := range rules {
		col := index[normalizeColumn(rule.Column)]
		cell := ""
		if col < len(row) {
			cell = strings.TrimSpace(row[col])
		}
		if cell != strings.TrimSpace(rule.Value) {
			return false
		}
	}
	return true
}

func parseDeleteRules(cfg map[string]any) ([]deleteRule, error) {
	if rulesRaw, ok := cfg["rules"]; ok {
		list, ok := rulesRaw.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: rules must be an array", domain.ErrInvalidPlanPayload)
		}
		rules := make([]deleteRule, 0, len(list))
		for _, r := range list {
			obj, ok := r.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: rule must be an object", domain.ErrInvalidPlanPayload)
			}
			rule, err := deleteRuleFromMap(obj)
			if err != nil {
				return nil, err
			}
			rules = append(rules, rule)
		}
		return rules, nil
	}

	rule, err := deleteRuleFromMap(cfg)
	if err != nil {
		return nil, err
	}
	return []deleteRule{rule}, nil
}

func deleteRuleFromMap(m map[string]any) (deleteRule, error) {
	col, ok := m["column"].(string)
	if !ok || col == "" {
		return deleteRule{}, fmt.Errorf("%w: delete rule requires a column", domain.ErrInvalidPlanPayload)
	}
	val := fmt.Sprintf("%v", m["value"])
	return deleteRule{Column: col, Value: val}, nil
}

// transformCustom performs no automatic mutation; process_config.notes is
// recorded on the step log for audit.
func transformCustom(cfg map[string]any, ds *dataset) (*transformResult, error) {
	notes, _ := cfg["notes"].(string)
	return &transformResult{ds: ds, log: notes}, nil
}
