package core

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// RuleResult is the outcome of one rule application.
type RuleResult struct {
	Rule     string   `json:"rule"`
	Table    string   `json:"table"`
	Kind     RuleKind `json:"kind"`
	Affected int      `json:"affected"`
	Removed  bool     `json:"removed"` // Affected counts removed rows rather than rewritten values
}

// CleanseReport accumulates rule results for a table or a whole dataset.
type CleanseReport struct {
	Results []RuleResult   `json:"results"`
	RowsIn  map[string]int `json:"rows_in"`
	RowsOut map[string]int `json:"rows_out"`
}

func newCleanseReport() CleanseReport {
	return CleanseReport{RowsIn: map[string]int{}, RowsOut: map[string]int{}}
}

// RemovedRows is the total of rows removed by destructive rules.
func (r CleanseReport) RemovedRows() int {
	n := 0
	for _, res := range r.Results {
		if res.Removed {
			n += res.Affected
		}
	}
	return n
}

// ModifiedValues is the total of values rewritten by non-destructive rules.
func (r CleanseReport) ModifiedValues() int {
	n := 0
	for _, res := range r.Results {
		if !res.Removed {
			n += res.Affected
		}
	}
	return n
}

// Removals lists destructive rules that removed at least one row.
func (r CleanseReport) Removals() []ValidationRemoval {
	var out []ValidationRemoval
	for _, res := range r.Results {
		if res.Removed && res.Affected > 0 {
			out = append(out, ValidationRemoval{Table: res.Table, Rule: res.Rule, Kind: res.Kind, Count: res.Affected})
		}
	}
	return out
}

// Engine applies a fixed rule set to extracted relations.
type Engine struct {
	rules []Rule
	title cases.Caser
}

// NewEngine returns an engine for rules. Rules are reordered into
// execution order.
func NewEngine(rs []Rule) *Engine {
	sorted := append([]Rule(nil), rs...)
	sortRules(sorted)
	return &Engine{rules: sorted, title: cases.Title(language.Und)}
}

// Rules returns the engine's rules in execution order.
func (e *Engine) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

// Validate checks every rule against the declared source schema. Unknown
// tables or columns are configuration errors.
func (e *Engine) Validate(tables []SourceTable) error {
	byName := make(map[string]SourceTable, len(tables))
	for _, t := range tables {
		byName[t.Name] = t
	}

	for _, r := range e.rules {
		if err := r.checkShape(); err != nil {
			return err
		}
		t, ok := byName[r.Table]
		if !ok {
			return configErrorf(r.ID(), ErrUnknownTable, "table %q is not a registered source table", r.Table)
		}
		for _, c := range r.Columns {
			if !t.HasColumn(c) {
				return configErrorf(r.ID(), ErrUnknownColumn, "column %q does not exist on %s", c, r.Table)
			}
		}
		if r.Kind == KindFKExists {
			ref, ok := byName[r.Ref.Table]
			if !ok {
				return configErrorf(r.ID(), ErrUnknownTable, "referenced table %q is not a registered source table", r.Ref.Table)
			}
			if !ref.HasColumn(r.Ref.Column) {
				return configErrorf(r.ID(), ErrUnknownColumn, "referenced column %q does not exist on %s", r.Ref.Column, r.Ref.Table)
			}
		}
	}
	return nil
}

// validateData checks rules against the relations actually extracted.
func (e *Engine) validateData(ds *Dataset, only string) error {
	for _, r := range e.rules {
		if only != "" && r.Table != only {
			continue
		}
		t, ok := ds.Table(r.Table)
		if !ok {
			return configErrorf(r.ID(), ErrUnknownTable, "table %q was not extracted", r.Table)
		}
		for _, c := range r.Columns {
			if !t.HasColumn(c) {
				return configErrorf(r.ID(), ErrUnknownColumn, "column %q does not exist on %s", c, r.Table)
			}
		}
		if r.Kind == KindFKExists {
			ref, ok := ds.Table(r.Ref.Table)
			if !ok {
				return configErrorf(r.ID(), ErrUnknownTable, "referenced table %q was not extracted", r.Ref.Table)
			}
			if !ref.HasColumn(r.Ref.Column) {
				return configErrorf(r.ID(), ErrUnknownColumn, "referenced column %q does not exist on %s", r.Ref.Column, r.Ref.Table)
			}
		}
	}
	return nil
}

// ApplyRules runs every rule of one table, in phase order, against a copy
// of that table. Foreign keys are checked against the relations currently
// in ds. The dataset itself is not modified.
func (e *Engine) ApplyRules(ds *Dataset, table string) (*Table, CleanseReport, error) {
	report := newCleanseReport()

	if err := e.validateData(ds, table); err != nil {
		return nil, report, err
	}
	src, ok := ds.Table(table)
	if !ok {
		return nil, report, configErrorf(table, ErrUnknownTable, "table %q was not extracted", table)
	}

	out := src.Clone()
	report.RowsIn[table] = len(out.Rows)
	for _, r := range e.rules {
		if r.Table != table {
			continue
		}
		res, err := e.apply(r, out, ds)
		if err != nil {
			return nil, report, err
		}
		report.Results = append(report.Results, res)
	}
	report.RowsOut[table] = len(out.Rows)
	return out, report, nil
}

// Run cleanses a copy of the whole dataset. Each phase runs across all
// tables before the next phase starts, so foreign keys see already
// deduplicated reference tables.
func (e *Engine) Run(ctx context.Context, ds *Dataset) (*Dataset, CleanseReport, error) {
	report := newCleanseReport()

	if err := e.validateData(ds, ""); err != nil {
		return nil, report, err
	}

	out := ds.Clone()
	report.RowsIn = out.RowCounts()

	for _, r := range e.rules {
		if err := ctx.Err(); err != nil {
			return nil, report, err
		}
		t, _ := out.Table(r.Table)
		res, err := e.apply(r, t, out)
		if err != nil {
			return nil, report, err
		}
		report.Results = append(report.Results, res)
	}

	report.RowsOut = out.RowCounts()
	return out, report, nil
}

// apply rewrites t in place according to r.
func (e *Engine) apply(r Rule, t *Table, ds *Dataset) (RuleResult, error) {
	res := RuleResult{Rule: r.ID(), Table: r.Table, Kind: r.Kind, Removed: r.Destructive()}

	switch r.Kind {
	case KindDedup:
		seen := make(map[string]struct{}, len(t.Rows))
		res.Affected = t.filter(func(row Row) bool {
			k := CompositeKey(row, r.Columns)
			if _, dup := seen[k]; dup {
				return false
			}
			seen[k] = struct{}{}
			return true
		})

	case KindNotNull:
		for _, row := range t.Rows {
			for _, c := range r.Columns {
				if row[c] == nil {
					row[c] = r.Default
					res.Affected++
				}
			}
		}

	case KindFKExists:
		ref, ok := ds.Table(r.Ref.Table)
		if !ok {
			return res, configErrorf(r.ID(), ErrUnknownTable, "referenced table %q was not extracted", r.Ref.Table)
		}
		keys := make(map[string]struct{}, len(ref.Rows))
		for _, row := range ref.Rows {
			if k, ok := KeyOf(row[r.Ref.Column]); ok {
				keys[k] = struct{}{}
			}
		}
		col := r.Columns[0]
		res.Affected = t.filter(func(row Row) bool {
			k, ok := KeyOf(row[col])
			if !ok {
				return true // a null reference is not an orphan
			}
			_, exists := keys[k]
			return exists
		})

	case KindTrim:
		res.Affected = t.rewriteStrings(r.Columns, strings.TrimSpace)

	case KindCase:
		var fn func(string) string
		switch r.Case {
		case CaseLower:
			fn = strings.ToLower
		case CaseUpper:
			fn = strings.ToUpper
		default:
			fn = e.title.String
		}
		res.Affected = t.rewriteStrings(r.Columns, fn)

	case KindPattern:
		for _, row := range t.Rows {
			for _, c := range r.Columns {
				s, ok := row[c].(string)
				if !ok || r.Pattern.MatchString(s) || s == r.Default {
					continue
				}
				row[c] = r.Default
				res.Affected++
			}
		}

	case KindRange:
		col := r.Columns[0]
		res.Affected = t.filter(func(row Row) bool {
			v, ok := ToDecimal(row[col])
			return ok && r.Op.holds(v, r.Bound)
		})

	case KindCategorical:
		res.Affected = t.rewriteStrings(r.Columns, func(s string) string {
			if canonical, ok := r.Mapping[s]; ok {
				return canonical
			}
			return s
		})

	default:
		return res, fmt.Errorf("rule %s: unknown kind %q", r.ID(), r.Kind)
	}

	return res, nil
}

// filter keeps rows for which keep returns true and reports how many were dropped.
func (t *Table) filter(keep func(Row) bool) int {
	kept := t.Rows[:0]
	for _, row := range t.Rows {
		if keep(row) {
			kept = append(kept, row)
		}
	}
	removed := len(t.Rows) - len(kept)
	for i := len(kept); i < len(t.Rows); i++ {
		t.Rows[i] = nil
	}
	t.Rows = kept
	return removed
}

// rewriteStrings applies fn to string values of columns and counts changes.
func (t *Table) rewriteStrings(columns []string, fn func(string) string) int {
	changed := 0
	for _, row := range t.Rows {
		for _, c := range columns {
			s, ok := row[c].(string)
			if !ok {
				continue
			}
			if out := fn(s); out != s {
				row[c] = out
				changed++
			}
		}
	}
	return changed
}
