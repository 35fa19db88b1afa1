package core

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// RuleKind identifies what a cleansing rule does.
type RuleKind string

const (
	KindDedup       RuleKind = "dedup"
	KindNotNull     RuleKind = "not-null-default"
	KindFKExists    RuleKind = "fk-exists"
	KindTrim        RuleKind = "trim"
	KindCase        RuleKind = "case"
	KindPattern     RuleKind = "pattern"
	KindRange       RuleKind = "range-check"
	KindCategorical RuleKind = "categorical-normalize"
)

// phaseOrder is the order kinds run in across a whole dataset. Foreign keys
// are checked after dedup so reference sets are already unique; range
// checks run after FK removal, which is what lets a transaction line
// outlive a track removed for an invalid duration.
var phaseOrder = []RuleKind{
	KindDedup,
	KindNotNull,
	KindFKExists,
	KindTrim,
	KindCase,
	KindPattern,
	KindRange,
	KindCategorical,
}

// RuleKinds returns every kind in execution order.
func RuleKinds() []RuleKind {
	return append([]RuleKind(nil), phaseOrder...)
}

func phaseIndex(k RuleKind) int {
	for i, p := range phaseOrder {
		if p == k {
			return i
		}
	}
	return -1
}

// RangeOp is a comparison used by range-check rules.
type RangeOp string

const (
	OpGT  RangeOp = ">"
	OpGTE RangeOp = ">="
	OpLT  RangeOp = "<"
	OpLTE RangeOp = "<="
)

func (op RangeOp) holds(v, bound decimal.Decimal) bool {
	switch op {
	case OpGT:
		return v.GreaterThan(bound)
	case OpGTE:
		return v.GreaterThanOrEqual(bound)
	case OpLT:
		return v.LessThan(bound)
	case OpLTE:
		return v.LessThanOrEqual(bound)
	default:
		return false
	}
}

// CaseMode selects the case-folding applied by a case rule.
type CaseMode string

const (
	CaseLower CaseMode = "lower"
	CaseUpper CaseMode = "upper"
	CaseTitle CaseMode = "title"
)

// Reference names the key column of a referenced table.
type Reference struct {
	Table  string
	Column string
}

// Rule is one declarative cleansing step on a table.
//
// Which fields matter depends on Kind:
//
//	dedup                  Columns is the (possibly composite) key
//	not-null-default       Columns, Default
//	fk-exists              Columns[0] references Ref
//	trim, case             Columns; Case
//	pattern                Columns, Pattern; a value that does not match is
//	                       replaced by Default (null when Default is nil)
//	range-check            Columns[0] Op Bound
//	categorical-normalize  Columns, Mapping (variant -> canonical)
type Rule struct {
	Table   string
	Kind    RuleKind
	Columns []string
	Default any
	Ref     Reference
	Op      RangeOp
	Bound   decimal.Decimal
	Case    CaseMode
	Pattern *regexp.Regexp
	Mapping map[string]string

	seq int // registration order, used as tie-break within a phase
}

// ID is a stable human-readable identifier used in reports and logs.
func (r Rule) ID() string {
	cols := strings.Join(r.Columns, ",")
	switch r.Kind {
	case KindFKExists:
		return fmt.Sprintf("%s.%s(%s->%s.%s)", r.Table, r.Kind, cols, r.Ref.Table, r.Ref.Column)
	case KindRange:
		return fmt.Sprintf("%s.%s(%s%s%s)", r.Table, r.Kind, cols, r.Op, r.Bound.String())
	case KindCase:
		return fmt.Sprintf("%s.%s(%s:%s)", r.Table, r.Kind, cols, r.Case)
	default:
		return fmt.Sprintf("%s.%s(%s)", r.Table, r.Kind, cols)
	}
}

// Destructive reports whether the rule removes rows rather than rewriting values.
func (r Rule) Destructive() bool {
	return r.Kind == KindDedup || r.Kind == KindFKExists || r.Kind == KindRange
}

// checkShape validates the fields the kind requires, independent of any schema.
func (r Rule) checkShape() error {
	if r.Table == "" {
		return configErrorf(r.ID(), nil, "rule has no table")
	}
	if len(r.Columns) == 0 {
		return configErrorf(r.ID(), nil, "rule has no columns")
	}
	switch r.Kind {
	case KindDedup, KindTrim:
	case KindNotNull:
		if r.Default == nil {
			return configErrorf(r.ID(), nil, "not-null-default requires a default value")
		}
	case KindFKExists:
		if len(r.Columns) != 1 || r.Ref.Table == "" || r.Ref.Column == "" {
			return configErrorf(r.ID(), nil, "fk-exists requires one column and a referenced table and column")
		}
	case KindRange:
		if len(r.Columns) != 1 {
			return configErrorf(r.ID(), nil, "range-check applies to exactly one column")
		}
		switch r.Op {
		case OpGT, OpGTE, OpLT, OpLTE:
		default:
			return configErrorf(r.ID(), nil, "unknown range operator %q", r.Op)
		}
	case KindCase:
		switch r.Case {
		case CaseLower, CaseUpper, CaseTitle:
		default:
			return configErrorf(r.ID(), nil, "unknown case mode %q", r.Case)
		}
	case KindPattern:
		if r.Pattern == nil {
			return configErrorf(r.ID(), nil, "pattern rule requires a regular expression")
		}
	case KindCategorical:
		if len(r.Mapping) == 0 {
			return configErrorf(r.ID(), nil, "categorical-normalize requires a mapping")
		}
	default:
		return configErrorf(r.ID(), nil, "unknown rule kind %q", r.Kind)
	}
	return nil
}

// CanonicalMapping inverts canonical -> variants into variant -> canonical.
func CanonicalMapping(groups map[string][]string) map[string]string {
	out := make(map[string]string)
	for canonical, variants := range groups {
		for _, v := range variants {
			out[v] = canonical
		}
	}
	return out
}

// sortRules orders rules by phase, then table, then registration order.
func sortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		pi, pj := phaseIndex(rules[i].Kind), phaseIndex(rules[j].Kind)
		if pi != pj {
			return pi < pj
		}
		if rules[i].Table != rules[j].Table {
			return rules[i].Table < rules[j].Table
		}
		return rules[i].seq < rules[j].seq
	})
}

// RuleInfo is the serializable description of a rule.
type RuleInfo struct {
	ID          string            `json:"id"`
	Table       string            `json:"table"`
	Kind        RuleKind          `json:"kind"`
	Columns     []string          `json:"columns"`
	Destructive bool              `json:"destructive"`
	Default     any               `json:"default,omitempty"`
	Reference   string            `json:"reference,omitempty"`
	Predicate   string            `json:"predicate,omitempty"`
	Mapping     map[string]string `json:"mapping,omitempty"`
}

// Info describes the rule for listings.
func (r Rule) Info() RuleInfo {
	info := RuleInfo{
		ID:          r.ID(),
		Table:       r.Table,
		Kind:        r.Kind,
		Columns:     r.Columns,
		Destructive: r.Destructive(),
		Default:     r.Default,
		Mapping:     r.Mapping,
	}
	switch r.Kind {
	case KindFKExists:
		info.Reference = r.Ref.Table + "." + r.Ref.Column
	case KindRange:
		info.Predicate = fmt.Sprintf("%s %s %s", r.Columns[0], r.Op, r.Bound.String())
	case KindPattern:
		info.Predicate = r.Pattern.String()
	case KindCase:
		info.Predicate = string(r.Case)
	}
	return info
}
