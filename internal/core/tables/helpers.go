package tables

import (
	"github.com/shopspring/decimal"

	"github.com/JonMunkholm/ChinookDW/internal/core"
)

// registerSource registers a source table together with its dedup rule.
func registerSource(name string, key []string, columns ...string) {
	core.RegisterSource(core.SourceTable{Name: name, Columns: columns, Key: key})
	core.RegisterRule(core.Rule{Table: name, Kind: core.KindDedup, Columns: key})
}

func notNull(table string, columns ...string) core.Rule {
	return notNullAs(table, UnknownText, columns...)
}

func notNullAs(table string, def any, columns ...string) core.Rule {
	return core.Rule{Table: table, Kind: core.KindNotNull, Columns: columns, Default: def}
}

func fk(table, column, refTable, refColumn string) core.Rule {
	return core.Rule{
		Table:   table,
		Kind:    core.KindFKExists,
		Columns: []string{column},
		Ref:     core.Reference{Table: refTable, Column: refColumn},
	}
}

func trim(table string, columns ...string) core.Rule {
	return core.Rule{Table: table, Kind: core.KindTrim, Columns: columns}
}

func titleCase(table string, columns ...string) core.Rule {
	return core.Rule{Table: table, Kind: core.KindCase, Case: core.CaseTitle, Columns: columns}
}

func lowerCase(table string, columns ...string) core.Rule {
	return core.Rule{Table: table, Kind: core.KindCase, Case: core.CaseLower, Columns: columns}
}

// email replaces malformed addresses with def.
func email(table, column string, def any) core.Rule {
	return core.Rule{Table: table, Kind: core.KindPattern, Columns: []string{column}, Pattern: EmailPattern, Default: def}
}

func positive(table, column string) core.Rule {
	return core.Rule{Table: table, Kind: core.KindRange, Columns: []string{column}, Op: core.OpGT, Bound: decimal.Zero}
}

func nonNegative(table, column string) core.Rule {
	return core.Rule{Table: table, Kind: core.KindRange, Columns: []string{column}, Op: core.OpGTE, Bound: decimal.Zero}
}

func normalize(table string, groups map[string][]string, columns ...string) core.Rule {
	return core.Rule{
		Table:   table,
		Kind:    core.KindCategorical,
		Columns: columns,
		Mapping: core.CanonicalMapping(groups),
	}
}

func cols(pairs ...string) []core.ColumnMap {
	out := make([]core.ColumnMap, len(pairs))
	for i, c := range pairs {
		out[i] = core.ColumnMap{Target: c, Source: c}
	}
	return out
}
