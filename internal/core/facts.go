package core

import (
	"context"
	"fmt"
)

// Lookup left-joins a relation onto the working fact row. Columns are
// copied from the matching row; when nothing matches they are set to null.
type Lookup struct {
	Relation string
	On       string // column of the working row
	Key      string // key column of Relation
	Columns  []string
}

// FactKey resolves one dimension reference of a fact row.
type FactKey struct {
	Column string // target column, e.g. TrackKey
	Entity string // dimension entity
	From   string // natural key column of the working row

	// Convert optionally normalizes the From value before lookup, e.g. a
	// timestamp to its calendar date.
	Convert func(v any) any
}

// Measure computes a derived column from the working row.
type Measure struct {
	Column  string
	Compute func(row Row) (any, error)
}

// FactPlan describes the fact table load.
type FactPlan struct {
	Table      string
	NaturalKey string // target column holding the line id
	Source     string // line-level relation
	SourceKey  string
	Columns    []ColumnMap // copied measures such as Quantity and UnitPrice
	Lookups    []Lookup    // applied in order; later lookups may use earlier columns
	Keys       []FactKey
	Measures   []Measure
}

// InsertColumns lists the target columns written for each new fact row.
func (p FactPlan) InsertColumns() []string {
	cols := make([]string, 0, 1+len(p.Keys)+len(p.Columns)+len(p.Measures))
	cols = append(cols, p.NaturalKey)
	for _, k := range p.Keys {
		cols = append(cols, k.Column)
	}
	for _, c := range p.Columns {
		cols = append(cols, c.Target)
	}
	for _, m := range p.Measures {
		cols = append(cols, m.Column)
	}
	return cols
}

// Entities lists the dimension entities the fact references.
func (p FactPlan) Entities() []string {
	out := make([]string, 0, len(p.Keys))
	for _, k := range p.Keys {
		out = append(out, k.Entity)
	}
	return out
}

func (p FactPlan) validate(ds *Dataset, dims []DimensionPlan) error {
	if p.Table == "" || p.NaturalKey == "" {
		return configErrorf("fact", nil, "fact plan requires a table and a natural key")
	}
	src, ok := ds.Table(p.Source)
	if !ok {
		return configErrorf(p.Table, ErrUnknownTable, "source relation %q was not extracted", p.Source)
	}

	// available tracks the columns the working row will carry.
	available := make(map[string]bool, len(src.Columns))
	for _, c := range src.Columns {
		available[c] = true
	}
	if !available[p.SourceKey] {
		return configErrorf(p.Table, ErrUnknownColumn, "column %q does not exist on %s", p.SourceKey, p.Source)
	}
	for _, c := range p.Columns {
		if !available[c.Source] {
			return configErrorf(p.Table, ErrUnknownColumn, "column %q does not exist on %s", c.Source, p.Source)
		}
	}
	for _, l := range p.Lookups {
		rel, ok := ds.Table(l.Relation)
		if !ok {
			return configErrorf(p.Table, ErrUnknownTable, "lookup relation %q was not extracted", l.Relation)
		}
		if !available[l.On] {
			return configErrorf(p.Table, ErrUnknownColumn, "lookup on %s: column %q is not available", l.Relation, l.On)
		}
		if !rel.HasColumn(l.Key) {
			return configErrorf(p.Table, ErrUnknownColumn, "column %q does not exist on %s", l.Key, l.Relation)
		}
		for _, c := range l.Columns {
			if !rel.HasColumn(c) {
				return configErrorf(p.Table, ErrUnknownColumn, "column %q does not exist on %s", c, l.Relation)
			}
			available[c] = true
		}
	}

	known := make(map[string]bool, len(dims))
	for _, d := range dims {
		known[d.Entity] = true
	}
	for _, k := range p.Keys {
		if !known[k.Entity] {
			return configErrorf(p.Table, nil, "key %s references unknown dimension %q", k.Column, k.Entity)
		}
		if !available[k.From] {
			return configErrorf(p.Table, ErrUnknownColumn, "key %s: column %q is not available", k.Column, k.From)
		}
	}
	return nil
}

// FactResult reports the fact load.
type FactResult struct {
	Table      string           `json:"table"`
	Candidates int              `json:"candidates"`
	Existing   int              `json:"existing"`
	Inserted   int64            `json:"inserted"`
	Gaps       []ReferentialGap `json:"-"`
}

// AssembleFacts builds and appends the fact rows whose line id is not yet
// in the target. Every key is resolved independently; an unresolved key is
// written as null and reported as a gap.
func AssembleFacts(ctx context.Context, tx TargetTx, plan FactPlan, ds *Dataset, dims []DimensionPlan, keys *KeyMap, batchSize int) (FactResult, error) {
	res := FactResult{Table: plan.Table}

	if err := plan.validate(ds, dims); err != nil {
		return res, err
	}

	existing, err := tx.NaturalKeys(ctx, plan.Table, plan.NaturalKey)
	if err != nil {
		return res, fmt.Errorf("read natural keys of %s: %w", plan.Table, err)
	}
	res.Existing = len(existing)

	indexes := make([]map[string]Row, len(plan.Lookups))
	for i, l := range plan.Lookups {
		rel, _ := ds.Table(l.Relation)
		indexes[i] = rel.Index(l.Key)
	}

	src, _ := ds.Table(plan.Source)
	res.Candidates = len(src.Rows)

	var values [][]any
	for _, line := range src.Rows {
		nk, ok := KeyOf(line[plan.SourceKey])
		if !ok {
			continue
		}
		if _, present := existing[nk]; present {
			continue
		}
		existing[nk] = struct{}{}

		row := line.Clone()
		// missedBy records, per column, the relation whose lookup failed.
		var missedBy map[string]string
		for i, l := range plan.Lookups {
			var match Row
			if k, ok := KeyOf(row[l.On]); ok {
				match = indexes[i][k]
			}
			for _, c := range l.Columns {
				if match == nil {
					row[c] = nil
					if missedBy == nil {
						missedBy = make(map[string]string)
					}
					missedBy[c] = l.Relation
					continue
				}
				row[c] = match[c]
			}
		}

		vals := make([]any, 0, len(plan.InsertColumns()))
		vals = append(vals, line[plan.SourceKey])

		for _, k := range plan.Keys {
			from := row[k.From]
			if k.Convert != nil && from != nil {
				from = k.Convert(from)
			}
			if sk, found := keys.Resolve(k.Entity, from); found {
				vals = append(vals, sk)
				continue
			}
			vals = append(vals, nil)

			if v, notNull := KeyOf(from); notNull {
				res.Gaps = append(res.Gaps, ReferentialGap{
					Table: plan.Table, NaturalKey: nk, Column: k.Column, Entity: k.Entity, Value: v,
				})
			} else if rel, missed := missedBy[k.From]; missed {
				res.Gaps = append(res.Gaps, ReferentialGap{
					Table: plan.Table, NaturalKey: nk, Column: k.Column, Entity: k.Entity,
					Value: "no " + rel + " row",
				})
			}
		}

		for _, c := range plan.Columns {
			vals = append(vals, row[c.Source])
		}
		for _, m := range plan.Measures {
			v, err := m.Compute(row)
			if err != nil {
				return res, fmt.Errorf("%s %s: compute %s: %w", plan.Table, nk, m.Column, err)
			}
			vals = append(vals, v)
		}
		values = append(values, vals)
	}

	n, err := insertBatches(ctx, tx, plan.Table, plan.InsertColumns(), values, batchSize)
	res.Inserted = n
	if err != nil {
		return res, err
	}
	return res, nil
}
