package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// ColumnMap copies a source column into a target column.
type ColumnMap struct {
	Target string
	Source string
}

// ParentRef resolves a source foreign key into a parent surrogate key.
type ParentRef struct {
	Column       string // target column receiving the surrogate key
	Entity       string // parent dimension entity
	SourceColumn string // natural key column in the source row
}

// DimensionPlan describes how one dimension is loaded. Every dimension is
// loaded by the same diff-and-append routine; only the plan differs.
type DimensionPlan struct {
	Entity       string
	Table        string // target table, e.g. DimAlbum
	SurrogateKey string // store-assigned key column, e.g. AlbumKey
	NaturalKey   string // target column holding the natural key
	Source       string // cleansed source relation
	SourceKey    string // natural key column in Source
	Columns      []ColumnMap
	Parents      []ParentRef
	DependsOn    []string // entities that must commit first

	// Extract derives candidate rows when the dimension is not a plain copy
	// of one relation. Returned rows are keyed by source column names.
	Extract func(ds *Dataset) ([]Row, error)
}

// InsertColumns lists the target columns written for each new row.
func (p DimensionPlan) InsertColumns() []string {
	cols := make([]string, 0, 1+len(p.Columns)+len(p.Parents))
	cols = append(cols, p.NaturalKey)
	for _, c := range p.Columns {
		cols = append(cols, c.Target)
	}
	for _, r := range p.Parents {
		cols = append(cols, r.Column)
	}
	return cols
}

func (p DimensionPlan) validate(ds *Dataset) error {
	if p.Entity == "" || p.Table == "" || p.SurrogateKey == "" || p.NaturalKey == "" {
		return configErrorf(p.Entity, nil, "dimension plan requires entity, table, surrogate key and natural key")
	}
	if p.Extract != nil {
		return nil
	}
	src, ok := ds.Table(p.Source)
	if !ok {
		return configErrorf(p.Entity, ErrUnknownTable, "source relation %q was not extracted", p.Source)
	}
	need := []string{p.SourceKey}
	for _, c := range p.Columns {
		need = append(need, c.Source)
	}
	for _, r := range p.Parents {
		need = append(need, r.SourceColumn)
	}
	for _, c := range need {
		if !src.HasColumn(c) {
			return configErrorf(p.Entity, ErrUnknownColumn, "column %q does not exist on %s", c, p.Source)
		}
	}
	return nil
}

// candidates returns the rows the plan would load, before diffing.
func (p DimensionPlan) candidates(ds *Dataset) ([]Row, error) {
	if p.Extract != nil {
		return p.Extract(ds)
	}
	src, ok := ds.Table(p.Source)
	if !ok {
		return nil, configErrorf(p.Entity, ErrUnknownTable, "source relation %q was not extracted", p.Source)
	}
	return src.Rows, nil
}

// DimensionResult reports one dimension load.
type DimensionResult struct {
	Entity     string           `json:"entity"`
	Table      string           `json:"table"`
	Candidates int              `json:"candidates"`
	Existing   int              `json:"existing"`
	Inserted   int64            `json:"inserted"`
	Gaps       []ReferentialGap `json:"-"`
}

// LoadDimension appends the candidates whose natural key is not yet in the
// target table. Parent keys are resolved through keys; an unresolved
// parent leaves a null reference and is reported as a gap.
func LoadDimension(ctx context.Context, tx TargetTx, plan DimensionPlan, ds *Dataset, keys *KeyMap, batchSize int) (DimensionResult, error) {
	res := DimensionResult{Entity: plan.Entity, Table: plan.Table}

	if err := plan.validate(ds); err != nil {
		return res, err
	}

	existing, err := tx.NaturalKeys(ctx, plan.Table, plan.NaturalKey)
	if err != nil {
		return res, fmt.Errorf("read natural keys of %s: %w", plan.Table, err)
	}
	res.Existing = len(existing)

	rows, err := plan.candidates(ds)
	if err != nil {
		return res, err
	}
	res.Candidates = len(rows)

	var values [][]any
	for _, row := range rows {
		nk, ok := KeyOf(row[plan.SourceKey])
		if !ok {
			continue
		}
		if _, present := existing[nk]; present {
			continue
		}
		// Later duplicates of a key already queued are skipped as well.
		existing[nk] = struct{}{}

		vals := make([]any, 0, 1+len(plan.Columns)+len(plan.Parents))
		vals = append(vals, row[plan.SourceKey])
		for _, c := range plan.Columns {
			vals = append(vals, row[c.Source])
		}
		for _, ref := range plan.Parents {
			parent := row[ref.SourceColumn]
			sk, found := keys.Resolve(ref.Entity, parent)
			if !found {
				vals = append(vals, nil)
				if pk, notNull := KeyOf(parent); notNull {
					res.Gaps = append(res.Gaps, ReferentialGap{
						Table:      plan.Table,
						NaturalKey: nk,
						Column:     ref.Column,
						Entity:     ref.Entity,
						Value:      pk,
					})
				}
				continue
			}
			vals = append(vals, sk)
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

// insertBatches writes rows in chunks of at most size rows.
func insertBatches(ctx context.Context, tx TargetTx, table string, columns []string, rows [][]any, size int) (int64, error) {
	if size <= 0 {
		size = len(rows)
	}
	var total int64
	for start := 0; start < len(rows); start += size {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		n, err := tx.Insert(ctx, table, columns, rows[start:end])
		total += n
		if err != nil {
			return total, fmt.Errorf("insert into %s (rows %d-%d): %w", table, start+1, end, err)
		}
	}
	return total, nil
}

// Waves groups plans so that every plan's dependencies sit in an earlier
// wave. Plans within a wave are sorted by entity and may load concurrently.
func Waves(plans []DimensionPlan) ([][]DimensionPlan, error) {
	byEntity := make(map[string]DimensionPlan, len(plans))
	for _, p := range plans {
		if _, dup := byEntity[p.Entity]; dup {
			return nil, configErrorf(p.Entity, nil, "duplicate dimension plan")
		}
		byEntity[p.Entity] = p
	}

	indegree := make(map[string]int, len(plans))
	children := make(map[string][]string)
	for _, p := range plans {
		indegree[p.Entity] += 0
		for _, dep := range p.DependsOn {
			if _, ok := byEntity[dep]; !ok {
				return nil, configErrorf(p.Entity, nil, "depends on unknown dimension %q", dep)
			}
			indegree[p.Entity]++
			children[dep] = append(children[dep], p.Entity)
		}
		for _, ref := range p.Parents {
			if _, ok := byEntity[ref.Entity]; !ok {
				return nil, configErrorf(p.Entity, nil, "parent %s references unknown dimension %q", ref.Column, ref.Entity)
			}
			if !contains(p.DependsOn, ref.Entity) {
				return nil, configErrorf(p.Entity, nil, "parent dimension %q must be declared in DependsOn", ref.Entity)
			}
		}
	}

	var waves [][]DimensionPlan
	var ready []string
	for e, d := range indegree {
		if d == 0 {
			ready = append(ready, e)
		}
	}

	placed := 0
	for len(ready) > 0 {
		sort.Strings(ready)
		wave := make([]DimensionPlan, 0, len(ready))
		var next []string
		for _, e := range ready {
			wave = append(wave, byEntity[e])
			for _, c := range children[e] {
				indegree[c]--
				if indegree[c] == 0 {
					next = append(next, c)
				}
			}
		}
		placed += len(wave)
		waves = append(waves, wave)
		ready = next
	}

	if placed != len(plans) {
		var stuck []string
		for e, d := range indegree {
			if d > 0 {
				stuck = append(stuck, e)
			}
		}
		sort.Strings(stuck)
		return nil, configErrorf(strings.Join(stuck, ","), nil, "dimension dependencies form a cycle")
	}
	return waves, nil
}

// LoadOrder flattens waves into a single dependency-respecting order.
func LoadOrder(waves [][]DimensionPlan) []DimensionPlan {
	var out []DimensionPlan
	for _, w := range waves {
		out = append(out, w...)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
