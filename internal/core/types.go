package core

import (
	"context"
	"sort"
)

// Row is a single record keyed by column name.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Table is an in-memory relation with an ordered column list.
type Table struct {
	Name    string
	Columns []string
	Rows    []Row
}

// HasColumn reports whether the table declares column.
func (t *Table) HasColumn(column string) bool {
	for _, c := range t.Columns {
		if c == column {
			return true
		}
	}
	return false
}

// Clone copies the table and every row so rules can rewrite it freely.
func (t *Table) Clone() *Table {
	out := &Table{
		Name:    t.Name,
		Columns: append([]string(nil), t.Columns...),
		Rows:    make([]Row, len(t.Rows)),
	}
	for i, r := range t.Rows {
		out.Rows[i] = r.Clone()
	}
	return out
}

// Index maps the key of column to the first row carrying it.
// Rows with a null key are not indexed.
func (t *Table) Index(column string) map[string]Row {
	idx := make(map[string]Row, len(t.Rows))
	for _, r := range t.Rows {
		k, ok := KeyOf(r[column])
		if !ok {
			continue
		}
		if _, seen := idx[k]; !seen {
			idx[k] = r
		}
	}
	return idx
}

// Values returns the row values in column order.
func (t *Table) Values(r Row) []any {
	out := make([]any, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = r[c]
	}
	return out
}

// Dataset is the set of source relations extracted for one run.
type Dataset struct {
	tables map[string]*Table
}

// NewDataset builds a dataset from the given tables.
func NewDataset(tables ...*Table) *Dataset {
	ds := &Dataset{tables: make(map[string]*Table, len(tables))}
	for _, t := range tables {
		ds.Put(t)
	}
	return ds
}

// Put adds or replaces a table.
func (d *Dataset) Put(t *Table) {
	d.tables[t.Name] = t
}

// Table returns the named relation.
func (d *Dataset) Table(name string) (*Table, bool) {
	t, ok := d.tables[name]
	return t, ok
}

// Names returns table names sorted alphabetically.
func (d *Dataset) Names() []string {
	names := make([]string, 0, len(d.tables))
	for n := range d.tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Clone deep-copies every table.
func (d *Dataset) Clone() *Dataset {
	out := &Dataset{tables: make(map[string]*Table, len(d.tables))}
	for n, t := range d.tables {
		out.tables[n] = t.Clone()
	}
	return out
}

// RowCounts returns the number of rows per table.
func (d *Dataset) RowCounts() map[string]int {
	out := make(map[string]int, len(d.tables))
	for n, t := range d.tables {
		out[n] = len(t.Rows)
	}
	return out
}

// SourceTable describes an operational table the pipeline extracts.
type SourceTable struct {
	Name    string   // relation name in the source store
	Columns []string // columns extracted, in order
	Key     []string // natural key columns (composite for link tables)
}

// HasColumn reports whether the table declares column.
func (s SourceTable) HasColumn(column string) bool {
	for _, c := range s.Columns {
		if c == column {
			return true
		}
	}
	return false
}

// StagingTable returns the name of the table holding the cleansed copy.
func (s SourceTable) StagingTable() string {
	return "stg_" + s.Name
}

// Source reads operational tables.
type Source interface {
	Ping(ctx context.Context) error
	ReadTable(ctx context.Context, spec SourceTable) (*Table, error)
}

// Target is the analytical store. Each InTx call runs on its own
// connection and commits atomically when fn returns nil.
type Target interface {
	Ping(ctx context.Context) error
	InTx(ctx context.Context, fn func(tx TargetTx) error) error
}

// TargetTx is the set of operations a stage performs inside one transaction.
type TargetTx interface {
	// NaturalKeys returns the normalized keys present in column of table.
	NaturalKeys(ctx context.Context, table, column string) (map[string]struct{}, error)

	// KeyPairs maps each natural key to the store-assigned surrogate key.
	KeyPairs(ctx context.Context, table, naturalColumn, surrogateColumn string) (map[string]int64, error)

	// Insert appends rows (values in columns order) and returns the count written.
	Insert(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)

	// Truncate removes every row of the tables, in the given order.
	// Identity sequences are not restarted.
	Truncate(ctx context.Context, tables ...string) error
}

// Dialect captures the SQL differences between supported target stores.
type Dialect interface {
	Name() string
	QuoteIdent(name string) string
	Placeholder(n int) string
	Like(caseInsensitive bool) string
	CastText(expr string) string
	Limit(query string, n int) string
}

// Querier is implemented by targets that can run read-only SQL for the
// query and export endpoints.
type Querier interface {
	Dialect() Dialect
	Select(ctx context.Context, query string, args ...any) (columns []string, rows [][]any, err error)
	Stream(ctx context.Context, query string, args []any, fn func(values []any) error) error
}
