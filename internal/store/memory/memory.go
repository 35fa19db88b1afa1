// Package memory is an in-process Source and Target. It backs the pipeline
// tests and the CLI's -dry-run mode, where a run is executed against a
// throwaway target.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JonMunkholm/ChinookDW/internal/core"
)

type table struct {
	columns  []string
	identity string // store-assigned key column, empty for none
	next     int64
	rows     []core.Row
}

func (t *table) clone() *table {
	out := &table{
		columns:  append([]string(nil), t.columns...),
		identity: t.identity,
		next:     t.next,
		rows:     make([]core.Row, len(t.rows)),
	}
	for i, r := range t.rows {
		out.rows[i] = r.Clone()
	}
	return out
}

func (t *table) hasColumn(c string) bool {
	if c == t.identity {
		return true
	}
	for _, col := range t.columns {
		if col == c {
			return true
		}
	}
	return false
}

// Store holds named tables. Transactions are serialized and roll back by
// restoring a snapshot.
type Store struct {
	txMu sync.Mutex // held for the duration of InTx
	mu   sync.RWMutex
	tbls map[string]*table

	pingErr    error
	failInsert map[string]error
	inserts    map[string]int // Insert calls per table
}

// New returns an empty store.
func New() *Store {
	return &Store{
		tbls:       make(map[string]*table),
		failInsert: make(map[string]error),
		inserts:    make(map[string]int),
	}
}

// Define creates an empty table. identity names the column the store
// assigns on insert; pass "" for none.
func (s *Store) Define(name, identity string, columns ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tbls[name] = &table{columns: columns, identity: identity, next: 1}
}

// DefineStar creates the dimension, fact and staging tables described by def.
func (s *Store) DefineStar(def core.Definition) {
	for _, p := range def.Dimensions {
		s.Define(p.Table, p.SurrogateKey, p.InsertColumns()...)
	}
	s.Define(def.Fact.Table, "SalesKey", def.Fact.InsertColumns()...)
	for _, t := range def.Tables {
		s.Define(t.StagingTable(), "", t.Columns...)
	}
}

// Put replaces a table with the given relation, used to seed a source.
func (s *Store) Put(t *core.Table) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := t.Clone()
	s.tbls[t.Name] = &table{columns: cp.Columns, rows: cp.Rows, next: 1}
}

// Append adds rows to an existing table.
func (s *Store) Append(name string, rows ...core.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tbls[name]
	for _, r := range rows {
		t.rows = append(t.rows, r.Clone())
	}
}

// Rows returns a copy of a table's rows in insertion order.
func (s *Store) Rows(name string) []core.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tbls[name]
	if !ok {
		return nil
	}
	return t.clone().rows
}

// Count returns the number of rows in a table.
func (s *Store) Count(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tbls[name]; ok {
		return len(t.rows)
	}
	return 0
}

// InsertCalls returns how many Insert calls reached table.
func (s *Store) InsertCalls(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inserts[name]
}

// SetPingError makes Ping fail with err; nil restores it.
func (s *Store) SetPingError(err error) {
	s.mu.Lock()
	s.pingErr = err
	s.mu.Unlock()
}

// FailInsert makes inserts into table fail with err; nil clears it.
func (s *Store) FailInsert(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failInsert, name)
		return
	}
	s.failInsert[name] = err
}

// Ping implements core.Source and core.Target.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pingErr
}

// ReadTable implements core.Source. Columns missing from the stored table
// are returned as nulls, mirroring a relation selected with NULL fillers.
func (s *Store) ReadTable(ctx context.Context, spec core.SourceTable) (*core.Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.pingErr != nil {
		return nil, s.pingErr
	}
	t, ok := s.tbls[spec.Name]
	if !ok {
		return nil, fmt.Errorf("relation %q does not exist", spec.Name)
	}

	out := &core.Table{Name: spec.Name, Columns: append([]string(nil), spec.Columns...), Rows: make([]core.Row, len(t.rows))}
	for i, r := range t.rows {
		row := make(core.Row, len(spec.Columns))
		for _, c := range spec.Columns {
			row[c] = r[c]
		}
		out.Rows[i] = row
	}
	return out, nil
}

// InTx implements core.Target.
func (s *Store) InTx(ctx context.Context, fn func(tx core.TargetTx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := s.Ping(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	snapshot := make(map[string]*table, len(s.tbls))
	for n, t := range s.tbls {
		snapshot[n] = t.clone()
	}
	s.mu.Unlock()

	if err := fn(&tx{s: s}); err != nil {
		s.mu.Lock()
		s.tbls = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

type tx struct {
	s *Store
}

func (t *tx) table(name string) (*table, error) {
	tb, ok := t.s.tbls[name]
	if !ok {
		return nil, fmt.Errorf("relation %q does not exist", name)
	}
	return tb, nil
}

func (t *tx) NaturalKeys(ctx context.Context, name, column string) (map[string]struct{}, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	tb, err := t.table(name)
	if err != nil {
		return nil, err
	}
	if !tb.hasColumn(column) {
		return nil, fmt.Errorf("column %q of relation %q does not exist", column, name)
	}
	out := make(map[string]struct{}, len(tb.rows))
	for _, r := range tb.rows {
		if k, ok := core.KeyOf(r[column]); ok {
			out[k] = struct{}{}
		}
	}
	return out, nil
}

func (t *tx) KeyPairs(ctx context.Context, name, naturalColumn, surrogateColumn string) (map[string]int64, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	tb, err := t.table(name)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(tb.rows))
	for _, r := range tb.rows {
		k, ok := core.KeyOf(r[naturalColumn])
		if !ok {
			continue
		}
		sk, ok := core.ToInt64(r[surrogateColumn])
		if !ok {
			return nil, fmt.Errorf("%s.%s: surrogate key %v is not an integer", name, surrogateColumn, r[surrogateColumn])
		}
		out[k] = sk
	}
	return out, nil
}

func (t *tx) Insert(ctx context.Context, name string, columns []string, rows [][]any) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	t.s.inserts[name]++
	if err := t.s.failInsert[name]; err != nil {
		return 0, err
	}
	tb, err := t.table(name)
	if err != nil {
		return 0, err
	}
	for _, c := range columns {
		if !tb.hasColumn(c) {
			return 0, fmt.Errorf("column %q of relation %q does not exist", c, name)
		}
	}

	for _, vals := range rows {
		if len(vals) != len(columns) {
			return 0, fmt.Errorf("insert into %s: %d values for %d columns", name, len(vals), len(columns))
		}
		r := make(core.Row, len(columns)+1)
		for i, c := range columns {
			r[c] = vals[i]
		}
		if tb.identity != "" {
			r[tb.identity] = tb.next
			tb.next++
		}
		tb.rows = append(tb.rows, r)
	}
	return int64(len(rows)), nil
}

func (t *tx) Truncate(ctx context.Context, names ...string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	for _, n := range names {
		tb, err := t.table(n)
		if err != nil {
			return err
		}
		tb.rows = nil
	}
	return nil
}

// Tables lists the table names, sorted.
func (s *Store) Tables() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.tbls))
	for n := range s.tbls {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
