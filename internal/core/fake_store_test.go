package core

import (
	"context"
	"fmt"
)

// fakeTx is a minimal TargetTx holding rows per table. Tables listed in
// identity get an auto-incremented surrogate key.
type fakeTx struct {
	rows     map[string][]Row
	identity map[string]string
	next     map[string]int64
	inserts  int
	failOn   string
}

func newFakeTx() *fakeTx {
	return &fakeTx{
		rows:     make(map[string][]Row),
		identity: make(map[string]string),
		next:     make(map[string]int64),
	}
}

func (f *fakeTx) withIdentity(table, column string) *fakeTx {
	f.identity[table] = column
	return f
}

func (f *fakeTx) NaturalKeys(_ context.Context, table, column string) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	for _, r := range f.rows[table] {
		if k, ok := KeyOf(r[column]); ok {
			out[k] = struct{}{}
		}
	}
	return out, nil
}

func (f *fakeTx) KeyPairs(_ context.Context, table, natural, surrogate string) (map[string]int64, error) {
	out := make(map[string]int64)
	for _, r := range f.rows[table] {
		if k, ok := KeyOf(r[natural]); ok {
			out[k] = r[surrogate].(int64)
		}
	}
	return out, nil
}

func (f *fakeTx) Insert(_ context.Context, table string, columns []string, rows [][]any) (int64, error) {
	f.inserts++
	if table == f.failOn {
		return 0, fmt.Errorf("insert into %s: disk full", table)
	}
	for _, vals := range rows {
		r := make(Row, len(columns)+1)
		for i, c := range columns {
			r[c] = vals[i]
		}
		if id := f.identity[table]; id != "" {
			f.next[table]++
			r[id] = f.next[table]
		}
		f.rows[table] = append(f.rows[table], r)
	}
	return int64(len(rows)), nil
}

func (f *fakeTx) Truncate(_ context.Context, tables ...string) error {
	for _, t := range tables {
		delete(f.rows, t)
	}
	return nil
}
