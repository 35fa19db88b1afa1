package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/JonMunkholm/ChinookDW/internal/core"
)

// SQL Server accepts at most 2100 parameters per statement and 1000 rows
// per VALUES list.
const (
	maxParams     = 2000
	maxValuesRows = 1000
)

type txn struct {
	tx *sql.Tx
}

func (t *txn) NaturalKeys(ctx context.Context, table, column string) (map[string]struct{}, error) {
	d := Dialect{}
	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s", d.QuoteIdent(column), d.QuoteIdent(table))

	keys := make(map[string]struct{})
	err := scanRows(ctx, t.tx, query, nil, nil, func(values []any) error {
		if k, ok := core.KeyOf(values[0]); ok {
			keys[k] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, schemaError(table, err)
	}
	return keys, nil
}

func (t *txn) KeyPairs(ctx context.Context, table, naturalColumn, surrogateColumn string) (map[string]int64, error) {
	d := Dialect{}
	query := fmt.Sprintf("SELECT %s, %s FROM %s",
		d.QuoteIdent(naturalColumn), d.QuoteIdent(surrogateColumn), d.QuoteIdent(table))

	pairs := make(map[string]int64)
	err := scanRows(ctx, t.tx, query, nil, nil, func(values []any) error {
		k, ok := core.KeyOf(values[0])
		if !ok {
			return nil
		}
		sk, ok := core.ToInt64(values[1])
		if !ok {
			return fmt.Errorf("%s.%s: surrogate key %v is not an integer", table, surrogateColumn, values[1])
		}
		pairs[k] = sk
		return nil
	})
	if err != nil {
		return nil, schemaError(table, err)
	}
	return pairs, nil
}

// Insert writes rows with multi-row INSERT statements sized to stay under
// the parameter limit.
func (t *txn) Insert(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	per := rowsPerStatement(len(columns))
	var total int64
	for start := 0; start < len(rows); start += per {
		end := min(start+per, len(rows))
		query, args := insertStatement(table, columns, rows[start:end])
		res, err := t.tx.ExecContext(ctx, query, args...)
		if err != nil {
			return total, fmt.Errorf("insert into %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			n = int64(end - start)
		}
		total += n
	}
	return total, nil
}

// Truncate deletes in the given order. TRUNCATE TABLE is refused for any
// table referenced by a foreign key, and DELETE keeps identity seeds.
func (t *txn) Truncate(ctx context.Context, tables ...string) error {
	d := Dialect{}
	for _, name := range tables {
		if _, err := t.tx.ExecContext(ctx, "DELETE FROM "+d.QuoteIdent(name)); err != nil {
			return fmt.Errorf("delete from %s: %w", name, err)
		}
	}
	return nil
}

func rowsPerStatement(columns int) int {
	if columns <= 0 {
		return maxValuesRows
	}
	return max(1, min(maxValuesRows, maxParams/columns))
}

// insertStatement renders one INSERT for rows with named parameters.
func insertStatement(table string, columns []string, rows [][]any) (string, []any) {
	d := Dialect{}
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = d.QuoteIdent(c)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", d.QuoteIdent(table), strings.Join(quoted, ", "))

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j, v := range row {
			if j > 0 {
				b.WriteString(", ")
			}
			args = append(args, v)
			b.WriteString(d.Placeholder(len(args)))
		}
		b.WriteByte(')')
	}
	return b.String(), named(args)
}
