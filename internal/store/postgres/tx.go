package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/ChinookDW/internal/core"
)

// columnKind groups Postgres data types by the Go value COPY expects.
type columnKind int

const (
	kindOther columnKind = iota
	kindInt
	kindNumeric
	kindTime
	kindText
)

func kindOf(dataType string) columnKind {
	switch dataType {
	case "smallint", "integer", "bigint":
		return kindInt
	case "numeric", "real", "double precision", "money":
		return kindNumeric
	case "date", "timestamp without time zone", "timestamp with time zone":
		return kindTime
	case "text", "character varying", "character":
		return kindText
	default:
		return kindOther
	}
}

type txn struct {
	store *Store
	tx    pgx.Tx
}

func (t *txn) NaturalKeys(ctx context.Context, table, column string) (map[string]struct{}, error) {
	d := Dialect{}
	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s", d.QuoteIdent(column), d.QuoteIdent(table))

	rows, err := t.tx.Query(ctx, query)
	if err != nil {
		return nil, schemaError(table, err)
	}
	defer rows.Close()

	keys := make(map[string]struct{})
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("scan %s.%s: %w", table, column, err)
		}
		if k, ok := core.KeyOf(normalize(values[0])); ok {
			keys[k] = struct{}{}
		}
	}
	return keys, rows.Err()
}

func (t *txn) KeyPairs(ctx context.Context, table, naturalColumn, surrogateColumn string) (map[string]int64, error) {
	d := Dialect{}
	query := fmt.Sprintf("SELECT %s, %s FROM %s",
		d.QuoteIdent(naturalColumn), d.QuoteIdent(surrogateColumn), d.QuoteIdent(table))

	rows, err := t.tx.Query(ctx, query)
	if err != nil {
		return nil, schemaError(table, err)
	}
	defer rows.Close()

	pairs := make(map[string]int64)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("scan %s keys: %w", table, err)
		}
		k, ok := core.KeyOf(normalize(values[0]))
		if !ok {
			continue
		}
		sk, ok := core.ToInt64(normalize(values[1]))
		if !ok {
			return nil, fmt.Errorf("%s.%s: surrogate key %v is not an integer", table, surrogateColumn, values[1])
		}
		pairs[k] = sk
	}
	return pairs, rows.Err()
}

// Insert copies rows with the COPY protocol. Values are first coerced to
// the column types, since COPY's binary format does not convert text.
func (t *txn) Insert(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	kinds, err := t.store.columnKinds(ctx, t.tx, table)
	if err != nil {
		return 0, err
	}

	coerced := make([][]any, len(rows))
	for i, row := range rows {
		out := make([]any, len(row))
		for j, v := range row {
			kind, ok := kinds[columns[j]]
			if !ok {
				return 0, &core.ConfigurationError{
					Subject: table,
					Reason:  fmt.Sprintf("column %q does not exist", columns[j]),
					Err:     core.ErrUnknownColumn,
				}
			}
			if out[j], err = coerce(kind, v); err != nil {
				return 0, fmt.Errorf("%s.%s: %w", table, columns[j], err)
			}
		}
		coerced[i] = out
	}

	n, err := t.tx.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(coerced))
	if err != nil {
		return n, fmt.Errorf("copy into %s: %w", table, err)
	}
	return n, nil
}

// Truncate clears the tables in one statement so foreign keys between them
// do not block it. CONTINUE IDENTITY keeps surrogate keys increasing.
func (t *txn) Truncate(ctx context.Context, tables ...string) error {
	if len(tables) == 0 {
		return nil
	}
	d := Dialect{}
	quoted := make([]string, len(tables))
	for i, name := range tables {
		quoted[i] = d.QuoteIdent(name)
	}
	_, err := t.tx.Exec(ctx, "TRUNCATE TABLE "+strings.Join(quoted, ", ")+" CONTINUE IDENTITY")
	return err
}

// columnKinds returns the column types of table, cached per store.
func (s *Store) columnKinds(ctx context.Context, q pgx.Tx, table string) (map[string]columnKind, error) {
	s.mu.RLock()
	kinds, ok := s.types[table]
	s.mu.RUnlock()
	if ok {
		return kinds, nil
	}

	rows, err := q.Query(ctx,
		`SELECT column_name, data_type FROM information_schema.columns
		 WHERE table_schema = current_schema() AND table_name = $1`, table)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", table, err)
	}
	defer rows.Close()

	kinds = make(map[string]columnKind)
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, fmt.Errorf("describe %s: %w", table, err)
		}
		kinds[name] = kindOf(dataType)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("describe %s: %w", table, err)
	}
	if len(kinds) == 0 {
		return nil, &core.ConfigurationError{Subject: table, Reason: "table does not exist in the target", Err: core.ErrUnknownTable}
	}

	s.mu.Lock()
	s.types[table] = kinds
	s.mu.Unlock()
	return kinds, nil
}

// coerce converts v to the Go type COPY encodes for kind.
func coerce(kind columnKind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case kindInt:
		n, ok := core.ToInt64(v)
		if !ok {
			return nil, fmt.Errorf("%v is not an integer", v)
		}
		return n, nil
	case kindNumeric:
		d, ok := core.ToDecimal(v)
		if !ok {
			return nil, fmt.Errorf("%v is not a number", v)
		}
		return decimalToNumeric(d), nil
	case kindTime:
		ts, ok := core.ToTime(v)
		if !ok {
			return nil, fmt.Errorf("%v is not a date", v)
		}
		return ts, nil
	case kindText:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return core.FormatCell(v), nil
	default:
		return v, nil
	}
}
