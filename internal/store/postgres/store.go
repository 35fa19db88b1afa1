// Package postgres is the PostgreSQL Source and Target. It is the default
// analytical store and can also serve as the operational source when the
// Chinook tables live in Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/JonMunkholm/ChinookDW/internal/core"
	"github.com/JonMunkholm/ChinookDW/internal/logging"
	"github.com/JonMunkholm/ChinookDW/internal/retry"
)

// Config holds connection pool settings.
type Config struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	Retry           *retry.Config // nil uses retry.DefaultConfig
}

// Store wraps a pgx pool.
type Store struct {
	pool *pgxpool.Pool

	mu    sync.RWMutex
	types map[string]map[string]columnKind // table -> column -> kind
}

// Open connects and pings, retrying while the server is unreachable.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	attempt := 0
	pool, err := retry.DoWithResult(ctx, cfg.Retry, func() (*pgxpool.Pool, error) {
		attempt++
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, retry.Permanent(err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			slog.Warn("postgres not reachable", "attempt", attempt, "error", err)
			return nil, err
		}
		return pool, nil
	})
	if err != nil {
		return nil, core.NewConnectivityError("postgres", "connect", err)
	}

	slog.Info("connected to postgres",
		"max_conns", poolCfg.MaxConns,
		"min_conns", poolCfg.MinConns,
	)
	return New(pool), nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, types: make(map[string]map[string]columnKind)}
}

// Pool returns the underlying pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases every connection.
func (s *Store) Close() { s.pool.Close() }

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Dialect implements core.Querier.
func (s *Store) Dialect() core.Dialect { return Dialect{} }

// ReadTable selects the declared columns of one source table.
func (s *Store) ReadTable(ctx context.Context, spec core.SourceTable) (*core.Table, error) {
	d := Dialect{}
	quoted := make([]string, len(spec.Columns))
	for i, c := range spec.Columns {
		quoted[i] = d.QuoteIdent(c)
	}
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(quoted, ", "), d.QuoteIdent(spec.Name))

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, schemaError(spec.Name, err)
	}
	defer rows.Close()

	t := &core.Table{Name: spec.Name, Columns: append([]string(nil), spec.Columns...)}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", spec.Name, err)
		}
		row := make(core.Row, len(spec.Columns))
		for i, c := range spec.Columns {
			row[c] = normalize(values[i])
		}
		t.Rows = append(t.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, schemaError(spec.Name, err)
	}
	return t, nil
}

// InTx runs fn in one transaction, committing when it returns nil.
func (s *Store) InTx(ctx context.Context, fn func(tx core.TargetTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return core.NewConnectivityError("target", "begin", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txn{store: s, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Select runs a read-only query and buffers the result.
func (s *Store) Select(ctx context.Context, query string, args ...any) ([]string, [][]any, error) {
	var (
		columns []string
		out     [][]any
	)
	err := s.stream(ctx, query, args, func(fields []string) { columns = fields }, func(values []any) error {
		out = append(out, append([]any(nil), values...))
		return nil
	})
	return columns, out, err
}

// Stream runs a read-only query and hands each row to fn. The values slice
// is reused between calls.
func (s *Store) Stream(ctx context.Context, query string, args []any, fn func(values []any) error) error {
	return s.stream(ctx, query, args, nil, fn)
}

func (s *Store) stream(ctx context.Context, query string, args []any, header func([]string), fn func([]any) error) error {
	logging.FromContext(ctx).Debug("postgres query", "sql", query, "args", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	if header != nil {
		fds := rows.FieldDescriptions()
		names := make([]string, len(fds))
		for i, fd := range fds {
			names[i] = fd.Name
		}
		header(names)
	}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		for i, v := range values {
			values[i] = normalize(v)
		}
		if err := fn(values); err != nil {
			return err
		}
	}
	return rows.Err()
}

// schemaError turns undefined table and column errors into configuration
// errors so they are reported before anything is written.
func schemaError(table string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42P01":
			return &core.ConfigurationError{Subject: table, Reason: pgErr.Message, Err: core.ErrUnknownTable}
		case "42703":
			return &core.ConfigurationError{Subject: table, Reason: pgErr.Message, Err: core.ErrUnknownColumn}
		}
	}
	return fmt.Errorf("read %s: %w", table, err)
}

// normalize converts pgx values to the types the pipeline works with.
func normalize(v any) any {
	switch x := v.(type) {
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	case pgtype.Numeric:
		return numericToDecimal(x)
	default:
		return v
	}
}

func numericToDecimal(n pgtype.Numeric) any {
	if !n.Valid || n.NaN || n.InfinityModifier != pgtype.Finite {
		return nil
	}
	if n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}

func decimalToNumeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}
