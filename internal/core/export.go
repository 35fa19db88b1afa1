package core

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// ExportFacts streams the fact table to w as CSV, ordered by its natural
// key, and returns the number of data rows written.
func ExportFacts(ctx context.Context, qr Querier, plan FactPlan, w io.Writer) (int64, error) {
	d := qr.Dialect()
	cols := plan.InsertColumns()

	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = d.QuoteIdent(c)
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
		strings.Join(quoted, ", "), d.QuoteIdent(plan.Table), d.QuoteIdent(plan.NaturalKey))

	cw := csv.NewWriter(w)
	if err := cw.Write(cols); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}

	var n int64
	record := make([]string, len(cols))
	err := qr.Stream(ctx, query, nil, func(values []any) error {
		for i, v := range values {
			record[i] = FormatCell(v)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
		n++
		if n%1000 == 0 {
			cw.Flush()
			return cw.Error()
		}
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("export %s: %w", plan.Table, err)
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return n, fmt.Errorf("flush csv: %w", err)
	}
	return n, nil
}
