package mssql

import (
	"bufio"
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/JonMunkholm/ChinookDW/internal/logging"
)

//go:embed schema.sql
var schemaScript string

// EnsureSchema creates the star schema and staging tables that do not
// exist yet. Every batch is guarded, so it is safe to run on each start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	batches := splitBatches(schemaScript)
	for i, batch := range batches {
		if _, err := s.db.ExecContext(ctx, batch); err != nil {
			return fmt.Errorf("schema batch %d: %w", i+1, err)
		}
	}
	logging.FromContext(ctx).Info("target schema ensured", "batches", len(batches))
	return nil
}

// splitBatches splits a script on lines holding only GO, the batch
// separator understood by sqlcmd but not by the server.
func splitBatches(script string) []string {
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if b := strings.TrimSpace(cur.String()); b != "" && !onlyComments(b) {
			out = append(out, b)
		}
		cur.Reset()
	}

	sc := bufio.NewScanner(strings.NewReader(script))
	for sc.Scan() {
		line := sc.Text()
		if strings.EqualFold(strings.TrimSpace(line), "GO") {
			flush()
			continue
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
	}
	flush()
	return out
}

func onlyComments(batch string) bool {
	for _, line := range strings.Split(batch, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}
