package postgres

import (
	"fmt"
	"strings"
)

// Dialect renders PostgreSQL syntax for the fact query builder.
type Dialect struct{}

func (Dialect) Name() string { return "postgres" }

// QuoteIdent quotes a SQL identifier to prevent injection. Identifiers in
// the star schema are mixed case, so every reference is quoted.
func (Dialect) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (Dialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (Dialect) Like(caseInsensitive bool) string {
	if caseInsensitive {
		return "ILIKE"
	}
	return "LIKE"
}

func (Dialect) CastText(expr string) string { return expr + "::text" }

func (Dialect) Limit(query string, n int) string {
	return fmt.Sprintf("%s LIMIT %d", query, n)
}
