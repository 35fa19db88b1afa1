package mssql

import (
	"fmt"
	"strings"
)

// Dialect renders T-SQL for the fact query builder. Arguments are bound
// as named parameters @p1, @p2, ... by Select and Stream.
type Dialect struct{}

func (Dialect) Name() string { return "sqlserver" }

// QuoteIdent brackets an identifier, escaping ] as ]] like QUOTENAME.
func (Dialect) QuoteIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (Dialect) Placeholder(n int) string { return fmt.Sprintf("@p%d", n) }

// Like ignores caseInsensitive: the default collation already is.
func (Dialect) Like(bool) string { return "LIKE" }

func (Dialect) CastText(expr string) string {
	return "CAST(" + expr + " AS NVARCHAR(4000))"
}

// Limit injects TOP after the leading SELECT. Wrapping the query in a
// derived table is not possible because it carries an ORDER BY.
func (Dialect) Limit(query string, n int) string {
	trimmed := strings.TrimLeft(query, " \t\n")
	if len(trimmed) < 6 || !strings.EqualFold(trimmed[:6], "SELECT") {
		return query
	}
	return fmt.Sprintf("SELECT TOP (%d)%s", n, trimmed[6:])
}
