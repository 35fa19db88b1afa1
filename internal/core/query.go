package core

// query.go turns a small JSON query over the fact table into SQL.
//
// Columns are either fact columns ("TotalAmount") or dimension attributes
// written as "<Table or Entity>.<Column>" ("DimGenre.Name", "Artist.Name").
// A dimension is joined through the fact's surrogate key, or through a
// chain of parent keys when the fact does not reference it directly
// (Artist is reached through Album). Every join is a LEFT JOIN so facts
// with a referential gap still aggregate.

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// FilterOp is a comparison applied by a query filter.
type FilterOp string

const (
	OpEquals     FilterOp = "eq"
	OpContains   FilterOp = "contains"
	OpStartsWith FilterOp = "starts"
	OpEndsWith   FilterOp = "ends"
	OpGreater    FilterOp = "gt"
	OpGreaterEq  FilterOp = "gte"
	OpLess       FilterOp = "lt"
	OpLessEq     FilterOp = "lte"
	OpIn         FilterOp = "in" // comma-separated values
)

// QueryFilter restricts the rows aggregated.
type QueryFilter struct {
	Column string   `json:"column"`
	Op     FilterOp `json:"op"`
	Value  string   `json:"value"`
}

// FactQuery is an aggregation over the fact table.
type FactQuery struct {
	Select  []string      `json:"select"`
	GroupBy []string      `json:"group_by"`
	Filters []QueryFilter `json:"filters"`
	Limit   int           `json:"limit"`
}

// QueryResult holds the aggregated rows. Columns are the group columns,
// then the aggregates, then Count.
type QueryResult struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
	SQL     string   `json:"sql"`
}

// CountColumn is appended to every query result.
const CountColumn = "Count"

var aggregateRegex = regexp.MustCompile(`(?i)^\s*(sum|avg|min|max|count)\s*\(\s*([A-Za-z0-9_.*]+)\s*\)\s*$`)

// factSchema resolves query column references against the registered plans.
type factSchema struct {
	dialect Dialect
	fact    FactPlan
	dims    map[string]DimensionPlan // by entity
	byTable map[string]string        // table -> entity

	joins   []string
	aliases map[string]string // entity -> alias
}

func newFactSchema(d Dialect, fact FactPlan, dims []DimensionPlan) *factSchema {
	s := &factSchema{
		dialect: d,
		fact:    fact,
		dims:    make(map[string]DimensionPlan, len(dims)),
		byTable: make(map[string]string, len(dims)),
		aliases: make(map[string]string),
	}
	for _, p := range dims {
		s.dims[p.Entity] = p
		s.byTable[strings.ToLower(p.Table)] = p.Entity
	}
	return s
}

// column returns the SQL expression for a column reference.
func (s *factSchema) column(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	prefix, col, qualified := strings.Cut(ref, ".")
	if !qualified {
		if !containsFold(s.fact.InsertColumns(), ref) {
			return "", fmt.Errorf("%w: %q is not a column of %s", ErrUnknownColumn, ref, s.fact.Table)
		}
		return "f." + s.dialect.QuoteIdent(canonical(s.fact.InsertColumns(), ref)), nil
	}

	entity, ok := s.entity(prefix)
	if !ok {
		return "", fmt.Errorf("%w: %q does not name a dimension", ErrUnknownColumn, prefix)
	}
	plan := s.dims[entity]
	cols := append([]string{plan.SurrogateKey}, plan.InsertColumns()...)
	if !containsFold(cols, col) {
		return "", fmt.Errorf("%w: %q is not a column of %s", ErrUnknownColumn, col, plan.Table)
	}

	alias, err := s.join(entity, nil)
	if err != nil {
		return "", err
	}
	return alias + "." + s.dialect.QuoteIdent(canonical(cols, col)), nil
}

func (s *factSchema) entity(prefix string) (string, bool) {
	if _, ok := s.dims[prefix]; ok {
		return prefix, true
	}
	for e := range s.dims {
		if strings.EqualFold(e, prefix) {
			return e, true
		}
	}
	e, ok := s.byTable[strings.ToLower(prefix)]
	return e, ok
}

// join adds the joins needed to reach entity and returns its alias.
func (s *factSchema) join(entity string, visiting map[string]bool) (string, error) {
	if alias, ok := s.aliases[entity]; ok {
		return alias, nil
	}
	plan := s.dims[entity]

	for _, k := range s.fact.Keys {
		if k.Entity == entity {
			return s.addJoin(plan, "f."+s.dialect.QuoteIdent(k.Column)), nil
		}
	}

	if visiting == nil {
		visiting = make(map[string]bool)
	}
	visiting[entity] = true
	for _, child := range sortedEntities(s.dims) {
		if visiting[child] {
			continue
		}
		for _, ref := range s.dims[child].Parents {
			if ref.Entity != entity {
				continue
			}
			childAlias, err := s.join(child, visiting)
			if err != nil {
				continue
			}
			return s.addJoin(plan, childAlias+"."+s.dialect.QuoteIdent(ref.Column)), nil
		}
	}
	return "", fmt.Errorf("%w: %s is not reachable from %s", ErrInvalidQuery, entity, s.fact.Table)
}

func (s *factSchema) addJoin(plan DimensionPlan, on string) string {
	alias := fmt.Sprintf("d%d", len(s.joins))
	s.aliases[plan.Entity] = alias
	s.joins = append(s.joins, fmt.Sprintf("LEFT JOIN %s %s ON %s.%s = %s",
		s.dialect.QuoteIdent(plan.Table), alias, alias, s.dialect.QuoteIdent(plan.SurrogateKey), on))
	return alias
}

// filter returns the SQL predicate and arguments of f.
func (s *factSchema) filter(f QueryFilter, argIdx int) (string, []any, error) {
	col, err := s.column(f.Column)
	if err != nil {
		return "", nil, err
	}
	ph := s.dialect.Placeholder
	like := s.dialect.Like(true)
	text := s.dialect.CastText(col)

	switch f.Op {
	case OpContains:
		return fmt.Sprintf("%s %s %s", text, like, ph(argIdx)), []any{"%" + f.Value + "%"}, nil
	case OpStartsWith:
		return fmt.Sprintf("%s %s %s", text, like, ph(argIdx)), []any{f.Value + "%"}, nil
	case OpEndsWith:
		return fmt.Sprintf("%s %s %s", text, like, ph(argIdx)), []any{"%" + f.Value}, nil
	case OpEquals:
		return fmt.Sprintf("%s = %s", col, ph(argIdx)), []any{f.Value}, nil
	case OpGreater:
		return fmt.Sprintf("%s > %s", col, ph(argIdx)), []any{f.Value}, nil
	case OpGreaterEq:
		return fmt.Sprintf("%s >= %s", col, ph(argIdx)), []any{f.Value}, nil
	case OpLess:
		return fmt.Sprintf("%s < %s", col, ph(argIdx)), []any{f.Value}, nil
	case OpLessEq:
		return fmt.Sprintf("%s <= %s", col, ph(argIdx)), []any{f.Value}, nil
	case OpIn:
		var (
			placeholders []string
			args         []any
		)
		for _, v := range strings.Split(f.Value, ",") {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			placeholders = append(placeholders, ph(argIdx+len(args)))
			args = append(args, v)
		}
		if len(args) == 0 {
			return "", nil, fmt.Errorf("%w: filter on %s: in requires at least one value", ErrInvalidQuery, f.Column)
		}
		return fmt.Sprintf("%s IN (%s)", col, strings.Join(placeholders, ", ")), args, nil
	default:
		return "", nil, fmt.Errorf("%w: unknown filter operator %q", ErrInvalidQuery, f.Op)
	}
}

// BuildFactQuery renders q as SQL for dialect d. maxRows caps the limit.
func BuildFactQuery(d Dialect, fact FactPlan, dims []DimensionPlan, q FactQuery, maxRows int) (string, []any, []string, error) {
	s := newFactSchema(d, fact, dims)

	groups := append([]string(nil), q.GroupBy...)
	var aggregates []string
	for _, item := range q.Select {
		if aggregateRegex.MatchString(item) {
			aggregates = append(aggregates, item)
			continue
		}
		if !containsFold(groups, strings.TrimSpace(item)) {
			groups = append(groups, strings.TrimSpace(item))
		}
	}
	if len(groups) == 0 && len(aggregates) == 0 {
		return "", nil, nil, fmt.Errorf("%w: select or group_by is required", ErrInvalidQuery)
	}

	var (
		selects  []string
		groupSQL []string
		columns  []string
	)
	for _, g := range groups {
		expr, err := s.column(g)
		if err != nil {
			return "", nil, nil, err
		}
		selects = append(selects, fmt.Sprintf("%s AS %s", expr, d.QuoteIdent(g)))
		groupSQL = append(groupSQL, expr)
		columns = append(columns, g)
	}

	for _, a := range aggregates {
		m := aggregateRegex.FindStringSubmatch(a)
		fn, arg := strings.ToUpper(m[1]), m[2]
		label := strings.ToLower(m[1]) + "(" + arg + ")"

		expr := "*"
		if arg != "*" {
			var err error
			if expr, err = s.column(arg); err != nil {
				return "", nil, nil, err
			}
		} else if fn != "COUNT" {
			return "", nil, nil, fmt.Errorf("%w: %s(*) is not allowed", ErrInvalidQuery, strings.ToLower(fn))
		}
		selects = append(selects, fmt.Sprintf("%s(%s) AS %s", fn, expr, d.QuoteIdent(label)))
		columns = append(columns, label)
	}

	selects = append(selects, fmt.Sprintf("COUNT(*) AS %s", d.QuoteIdent(CountColumn)))
	columns = append(columns, CountColumn)

	var (
		where []string
		args  []any
	)
	for _, f := range q.Filters {
		pred, fargs, err := s.filter(f, len(args)+1)
		if err != nil {
			return "", nil, nil, err
		}
		where = append(where, pred)
		args = append(args, fargs...)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s f", strings.Join(selects, ", "), d.QuoteIdent(fact.Table))
	for _, j := range s.joins {
		b.WriteString(" ")
		b.WriteString(j)
	}
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	if len(groupSQL) > 0 {
		b.WriteString(" GROUP BY ")
		b.WriteString(strings.Join(groupSQL, ", "))
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(groupSQL, ", "))
	}

	limit := q.Limit
	if limit <= 0 || (maxRows > 0 && limit > maxRows) {
		limit = maxRows
	}
	sql := b.String()
	if limit > 0 {
		sql = d.Limit(sql, limit)
	}
	return sql, args, columns, nil
}

// RunFactQuery builds and executes q.
func RunFactQuery(ctx context.Context, qr Querier, def Definition, q FactQuery, maxRows int) (*QueryResult, error) {
	sql, args, columns, err := BuildFactQuery(qr.Dialect(), def.Fact, def.Dimensions, q, maxRows)
	if err != nil {
		return nil, err
	}
	_, rows, err := qr.Select(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("run fact query: %w", err)
	}
	if rows == nil {
		rows = [][]any{}
	}
	return &QueryResult{Columns: columns, Rows: rows, SQL: sql}, nil
}

// NamedQuery is a canned query offered to API clients.
type NamedQuery struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Query       FactQuery `json:"query"`
}

// SampleQueries returns queries that exercise the star schema.
func SampleQueries() []NamedQuery {
	return []NamedQuery{
		{
			Name:        "revenue-by-genre",
			Description: "Total revenue and units per genre",
			Query: FactQuery{
				Select:  []string{"sum(TotalAmount)", "sum(Quantity)"},
				GroupBy: []string{"DimGenre.Name"},
			},
		},
		{
			Name:        "revenue-by-quarter",
			Description: "Revenue per year and quarter",
			Query: FactQuery{
				Select:  []string{"sum(TotalAmount)"},
				GroupBy: []string{"DimDate.Year", "DimDate.Quarter"},
			},
		},
		{
			Name:        "top-artists",
			Description: "Revenue per artist, reached through the album dimension",
			Query: FactQuery{
				Select:  []string{"sum(TotalAmount)"},
				GroupBy: []string{"Artist.Name"},
				Limit:   10,
			},
		},
		{
			Name:        "sales-by-employee",
			Description: "Revenue handled by each support representative",
			Query: FactQuery{
				Select:  []string{"sum(TotalAmount)", "avg(TotalAmount)"},
				GroupBy: []string{"DimEmployee.LastName", "DimEmployee.FirstName"},
			},
		},
		{
			Name:        "usa-media-types",
			Description: "Units per media type for customers in the USA",
			Query: FactQuery{
				Select:  []string{"sum(Quantity)"},
				GroupBy: []string{"DimMediaType.Name"},
				Filters: []QueryFilter{{Column: "DimCustomer.Country", Op: OpEquals, Value: "USA"}},
			},
		},
	}
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// canonical returns the declared spelling of s from list.
func canonical(list []string, s string) string {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return v
		}
	}
	return s
}

func sortedEntities(dims map[string]DimensionPlan) []string {
	out := make([]string, 0, len(dims))
	for e := range dims {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}
