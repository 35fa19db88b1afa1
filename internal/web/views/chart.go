// Package views renders HTML pages of the pipeline service with templ.
package views

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/JonMunkholm/ChinookDW/internal/core"
)

// Chart is a bar chart of one measure for each value of a group column.
type Chart struct {
	Title   string
	Label   string
	Measure string
	SQL     string
	Bars    []Bar
}

// Bar is one group. Width is a percentage of the largest value.
type Bar struct {
	Label string
	Value string
	Width string
}

// NoneLabel marks the group of facts whose dimension key is null.
const NoneLabel = "(none)"

var hundred = decimal.NewFromInt(100)

// NewChart plots the measure column of res against its group column.
// Column names match case-insensitively, ignoring spaces, so
// "SUM(TotalAmount)" finds the "sum(TotalAmount)" result column.
func NewChart(res *core.QueryResult, group, measure string) (Chart, error) {
	gi := columnIndex(res.Columns, group)
	if gi < 0 {
		return Chart{}, fmt.Errorf("%w: %q is not a result column", core.ErrUnknownColumn, group)
	}
	mi := columnIndex(res.Columns, measure)
	if mi < 0 {
		return Chart{}, fmt.Errorf("%w: %q is not a result column", core.ErrUnknownColumn, measure)
	}

	values := make([]decimal.Decimal, len(res.Rows))
	peak := decimal.Zero
	for i, row := range res.Rows {
		v, ok := core.ToDecimal(row[mi])
		if !ok {
			v = decimal.Zero
		}
		values[i] = v
		if v.GreaterThan(peak) {
			peak = v
		}
	}

	c := Chart{
		Title:   fmt.Sprintf("%s by %s", res.Columns[mi], res.Columns[gi]),
		Label:   res.Columns[gi],
		Measure: res.Columns[mi],
		SQL:     res.SQL,
		Bars:    make([]Bar, len(res.Rows)),
	}
	for i, row := range res.Rows {
		width := decimal.Zero
		if peak.IsPositive() && values[i].IsPositive() {
			width = values[i].Mul(hundred).Div(peak)
		}
		label := core.FormatCell(row[gi])
		if row[gi] == nil {
			label = NoneLabel
		}
		c.Bars[i] = Bar{
			Label: label,
			Value: core.FormatCell(row[mi]),
			Width: width.StringFixed(1) + "%",
		}
	}
	return c, nil
}

func columnIndex(columns []string, name string) int {
	want := strings.ReplaceAll(name, " ", "")
	for i, c := range columns {
		if strings.EqualFold(strings.ReplaceAll(c, " ", ""), want) {
			return i
		}
	}
	return -1
}
