package core

// convert.go normalizes the values drivers hand back into the handful of Go
// types the pipeline reasons about: int64, string, decimal.Decimal,
// time.Time and nil.
//
// Natural keys are compared as strings produced by KeyOf so that an int32
// from one driver, an int64 from another, and a decimal "5" all collapse to
// the same key.

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// numericRegex validates that a string is a plain decimal number.
var numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// dateLayouts are tried in order when a date arrives as text.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
	"1/2/2006",
	"01/02/2006",
	"Jan 2, 2006",
}

// dateKeyLayout is the canonical form of a date natural key.
const dateKeyLayout = "2006-01-02"

// KeyOf returns the canonical natural key for v. The second result is
// false for null values, which never match a key.
func KeyOf(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return strings.TrimSpace(x), true
	case []byte:
		return strings.TrimSpace(string(x)), true
	case int:
		return strconv.Itoa(x), true
	case int16:
		return strconv.FormatInt(int64(x), 10), true
	case int32:
		return strconv.FormatInt(int64(x), 10), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatInt(int64(x), 10), true
		}
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case decimal.Decimal:
		return x.String(), true
	case time.Time:
		return x.Format(dateKeyLayout), true
	case fmt.Stringer:
		return x.String(), true
	default:
		return fmt.Sprint(x), true
	}
}

// nullSegment stands in for a null key component.
const nullSegment = "\x00"

// CompositeKey joins the keys of columns with "|". Null components are
// encoded as nullSegment, so rows with null keys group together but apart
// from rows whose key is the empty string.
func CompositeKey(r Row, columns []string) string {
	if len(columns) == 1 {
		return keySegment(r[columns[0]])
	}
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = keySegment(r[c])
	}
	return strings.Join(parts, "|")
}

func keySegment(v any) string {
	k, ok := KeyOf(v)
	if !ok {
		return nullSegment
	}
	return k
}

// ToDecimal converts a numeric value. Strings may carry currency symbols
// and thousands separators.
func ToDecimal(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case nil:
		return decimal.Decimal{}, false
	case decimal.Decimal:
		return x, true
	case int:
		return decimal.NewFromInt(int64(x)), true
	case int16:
		return decimal.NewFromInt(int64(x)), true
	case int32:
		return decimal.NewFromInt(int64(x)), true
	case int64:
		return decimal.NewFromInt(x), true
	case float32:
		return decimal.NewFromFloat32(x), true
	case float64:
		return decimal.NewFromFloat(x), true
	case []byte:
		return parseDecimal(string(x))
	case string:
		return parseDecimal(x)
	default:
		return decimal.Decimal{}, false
	}
}

func parseDecimal(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Decimal{}, false
	}
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	s = strings.NewReplacer("$", "", "€", "", "£", "", ",", "").Replace(s)
	s = strings.TrimSpace(s)
	if !numericRegex.MatchString(s) {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	if neg {
		d = d.Neg()
	}
	return d, true
}

// ToInt64 converts an integral value.
func ToInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case int16:
		return int64(x), true
	}
	d, ok := ToDecimal(v)
	if !ok || !d.Equal(d.Truncate(0)) {
		return 0, false
	}
	return d.IntPart(), true
}

// ToTime converts a date or timestamp value.
func ToTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		return parseTime(x)
	case []byte:
		return parseTime(string(x))
	default:
		return time.Time{}, false
	}
}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// DateOnly truncates t to midnight UTC of its calendar date.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Product multiplies two numeric values exactly.
func Product(a, b any) (decimal.Decimal, error) {
	x, ok := ToDecimal(a)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("invalid number: %v", a)
	}
	y, ok := ToDecimal(b)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("invalid number: %v", b)
	}
	return x.Mul(y), nil
}

// FormatCell renders a value for CSV export.
func FormatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case decimal.Decimal:
		return x.String()
	case time.Time:
		if x.Equal(DateOnly(x)) {
			return x.Format(dateKeyLayout)
		}
		return x.Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}
