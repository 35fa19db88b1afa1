package tables

import (
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/JonMunkholm/ChinookDW/internal/core"
)

// UnknownText replaces missing required text values.
const UnknownText = "Unknown"

// UnknownEmail replaces missing or malformed customer addresses. It is
// lower case so the email lower-casing rule leaves it alone.
const UnknownEmail = "unknown"

// CountryVariants maps canonical country codes to the spellings found in
// the operational data.
var CountryVariants = map[string][]string{
	"USA": {"United States", "US", "USA"},
	"UK":  {"United Kingdom", "GB", "UK"},
}

// EmailPattern accepts anything shaped like local@domain.tld.
var EmailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// UsStates maps US state full names to their abbreviations. Georgia is
// absent because the name is also a country.
var UsStates = map[string]string{
	"alabama":        "AL",
	"alaska":         "AK",
	"arizona":        "AZ",
	"arkansas":       "AR",
	"california":     "CA",
	"colorado":       "CO",
	"connecticut":    "CT",
	"delaware":       "DE",
	"florida":        "FL",
	"hawaii":         "HI",
	"idaho":          "ID",
	"illinois":       "IL",
	"indiana":        "IN",
	"iowa":           "IA",
	"kansas":         "KS",
	"kentucky":       "KY",
	"louisiana":      "LA",
	"maine":          "ME",
	"maryland":       "MD",
	"massachusetts":  "MA",
	"michigan":       "MI",
	"minnesota":      "MN",
	"mississippi":    "MS",
	"missouri":       "MO",
	"montana":        "MT",
	"nebraska":       "NE",
	"nevada":         "NV",
	"new hampshire":  "NH",
	"new jersey":     "NJ",
	"new mexico":     "NM",
	"new york":       "NY",
	"north carolina": "NC",
	"north dakota":   "ND",
	"ohio":           "OH",
	"oklahoma":       "OK",
	"oregon":         "OR",
	"pennsylvania":   "PA",
	"rhode island":   "RI",
	"south carolina": "SC",
	"south dakota":   "SD",
	"tennessee":      "TN",
	"texas":          "TX",
	"utah":           "UT",
	"vermont":        "VT",
	"virginia":       "VA",
	"washington":     "WA",
	"west virginia":  "WV",
	"wisconsin":      "WI",
	"wyoming":        "WY",
}

// StateVariants groups the spellings of each US state under its code, for
// a categorical-normalize rule. Categorical rules match exactly, so the
// lower, upper and title-cased forms are all listed.
func StateVariants() map[string][]string {
	title := cases.Title(language.English)
	out := make(map[string][]string, len(UsStates))
	for name, code := range UsStates {
		out[code] = append(out[code], name, strings.ToUpper(name), title.String(name))
	}
	return out
}

// calendarDate reduces a timestamp to the date the Date dimension is keyed by.
func calendarDate(v any) any {
	t, ok := core.ToTime(v)
	if !ok {
		return v
	}
	return core.DateOnly(t)
}

// quarterOf returns 1-4 for the calendar quarter of t.
func quarterOf(t time.Time) int64 {
	return int64((int(t.Month())-1)/3 + 1)
}
