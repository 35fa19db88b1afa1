package tables

import (
	"sort"
	"time"

	"github.com/JonMunkholm/ChinookDW/internal/core"
)

func init() {
	registerInvoice()
	registerInvoiceLine()
	registerDate()
	registerSalesFact()
}

func registerInvoice() {
	registerSource("Invoice", []string{"InvoiceId"},
		"InvoiceId", "CustomerId", "InvoiceDate", "BillingAddress", "BillingCity",
		"BillingState", "BillingCountry", "BillingPostalCode", "Total",
	)

	core.RegisterRule(
		fk("Invoice", "CustomerId", "Customer", "CustomerId"),
		trim("Invoice", "BillingAddress", "BillingCity", "BillingState", "BillingCountry"),
		titleCase("Invoice", "BillingCity"),
		nonNegative("Invoice", "Total"),
		normalize("Invoice", CountryVariants, "BillingCountry"),
	)
}

func registerInvoiceLine() {
	registerSource("InvoiceLine", []string{"InvoiceLineId"},
		"InvoiceLineId", "InvoiceId", "TrackId", "UnitPrice", "Quantity",
	)

	core.RegisterRule(
		fk("InvoiceLine", "InvoiceId", "Invoice", "InvoiceId"),
		fk("InvoiceLine", "TrackId", "Track", "TrackId"),
		positive("InvoiceLine", "Quantity"),
		nonNegative("InvoiceLine", "UnitPrice"),
	)
}

// registerDate derives the calendar dimension from distinct invoice dates.
func registerDate() {
	core.RegisterDimension(core.DimensionPlan{
		Entity:       "Date",
		Table:        "DimDate",
		SurrogateKey: "DateKey",
		NaturalKey:   "Date",
		Source:       "Invoice",
		SourceKey:    "Date",
		Columns:      cols("Day", "Month", "Year", "Quarter"),
		Extract:      extractDates,
	})
}

func extractDates(ds *core.Dataset) ([]core.Row, error) {
	inv, ok := ds.Table("Invoice")
	if !ok {
		return nil, &core.ConfigurationError{Subject: "Date", Reason: "source relation \"Invoice\" was not extracted", Err: core.ErrUnknownTable}
	}

	seen := make(map[string]bool)
	var dates []time.Time
	for _, r := range inv.Rows {
		t, ok := core.ToTime(r["InvoiceDate"])
		if !ok {
			continue
		}
		d := core.DateOnly(t)
		key, _ := core.KeyOf(d)
		if !seen[key] {
			seen[key] = true
			dates = append(dates, d)
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	rows := make([]core.Row, len(dates))
	for i, d := range dates {
		rows[i] = core.Row{
			"Date":    d,
			"Day":     int64(d.Day()),
			"Month":   int64(d.Month()),
			"Year":    int64(d.Year()),
			"Quarter": quarterOf(d),
		}
	}
	return rows, nil
}

func registerSalesFact() {
	core.RegisterFact(core.FactPlan{
		Table:      "FactSales",
		NaturalKey: "InvoiceLineId",
		Source:     "InvoiceLine",
		SourceKey:  "InvoiceLineId",
		Columns:    cols("Quantity", "UnitPrice"),
		Lookups: []core.Lookup{
			{Relation: "Invoice", On: "InvoiceId", Key: "InvoiceId", Columns: []string{"InvoiceDate", "CustomerId"}},
			{Relation: "Track", On: "TrackId", Key: "TrackId", Columns: []string{"AlbumId", "GenreId", "MediaTypeId"}},
			{Relation: "Customer", On: "CustomerId", Key: "CustomerId", Columns: []string{"SupportRepId"}},
		},
		Keys: []core.FactKey{
			{Column: "DateKey", Entity: "Date", From: "InvoiceDate", Convert: calendarDate},
			{Column: "CustomerKey", Entity: "Customer", From: "CustomerId"},
			{Column: "TrackKey", Entity: "Track", From: "TrackId"},
			{Column: "AlbumKey", Entity: "Album", From: "AlbumId"},
			{Column: "GenreKey", Entity: "Genre", From: "GenreId"},
			{Column: "MediaTypeKey", Entity: "MediaType", From: "MediaTypeId"},
			{Column: "EmployeeKey", Entity: "Employee", From: "SupportRepId"},
		},
		Measures: []core.Measure{
			{Column: "TotalAmount", Compute: totalAmount},
		},
	})
}

// totalAmount is Quantity × UnitPrice, exact.
func totalAmount(row core.Row) (any, error) {
	return core.Product(row["Quantity"], row["UnitPrice"])
}
