package tables

import "github.com/JonMunkholm/ChinookDW/internal/core"

func init() {
	registerEmployee()
	registerCustomer()
}

func registerEmployee() {
	registerSource("Employee", []string{"EmployeeId"},
		"EmployeeId", "LastName", "FirstName", "Title", "ReportsTo",
		"BirthDate", "HireDate", "Address", "City", "State", "Country",
		"PostalCode", "Phone", "Fax", "Email",
	)

	core.RegisterRule(
		notNull("Employee", "LastName", "FirstName"),
		trim("Employee", "LastName", "FirstName", "Title", "Address", "City", "State", "Country", "Phone", "Fax", "Email"),
		titleCase("Employee", "LastName", "FirstName", "City"),
		lowerCase("Employee", "Email"),
		email("Employee", "Email", nil),
		normalize("Employee", CountryVariants, "Country"),
		normalize("Employee", StateVariants(), "State"),
	)

	core.RegisterDimension(core.DimensionPlan{
		Entity:       "Employee",
		Table:        "DimEmployee",
		SurrogateKey: "EmployeeKey",
		NaturalKey:   "EmployeeId",
		Source:       "Employee",
		SourceKey:    "EmployeeId",
		Columns:      cols("FirstName", "LastName", "Title", "ReportsTo", "HireDate", "City", "Country"),
	})
}

func registerCustomer() {
	registerSource("Customer", []string{"CustomerId"},
		"CustomerId", "FirstName", "LastName", "Company", "Address", "City",
		"State", "Country", "PostalCode", "Phone", "Fax", "Email", "SupportRepId",
	)

	core.RegisterRule(
		notNull("Customer", "FirstName", "LastName"),
		notNullAs("Customer", UnknownEmail, "Email"),
		fk("Customer", "SupportRepId", "Employee", "EmployeeId"),
		trim("Customer", "FirstName", "LastName", "Company", "Address", "City", "State", "Country", "Phone", "Fax", "Email"),
		titleCase("Customer", "FirstName", "LastName", "City"),
		lowerCase("Customer", "Email"),
		email("Customer", "Email", UnknownEmail),
		normalize("Customer", CountryVariants, "Country"),
		normalize("Customer", StateVariants(), "State"),
	)

	core.RegisterDimension(core.DimensionPlan{
		Entity:       "Customer",
		Table:        "DimCustomer",
		SurrogateKey: "CustomerKey",
		NaturalKey:   "CustomerId",
		Source:       "Customer",
		SourceKey:    "CustomerId",
		Columns: cols("FirstName", "LastName", "Company", "Address", "City",
			"State", "Country", "PostalCode", "Email"),
		Parents: []core.ParentRef{
			{Column: "SupportRepKey", Entity: "Employee", SourceColumn: "SupportRepId"},
		},
		DependsOn: []string{"Employee"},
	})
}
