package mssql

import (
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	mssqldb "github.com/microsoft/go-mssqldb"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/ChinookDW/internal/core"
)

func TestDialect(t *testing.T) {
	d := Dialect{}
	assert.Equal(t, "sqlserver", d.Name())
	assert.Equal(t, "[DimArtist]", d.QuoteIdent("DimArtist"))
	assert.Equal(t, "[a]]b]", d.QuoteIdent("a]b"))
	assert.Equal(t, "@p2", d.Placeholder(2))
	assert.Equal(t, "LIKE", d.Like(true))
	assert.Equal(t, "CAST(x AS NVARCHAR(4000))", d.CastText("x"))
}

func TestLimit(t *testing.T) {
	d := Dialect{}
	tests := []struct {
		in, want string
	}{
		{"SELECT a FROM t ORDER BY a", "SELECT TOP (10) a FROM t ORDER BY a"},
		{"  select a FROM t", "SELECT TOP (10) a FROM t"},
		{"WITH x AS (SELECT 1) SELECT * FROM x", "WITH x AS (SELECT 1) SELECT * FROM x"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, d.Limit(tt.in, 10))
	}
}

func TestBuildFactQuerySQLServer(t *testing.T) {
	fact := core.FactPlan{
		Table: "FactSales", NaturalKey: "InvoiceLineId",
		Keys:     []core.FactKey{{Column: "GenreKey", Entity: "Genre"}},
		Measures: []core.Measure{{Column: "TotalAmount"}},
	}
	genre := core.DimensionPlan{Entity: "Genre", Table: "DimGenre", SurrogateKey: "GenreKey", NaturalKey: "GenreId",
		Columns: []core.ColumnMap{{Target: "Name", Source: "Name"}}}

	query, args, _, err := core.BuildFactQuery(Dialect{}, fact, []core.DimensionPlan{genre}, core.FactQuery{
		GroupBy: []string{"Genre.Name"},
		Select:  []string{"sum(TotalAmount)"},
		Filters: []core.QueryFilter{{Column: "Genre.Name", Op: core.OpStartsWith, Value: "Ro"}},
	}, 25)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(query, "SELECT TOP (25) d0.[Name] AS [Genre.Name]"), query)
	assert.Contains(t, query, "WHERE CAST(d0.[Name] AS NVARCHAR(4000)) LIKE @p1")
	assert.Equal(t, []any{"Ro%"}, args)
}

func TestInsertStatement(t *testing.T) {
	query, args := insertStatement("DimGenre", []string{"GenreId", "Name"}, [][]any{
		{int64(1), "Rock"},
		{int64(2), nil},
	})
	assert.Equal(t, "INSERT INTO [DimGenre] ([GenreId], [Name]) VALUES (@p1, @p2), (@p3, @p4)", query)
	require.Len(t, args, 4)

	first, ok := args[0].(sql.NamedArg)
	require.True(t, ok)
	assert.Equal(t, "p1", first.Name)
	assert.Equal(t, int64(1), first.Value)
	assert.Nil(t, args[3].(sql.NamedArg).Value)
}

func TestRowsPerStatement(t *testing.T) {
	assert.Equal(t, 1000, rowsPerStatement(1))
	assert.Equal(t, 1000, rowsPerStatement(2))
	assert.Equal(t, 166, rowsPerStatement(12))
	assert.Equal(t, 1, rowsPerStatement(5000))
	assert.Equal(t, 1000, rowsPerStatement(0))
}

func TestNormalize(t *testing.T) {
	d, ok := normalize([]byte("0.99"), "DECIMAL").(decimal.Decimal)
	require.True(t, ok)
	assert.Equal(t, "0.99", d.String())

	assert.Equal(t, "AC/DC", normalize([]byte("AC/DC"), "NVARCHAR"))
	assert.Equal(t, []byte{1, 2}, normalize([]byte{1, 2}, "VARBINARY"))
	assert.Equal(t, int64(5), normalize(int32(5), "INT"))
	assert.Equal(t, int64(5), normalize(uint8(5), "TINYINT"))

	ts := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, ts, normalize(ts, "DATETIME"))
	assert.Nil(t, normalize(nil, "INT"))
}

func TestSchemaError(t *testing.T) {
	err := schemaError("Artist", mssqldb.Error{Number: 208, Message: "Invalid object name 'Artist'."})
	assert.ErrorIs(t, err, core.ErrUnknownTable)

	err = schemaError("Artist", mssqldb.Error{Number: 207, Message: "Invalid column name 'Nme'."})
	assert.ErrorIs(t, err, core.ErrUnknownColumn)

	err = schemaError("Artist", errors.New("login failed"))
	assert.False(t, core.IsConfigurationError(err))
}

func TestSplitBatches(t *testing.T) {
	batches := splitBatches("-- header\n\nCREATE TABLE a (x INT);\nGO\n\ngo\nCREATE TABLE b (y INT);\n")
	assert.Equal(t, []string{"-- header\n\nCREATE TABLE a (x INT);", "CREATE TABLE b (y INT);"}, batches)

	assert.Empty(t, splitBatches("-- only a comment\nGO\n"))
}

func TestSchemaScript(t *testing.T) {
	batches := splitBatches(schemaScript)
	require.NotEmpty(t, batches)

	def := strings.Join(batches, "\n")
	for _, table := range []string{"DimArtist", "DimDate", "FactSales", "stg_InvoiceLine", "stg_PlaylistTrack"} {
		assert.Contains(t, def, "[dbo].["+table+"]")
	}
	assert.Regexp(t, `\[SalesKey\]\s+BIGINT IDENTITY\(1,1\) PRIMARY KEY`, def)
}
