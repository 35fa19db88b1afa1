//go:build integration

package postgres

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/JonMunkholm/ChinookDW/internal/core"
	_ "github.com/JonMunkholm/ChinookDW/internal/core/tables"
	"github.com/JonMunkholm/ChinookDW/internal/store/memory"
)

var (
	sharedURL     string
	sharedURLOnce sync.Once
	sharedURLErr  error
)

// containerURL starts one Postgres container for the whole test binary.
func containerURL(t *testing.T) string {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode (requires Docker)")
	}

	sharedURLOnce.Do(func() {
		ctx := context.Background()
		req := testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_DB":       "chinook_dw",
				"POSTGRES_USER":     "etl",
				"POSTGRES_PASSWORD": "etl",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		}
		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		if err != nil {
			sharedURLErr = fmt.Errorf("start postgres container: %w", err)
			return
		}
		host, err := container.Host(ctx)
		if err != nil {
			sharedURLErr = err
			return
		}
		port, err := container.MappedPort(ctx, "5432")
		if err != nil {
			sharedURLErr = err
			return
		}
		sharedURL = fmt.Sprintf("postgres://etl:etl@%s:%s/chinook_dw?sslmode=disable", host, port.Port())
	})

	if sharedURLErr != nil {
		t.Fatalf("setup postgres: %v", sharedURLErr)
	}
	return sharedURL
}

func openMigrated(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	s, err := Open(ctx, Config{URL: containerURL(t), MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(s.Close)

	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx), "migrations are idempotent")
	return s
}

func seed(t *testing.T, def core.Definition) *memory.Store {
	t.Helper()
	src := memory.New()
	put := func(name string, rows ...core.Row) {
		spec, ok := def.Table(name)
		require.True(t, ok)
		src.Put(&core.Table{Name: name, Columns: spec.Columns, Rows: rows})
	}
	price := decimal.RequireFromString("0.99")

	put("Artist", core.Row{"ArtistId": int64(1), "Name": "AC/DC"})
	put("Album", core.Row{"AlbumId": int64(1), "Title": "For Those About To Rock", "ArtistId": int64(1)})
	put("Genre", core.Row{"GenreId": int64(1), "Name": "Rock"})
	put("MediaType", core.Row{"MediaTypeId": int64(1), "Name": "MPEG audio file"})
	put("Track",
		core.Row{"TrackId": int64(1), "Name": "Let There Be Rock", "AlbumId": int64(1), "GenreId": int64(1), "MediaTypeId": int64(1), "Milliseconds": int64(343719), "UnitPrice": price},
		core.Row{"TrackId": int64(2), "Name": "Jailbreak", "AlbumId": int64(1), "GenreId": int64(1), "MediaTypeId": int64(1), "Milliseconds": "276000", "UnitPrice": "0.99"},
	)
	put("Playlist", core.Row{"PlaylistId": int64(1), "Name": "Music"})
	put("PlaylistTrack", core.Row{"PlaylistId": int64(1), "TrackId": int64(1)})
	put("Employee", core.Row{"EmployeeId": int64(1), "FirstName": "Andrew", "LastName": "Adams", "Country": "Canada", "Email": "andrew@chinookcorp.com"})
	put("Customer", core.Row{"CustomerId": int64(1), "FirstName": "Luís", "LastName": "Gonçalves", "Country": "Brazil", "Email": "luisg@embraer.com.br", "SupportRepId": int64(1)})
	put("Invoice", core.Row{"InvoiceId": int64(1), "CustomerId": int64(1), "InvoiceDate": "2021-01-01 00:00:00", "Total": "3.96"})
	put("InvoiceLine",
		core.Row{"InvoiceLineId": int64(1), "InvoiceId": int64(1), "TrackId": int64(1), "UnitPrice": price, "Quantity": int64(1)},
		core.Row{"InvoiceLineId": int64(2), "InvoiceId": int64(1), "TrackId": int64(2), "UnitPrice": "1.50", "Quantity": "3"},
	)
	return src
}

func TestPipelineAgainstPostgres(t *testing.T) {
	ctx := context.Background()
	dst := openMigrated(t)

	def, err := core.DefaultDefinition()
	require.NoError(t, err)
	p := core.NewPipeline(seed(t, def), dst, def, core.Options{Parallel: true, Staging: true})

	report, err := p.Run(ctx, core.ModeReset)
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.Facts.Inserted)

	_, rows, err := dst.Select(ctx, `SELECT "TotalAmount" FROM "FactSales" WHERE "InvoiceLineId" = $1`, 2)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0][0].(decimal.Decimal).Equal(decimal.RequireFromString("4.50")))

	again, err := p.Run(ctx, core.ModeIncremental)
	require.NoError(t, err)
	assert.Zero(t, again.TotalInserted())

	res, err := core.RunFactQuery(ctx, dst, def, core.FactQuery{
		Select: []string{"Genre.Name", "sum(TotalAmount)"},
	}, 100)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "Rock", res.Rows[0][0])

	var buf bytes.Buffer
	n, err := core.ExportFacts(ctx, dst, def.Fact, &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.True(t, strings.HasPrefix(buf.String(), "InvoiceLineId,"))

	_, staged, err := dst.Select(ctx, `SELECT COUNT(*) FROM "stg_InvoiceLine"`)
	require.NoError(t, err)
	assert.Equal(t, int64(2), staged[0][0])
}

func TestResetKeepsIdentityIncreasing(t *testing.T) {
	ctx := context.Background()
	dst := openMigrated(t)

	def, err := core.DefaultDefinition()
	require.NoError(t, err)
	p := core.NewPipeline(seed(t, def), dst, def, core.Options{})

	_, err = p.Run(ctx, core.ModeReset)
	require.NoError(t, err)
	_, before, err := dst.Select(ctx, `SELECT MAX("ArtistKey") FROM "DimArtist"`)
	require.NoError(t, err)

	_, err = p.Run(ctx, core.ModeReset)
	require.NoError(t, err)
	_, after, err := dst.Select(ctx, `SELECT MIN("ArtistKey") FROM "DimArtist"`)
	require.NoError(t, err)

	assert.Greater(t, after[0][0].(int64), before[0][0].(int64))
}

func TestReadTableUnknown(t *testing.T) {
	dst := openMigrated(t)

	_, err := dst.ReadTable(context.Background(), core.SourceTable{Name: "NoSuchTable", Columns: []string{"Id"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrUnknownTable)
}
