package core_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/ChinookDW/internal/core"
	_ "github.com/JonMunkholm/ChinookDW/internal/core/tables"
	"github.com/JonMunkholm/ChinookDW/internal/store/memory"
)

func day(d int) time.Time { return time.Date(2009, 1, d, 0, 0, 0, 0, time.UTC) }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// seedSource loads a small Chinook extract with one instance of every
// defect the rules handle.
func seedSource(t *testing.T, def core.Definition) *memory.Store {
	t.Helper()
	src := memory.New()

	put := func(name string, rows ...core.Row) {
		spec, ok := def.Table(name)
		require.True(t, ok, "source table %s not registered", name)
		src.Put(&core.Table{Name: name, Columns: spec.Columns, Rows: rows})
	}

	put("Artist",
		core.Row{"ArtistId": int64(1), "Name": "AC/DC"},
		core.Row{"ArtistId": int64(2), "Name": "Accept"},
		core.Row{"ArtistId": int64(1), "Name": "AC/DC duplicate"},
	)
	put("Album",
		core.Row{"AlbumId": int64(1), "Title": "For Those About To Rock", "ArtistId": int64(1)},
		core.Row{"AlbumId": int64(2), "Title": nil, "ArtistId": int64(2)},
		core.Row{"AlbumId": int64(3), "Title": "Orphan", "ArtistId": int64(99)},
	)
	put("Genre", core.Row{"GenreId": int64(1), "Name": "Rock"})
	put("MediaType", core.Row{"MediaTypeId": int64(1), "Name": "MPEG audio file"})
	put("Track",
		core.Row{"TrackId": int64(1), "Name": " For Those About To Rock ", "AlbumId": int64(1), "GenreId": int64(1), "MediaTypeId": int64(1), "Milliseconds": int64(343719), "UnitPrice": dec("0.99")},
		core.Row{"TrackId": int64(2), "Name": "Balls to the Wall", "AlbumId": int64(2), "GenreId": int64(1), "MediaTypeId": int64(1), "Milliseconds": int64(342562), "UnitPrice": dec("0.99")},
		core.Row{"TrackId": int64(3), "Name": "Silence", "AlbumId": int64(1), "GenreId": int64(1), "MediaTypeId": int64(1), "Milliseconds": int64(0), "UnitPrice": dec("0.99")},
		core.Row{"TrackId": int64(4), "Name": "Lost", "AlbumId": int64(3), "GenreId": int64(1), "MediaTypeId": int64(1), "Milliseconds": int64(1000), "UnitPrice": dec("0.99")},
	)
	put("Playlist", core.Row{"PlaylistId": int64(1), "Name": "Music"})
	put("PlaylistTrack",
		core.Row{"PlaylistId": int64(1), "TrackId": int64(1)},
		core.Row{"PlaylistId": int64(1), "TrackId": int64(1)},
		core.Row{"PlaylistId": int64(2), "TrackId": int64(2)},
	)
	put("Employee",
		core.Row{"EmployeeId": int64(1), "FirstName": "andrew", "LastName": "ADAMS", "City": "edmonton", "Country": "Canada", "Email": "Andrew@ChinookCorp.com"},
		core.Row{"EmployeeId": int64(2), "FirstName": "Nancy", "LastName": "Edwards", "Country": "Canada", "Email": "nancy-at-chinook"},
	)
	put("Customer",
		core.Row{"CustomerId": int64(1), "FirstName": "Luís", "LastName": "Gonçalves", "Country": "United States", "State": "California", "Email": " LUIS@embraer.com.br", "SupportRepId": int64(1)},
		core.Row{"CustomerId": int64(2), "FirstName": "Leonie", "LastName": "Köhler", "Country": "Germany", "Email": nil, "SupportRepId": int64(2)},
		core.Row{"CustomerId": int64(3), "FirstName": "Ghost", "LastName": "Rep", "Country": "USA", "Email": "ghost@example.com", "SupportRepId": int64(99)},
	)
	put("Invoice",
		core.Row{"InvoiceId": int64(1), "CustomerId": int64(1), "InvoiceDate": day(1), "BillingCountry": "US", "Total": dec("5.49")},
		core.Row{"InvoiceId": int64(2), "CustomerId": int64(2), "InvoiceDate": day(2), "BillingCountry": "Germany", "Total": dec("0.99")},
		core.Row{"InvoiceId": int64(3), "CustomerId": int64(3), "InvoiceDate": day(3), "BillingCountry": "USA", "Total": dec("0.99")},
	)
	put("InvoiceLine",
		core.Row{"InvoiceLineId": int64(1), "InvoiceId": int64(1), "TrackId": int64(1), "UnitPrice": dec("0.99"), "Quantity": int64(1)},
		core.Row{"InvoiceLineId": int64(2), "InvoiceId": int64(1), "TrackId": int64(2), "UnitPrice": dec("1.50"), "Quantity": int64(3)},
		core.Row{"InvoiceLineId": int64(3), "InvoiceId": int64(2), "TrackId": int64(3), "UnitPrice": dec("0.99"), "Quantity": int64(1)},
		core.Row{"InvoiceLineId": int64(4), "InvoiceId": int64(3), "TrackId": int64(1), "UnitPrice": dec("0.99"), "Quantity": int64(1)},
		core.Row{"InvoiceLineId": int64(5), "InvoiceId": int64(2), "TrackId": int64(1), "UnitPrice": dec("0.99"), "Quantity": int64(0)},
		core.Row{"InvoiceLineId": int64(1), "InvoiceId": int64(1), "TrackId": int64(1), "UnitPrice": dec("0.99"), "Quantity": int64(1)},
	)
	return src
}

type fixture struct {
	def core.Definition
	src *memory.Store
	dst *memory.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	def, err := core.DefaultDefinition()
	require.NoError(t, err)

	dst := memory.New()
	dst.DefineStar(def)
	return &fixture{def: def, src: seedSource(t, def), dst: dst}
}

func (f *fixture) pipeline(opts core.Options) *core.Pipeline {
	return core.NewPipeline(f.src, f.dst, f.def, opts)
}

func (f *fixture) counts() map[string]int {
	out := make(map[string]int)
	for _, p := range f.def.Dimensions {
		out[p.Table] = f.dst.Count(p.Table)
	}
	out[f.def.Fact.Table] = f.dst.Count(f.def.Fact.Table)
	return out
}

var wantCounts = map[string]int{
	"DimArtist":    2,
	"DimAlbum":     2,
	"DimGenre":     1,
	"DimMediaType": 1,
	"DimTrack":     2,
	"DimEmployee":  2,
	"DimCustomer":  2,
	"DimDate":      2,
	"FactSales":    3,
}

func factByLine(f *fixture) map[int64]core.Row {
	out := make(map[int64]core.Row)
	for _, r := range f.dst.Rows("FactSales") {
		out[r["InvoiceLineId"].(int64)] = r
	}
	return out
}

func rowBy(rows []core.Row, column string, value any) core.Row {
	for _, r := range rows {
		if r[column] == value {
			return r
		}
	}
	return nil
}

func TestPipeline_InitialLoad(t *testing.T) {
	f := newFixture(t)

	report, err := f.pipeline(core.Options{}).Run(context.Background(), core.ModeIncremental)
	require.NoError(t, err)

	assert.Equal(t, core.StatusOK, report.Status)
	assert.Equal(t, wantCounts, f.counts())

	var stages []core.Stage
	for _, s := range report.Stages {
		stages = append(stages, s.Stage)
	}
	assert.Equal(t, []core.Stage{core.StageValidate, core.StageCleanse, core.StageDimensions, core.StageKeyMapping, core.StageFacts}, stages)
	assert.Equal(t, int64(3), report.Facts.Inserted)
	assert.Equal(t, int64(2), report.Inserted("Artist"))
}

func TestPipeline_TotalAmountIsExact(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline(core.Options{}).Run(context.Background(), core.ModeIncremental)
	require.NoError(t, err)

	total, ok := factByLine(f)[2]["TotalAmount"].(decimal.Decimal)
	require.True(t, ok)
	assert.Equal(t, "4.5", total.String())
	assert.True(t, total.Equal(dec("4.50")))
}

func TestPipeline_CleansedValues(t *testing.T) {
	f := newFixture(t)
	report, err := f.pipeline(core.Options{}).Run(context.Background(), core.ModeIncremental)
	require.NoError(t, err)

	customers := f.dst.Rows("DimCustomer")
	luis := rowBy(customers, "CustomerId", int64(1))
	require.NotNil(t, luis)
	assert.Equal(t, "luis@embraer.com.br", luis["Email"])
	assert.Equal(t, "USA", luis["Country"])
	assert.Equal(t, "CA", luis["State"])

	leonie := rowBy(customers, "CustomerId", int64(2))
	require.NotNil(t, leonie)
	assert.Equal(t, "unknown", leonie["Email"])

	employees := f.dst.Rows("DimEmployee")
	adams := rowBy(employees, "EmployeeId", int64(1))
	assert.Equal(t, "Andrew", adams["FirstName"])
	assert.Equal(t, "Adams", adams["LastName"])
	assert.Equal(t, "Edmonton", adams["City"])

	album := rowBy(f.dst.Rows("DimAlbum"), "AlbumId", int64(2))
	assert.Equal(t, "Unknown", album["Title"])

	track := rowBy(f.dst.Rows("DimTrack"), "TrackId", int64(1))
	assert.Equal(t, "For Those About To Rock", track["Name"])

	removed := make(map[string]int)
	for _, rm := range report.Removals {
		removed[rm.Table] += rm.Count
	}
	assert.Equal(t, 1, removed["Artist"], "duplicate artist")
	assert.Equal(t, 3, removed["InvoiceLine"], "duplicate line, orphan invoice, zero quantity")
	assert.Equal(t, 2, removed["Track"], "zero duration and orphan album")
}

func TestPipeline_DimensionKeysResolve(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline(core.Options{}).Run(context.Background(), core.ModeIncremental)
	require.NoError(t, err)

	artists := f.dst.Rows("DimArtist")
	albums := f.dst.Rows("DimAlbum")
	tracks := f.dst.Rows("DimTrack")

	acdc := rowBy(artists, "ArtistId", int64(1))
	album := rowBy(albums, "AlbumId", int64(1))
	assert.Equal(t, acdc["ArtistKey"], album["ArtistKey"])

	track := rowBy(tracks, "TrackId", int64(1))
	assert.Equal(t, album["AlbumKey"], track["AlbumKey"])

	line := factByLine(f)[1]
	assert.Equal(t, track["TrackKey"], line["TrackKey"])
	assert.Equal(t, album["AlbumKey"], line["AlbumKey"])
	assert.NotNil(t, line["DateKey"])
	assert.NotNil(t, line["EmployeeKey"])

	luis := rowBy(f.dst.Rows("DimCustomer"), "CustomerId", int64(1))
	adams := rowBy(f.dst.Rows("DimEmployee"), "EmployeeId", int64(1))
	assert.Equal(t, adams["EmployeeKey"], luis["SupportRepKey"])
	assert.Equal(t, luis["CustomerKey"], line["CustomerKey"])
}

func TestPipeline_ReferentialGapIsNotFatal(t *testing.T) {
	f := newFixture(t)
	report, err := f.pipeline(core.Options{}).Run(context.Background(), core.ModeIncremental)
	require.NoError(t, err)

	// Line 3 survived cleansing but its track was removed for a zero duration.
	line := factByLine(f)[3]
	require.NotNil(t, line)
	assert.Nil(t, line["TrackKey"])
	assert.Nil(t, line["AlbumKey"])
	assert.NotNil(t, line["CustomerKey"])

	var trackGap *core.ReferentialGap
	for i, g := range report.Gaps {
		if g.Table == "FactSales" && g.Column == "TrackKey" {
			trackGap = &report.Gaps[i]
		}
	}
	require.NotNil(t, trackGap)
	assert.Equal(t, "3", trackGap.NaturalKey)
	assert.Equal(t, "3", trackGap.Value)
	assert.Equal(t, len(report.Gaps), report.GapCount)
}

func TestPipeline_IncrementalRerunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(core.Options{})

	_, err := p.Run(context.Background(), core.ModeIncremental)
	require.NoError(t, err)
	before := f.dst.Rows("DimArtist")

	report, err := p.Run(context.Background(), core.ModeIncremental)
	require.NoError(t, err)

	assert.Zero(t, report.TotalInserted())
	assert.Equal(t, wantCounts, f.counts())
	assert.Equal(t, before, f.dst.Rows("DimArtist"), "surrogate keys are stable")
}

func TestPipeline_IncrementalAppendsNewRows(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(core.Options{})

	_, err := p.Run(context.Background(), core.ModeIncremental)
	require.NoError(t, err)

	f.src.Append("Artist", core.Row{"ArtistId": int64(3), "Name": "Aerosmith"})
	f.src.Append("InvoiceLine", core.Row{"InvoiceLineId": int64(7), "InvoiceId": int64(2), "TrackId": int64(2), "UnitPrice": dec("0.99"), "Quantity": int64(2)})

	report, err := p.Run(context.Background(), core.ModeIncremental)
	require.NoError(t, err)

	assert.Equal(t, int64(1), report.Inserted("Artist"))
	assert.Equal(t, int64(1), report.Facts.Inserted)
	assert.Equal(t, 3, f.dst.Count("DimArtist"))
	assert.Equal(t, 4, f.dst.Count("FactSales"))
}

func TestPipeline_ResetThenIncrementalAddsDependentRows(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(core.Options{})

	_, err := p.Run(context.Background(), core.ModeReset)
	require.NoError(t, err)
	require.Equal(t, wantCounts, f.counts())
	before := f.counts()

	f.src.Append("Artist", core.Row{"ArtistId": int64(3), "Name": "Aerosmith"})
	f.src.Append("Album", core.Row{"AlbumId": int64(4), "Title": "Big Ones", "ArtistId": int64(3)})

	report, err := p.Run(context.Background(), core.ModeIncremental)
	require.NoError(t, err)

	_, ran := report.StageResult(core.StageReset)
	assert.False(t, ran)
	assert.Equal(t, int64(1), report.Inserted("Artist"))
	assert.Equal(t, int64(1), report.Inserted("Album"))
	assert.Equal(t, int64(2), report.TotalInserted(), "no other dimension or fact rows")

	after := f.counts()
	for table, n := range before {
		want := n
		if table == "DimArtist" || table == "DimAlbum" {
			want++
		}
		assert.Equal(t, want, after[table], table)
	}

	artist := rowBy(f.dst.Rows("DimArtist"), "ArtistId", int64(3))
	album := rowBy(f.dst.Rows("DimAlbum"), "AlbumId", int64(4))
	require.NotNil(t, artist)
	require.NotNil(t, album)
	require.NotNil(t, album["ArtistKey"], "parent key resolved within the same run")
	assert.Equal(t, artist["ArtistKey"], album["ArtistKey"])
}

func TestPipeline_ResetReloads(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(core.Options{})

	_, err := p.Run(context.Background(), core.ModeIncremental)
	require.NoError(t, err)
	first := rowBy(f.dst.Rows("DimArtist"), "ArtistId", int64(1))["ArtistKey"].(int64)

	report, err := p.Run(context.Background(), core.ModeReset)
	require.NoError(t, err)

	_, ran := report.StageResult(core.StageReset)
	assert.True(t, ran)
	assert.Equal(t, wantCounts, f.counts())

	second := rowBy(f.dst.Rows("DimArtist"), "ArtistId", int64(1))["ArtistKey"].(int64)
	assert.Greater(t, second, first, "identity sequences are not restarted")

	line := factByLine(f)[1]
	assert.Equal(t, rowBy(f.dst.Rows("DimTrack"), "TrackId", int64(1))["TrackKey"], line["TrackKey"])
}

func TestPipeline_ConfigurationErrorWritesNothing(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(core.Options{})
	_, err := p.Run(context.Background(), core.ModeIncremental)
	require.NoError(t, err)

	bad := f.def.WithRules(core.Rule{Table: "Track", Kind: core.KindTrim, Columns: []string{"Lyrics"}})
	report, err := core.NewPipeline(f.src, f.dst, bad, core.Options{}).Run(context.Background(), core.ModeReset)
	require.Error(t, err)

	assert.True(t, core.IsConfigurationError(err))
	var se *core.StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, core.StageValidate, se.Stage)
	assert.Equal(t, core.StatusFailed, report.Status)

	assert.Equal(t, wantCounts, f.counts(), "reset must not run after a configuration error")
}

func TestPipeline_DependencyCycleIsConfigurationError(t *testing.T) {
	f := newFixture(t)
	def := f.def
	def.Dimensions = append([]core.DimensionPlan(nil), def.Dimensions...)
	for i, p := range def.Dimensions {
		if p.Entity == "Artist" {
			def.Dimensions[i].DependsOn = []string{"Track"}
		}
	}

	_, err := core.NewPipeline(f.src, f.dst, def, core.Options{}).Run(context.Background(), core.ModeIncremental)
	require.Error(t, err)
	assert.True(t, core.IsConfigurationError(err))
	assert.Contains(t, err.Error(), "cycle")
	assert.Zero(t, f.dst.InsertCalls("DimArtist"))
}

func TestPipeline_ParallelMatchesSequential(t *testing.T) {
	seq := newFixture(t)
	_, err := seq.pipeline(core.Options{}).Run(context.Background(), core.ModeIncremental)
	require.NoError(t, err)

	par := newFixture(t)
	report, err := par.pipeline(core.Options{Parallel: true, BatchSize: 1}).Run(context.Background(), core.ModeIncremental)
	require.NoError(t, err)

	assert.Equal(t, seq.counts(), par.counts())

	var entities []string
	for _, d := range report.Dimensions {
		entities = append(entities, d.Entity)
	}
	assert.Equal(t, "Track", entities[len(entities)-1], "results are reported in load order")

	total := factByLine(par)[2]["TotalAmount"].(decimal.Decimal)
	assert.True(t, total.Equal(dec("4.50")))
}

func TestPipeline_DimensionFailureReturnsPartialReport(t *testing.T) {
	f := newFixture(t)
	f.dst.FailInsert("DimTrack", errors.New("disk full"))

	report, err := f.pipeline(core.Options{Parallel: true}).Run(context.Background(), core.ModeIncremental)
	require.Error(t, err)

	var se *core.StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, core.StageDimensions, se.Stage)
	assert.Same(t, report, se.Report)
	assert.Equal(t, core.StatusFailed, report.Status)

	st, ok := report.StageResult(core.StageDimensions)
	require.True(t, ok)
	assert.Equal(t, core.StatusFailed, st.Status)
	_, ok = report.StageResult(core.StageFacts)
	assert.False(t, ok)

	// Earlier waves committed; the failed dimension rolled back.
	assert.Equal(t, 2, f.dst.Count("DimArtist"))
	assert.Equal(t, 2, f.dst.Count("DimAlbum"))
	assert.Zero(t, f.dst.Count("DimTrack"))
	assert.Zero(t, f.dst.Count("FactSales"))

	// A rerun completes from where the failure left the store.
	f.dst.FailInsert("DimTrack", nil)
	report, err = f.pipeline(core.Options{}).Run(context.Background(), core.ModeIncremental)
	require.NoError(t, err)
	assert.Zero(t, report.Inserted("Artist"))
	assert.Equal(t, int64(2), report.Inserted("Track"))
	assert.Equal(t, wantCounts, f.counts())
}

func TestPipeline_TargetUnreachable(t *testing.T) {
	f := newFixture(t)
	f.dst.SetPingError(errors.New("dial tcp 10.0.0.1:5432: connect: connection refused"))

	_, err := f.pipeline(core.Options{}).Run(context.Background(), core.ModeIncremental)
	require.Error(t, err)
	assert.True(t, core.IsConnectivityError(err))

	var se *core.StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, core.StageValidate, se.Stage)
}

func TestPipeline_Staging(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline(core.Options{Staging: true}).Run(context.Background(), core.ModeIncremental)
	require.NoError(t, err)

	assert.Equal(t, 2, f.dst.Count("stg_Artist"))
	assert.Equal(t, 1, f.dst.Count("stg_PlaylistTrack"), "duplicate and orphan playlist rows removed")

	_, err = f.pipeline(core.Options{Staging: true}).Run(context.Background(), core.ModeIncremental)
	require.NoError(t, err)
	assert.Equal(t, 2, f.dst.Count("stg_Artist"), "staging is rewritten, not appended")
}

func TestPipeline_GapSample(t *testing.T) {
	f := newFixture(t)
	report, err := f.pipeline(core.Options{GapSample: 1}).Run(context.Background(), core.ModeIncremental)
	require.NoError(t, err)

	assert.Len(t, report.Gaps, 1)
	assert.Greater(t, report.GapCount, 1)
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    core.Mode
		wantErr bool
	}{
		{"RESET", core.ModeReset, false},
		{" incremental ", core.ModeIncremental, false},
		{"", core.ModeIncremental, false},
		{"full", "", true},
	}
	for _, tt := range tests {
		got, err := core.ParseMode(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestConfirmMode(t *testing.T) {
	assert.NoError(t, core.ConfirmMode(core.ModeIncremental, ""))
	assert.NoError(t, core.ConfirmMode(core.ModeReset, "RESET"))

	err := core.ConfirmMode(core.ModeReset, "reset")
	assert.ErrorIs(t, err, core.ErrConfirmationRequired)
	assert.Equal(t, "RUN005", core.MapError(err).Code)
}
