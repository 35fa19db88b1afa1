package tables

import "github.com/JonMunkholm/ChinookDW/internal/core"

func init() {
	registerArtist()
	registerAlbum()
	registerGenre()
	registerMediaType()
	registerTrack()
	registerPlaylists()
}

func registerArtist() {
	registerSource("Artist", []string{"ArtistId"}, "ArtistId", "Name")

	core.RegisterDimension(core.DimensionPlan{
		Entity:       "Artist",
		Table:        "DimArtist",
		SurrogateKey: "ArtistKey",
		NaturalKey:   "ArtistId",
		Source:       "Artist",
		SourceKey:    "ArtistId",
		Columns:      cols("Name"),
	})
}

func registerAlbum() {
	registerSource("Album", []string{"AlbumId"}, "AlbumId", "Title", "ArtistId")

	core.RegisterRule(
		notNull("Album", "Title"),
		fk("Album", "ArtistId", "Artist", "ArtistId"),
	)

	core.RegisterDimension(core.DimensionPlan{
		Entity:       "Album",
		Table:        "DimAlbum",
		SurrogateKey: "AlbumKey",
		NaturalKey:   "AlbumId",
		Source:       "Album",
		SourceKey:    "AlbumId",
		Columns:      cols("Title"),
		Parents: []core.ParentRef{
			{Column: "ArtistKey", Entity: "Artist", SourceColumn: "ArtistId"},
		},
		DependsOn: []string{"Artist"},
	})
}

func registerGenre() {
	registerSource("Genre", []string{"GenreId"}, "GenreId", "Name")

	core.RegisterDimension(core.DimensionPlan{
		Entity:       "Genre",
		Table:        "DimGenre",
		SurrogateKey: "GenreKey",
		NaturalKey:   "GenreId",
		Source:       "Genre",
		SourceKey:    "GenreId",
		Columns:      cols("Name"),
	})
}

func registerMediaType() {
	registerSource("MediaType", []string{"MediaTypeId"}, "MediaTypeId", "Name")

	core.RegisterDimension(core.DimensionPlan{
		Entity:       "MediaType",
		Table:        "DimMediaType",
		SurrogateKey: "MediaTypeKey",
		NaturalKey:   "MediaTypeId",
		Source:       "MediaType",
		SourceKey:    "MediaTypeId",
		Columns:      cols("Name"),
	})
}

func registerTrack() {
	registerSource("Track", []string{"TrackId"},
		"TrackId", "Name", "AlbumId", "MediaTypeId", "GenreId",
		"Composer", "Milliseconds", "Bytes", "UnitPrice",
	)

	core.RegisterRule(
		notNull("Track", "Name"),
		fk("Track", "AlbumId", "Album", "AlbumId"),
		fk("Track", "GenreId", "Genre", "GenreId"),
		fk("Track", "MediaTypeId", "MediaType", "MediaTypeId"),
		trim("Track", "Name", "Composer"),
		positive("Track", "Milliseconds"),
		nonNegative("Track", "UnitPrice"),
	)

	core.RegisterDimension(core.DimensionPlan{
		Entity:       "Track",
		Table:        "DimTrack",
		SurrogateKey: "TrackKey",
		NaturalKey:   "TrackId",
		Source:       "Track",
		SourceKey:    "TrackId",
		Columns:      cols("Name", "Composer", "Milliseconds", "Bytes", "UnitPrice"),
		Parents: []core.ParentRef{
			{Column: "AlbumKey", Entity: "Album", SourceColumn: "AlbumId"},
			{Column: "MediaTypeKey", Entity: "MediaType", SourceColumn: "MediaTypeId"},
			{Column: "GenreKey", Entity: "Genre", SourceColumn: "GenreId"},
		},
		DependsOn: []string{"Album", "Genre", "MediaType"},
	})
}

// Playlists are cleansed and staged but have no dimension.
func registerPlaylists() {
	registerSource("Playlist", []string{"PlaylistId"}, "PlaylistId", "Name")
	registerSource("PlaylistTrack", []string{"PlaylistId", "TrackId"}, "PlaylistId", "TrackId")

	core.RegisterRule(
		fk("PlaylistTrack", "PlaylistId", "Playlist", "PlaylistId"),
		fk("PlaylistTrack", "TrackId", "Track", "TrackId"),
	)
}
