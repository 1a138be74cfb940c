// Package library owns the 11-table replicated relational schema and
// the single-writer access discipline the sync engine depends on.
// Everything outside this replicated set (storage profiles, torrents,
// import progress, piece maps) is explicitly out of scope and has no
// home here.
package library

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" driver

	"github.com/ariafm/aria/internal/changeset"
)

// Every replicated row carries updated_hlc and origin_node in addition
// to its table-specific columns. Both are included explicitly in each
// table's column list below rather than bolted on generically, so a plain
// `SELECT *` and this package's column lists always agree.
const (
	colUpdatedHLC = "updated_hlc"
	colOriginNode = "origin_node"
)

// Table describes one replicated table: its SQL name, full column list (in
// declaration order), and the subset of columns that form its primary key.
type Table struct {
	ID      changeset.TableID
	Name    string
	Columns []string
	PK      []string
	DDL     string
}

// Tables is every replicated table, indexed by its wire TableID.
var Tables = map[changeset.TableID]Table{
	changeset.TableArtists: {
		ID:      changeset.TableArtists,
		Name:    "artists",
		Columns: []string{"id", "name", "sort_name", colUpdatedHLC, colOriginNode},
		PK:      []string{"id"},
		DDL: `CREATE TABLE IF NOT EXISTS artists (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			sort_name TEXT NOT NULL DEFAULT '',
			updated_hlc TEXT NOT NULL,
			origin_node TEXT NOT NULL
		)`,
	},
	changeset.TableAlbums: {
		ID:      changeset.TableAlbums,
		Name:    "albums",
		Columns: []string{"id", "title", "release_year", colUpdatedHLC, colOriginNode},
		PK:      []string{"id"},
		DDL: `CREATE TABLE IF NOT EXISTS albums (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			release_year INTEGER,
			updated_hlc TEXT NOT NULL,
			origin_node TEXT NOT NULL
		)`,
	},
	changeset.TableAlbumDiscogs: {
		ID:      changeset.TableAlbumDiscogs,
		Name:    "album_discogs",
		Columns: []string{"album_id", "discogs_id", colUpdatedHLC, colOriginNode},
		PK:      []string{"album_id"},
		DDL: `CREATE TABLE IF NOT EXISTS album_discogs (
			album_id TEXT PRIMARY KEY REFERENCES albums(id),
			discogs_id TEXT NOT NULL,
			updated_hlc TEXT NOT NULL,
			origin_node TEXT NOT NULL
		)`,
	},
	changeset.TableAlbumMusicbrainz: {
		ID:      changeset.TableAlbumMusicbrainz,
		Name:    "album_musicbrainz",
		Columns: []string{"album_id", "mb_release_id", colUpdatedHLC, colOriginNode},
		PK:      []string{"album_id"},
		DDL: `CREATE TABLE IF NOT EXISTS album_musicbrainz (
			album_id TEXT PRIMARY KEY REFERENCES albums(id),
			mb_release_id TEXT NOT NULL,
			updated_hlc TEXT NOT NULL,
			origin_node TEXT NOT NULL
		)`,
	},
	changeset.TableAlbumArtists: {
		ID:      changeset.TableAlbumArtists,
		Name:    "album_artists",
		Columns: []string{"album_id", "artist_id", "position", colUpdatedHLC, colOriginNode},
		PK:      []string{"album_id", "artist_id"},
		DDL: `CREATE TABLE IF NOT EXISTS album_artists (
			album_id TEXT NOT NULL REFERENCES albums(id),
			artist_id TEXT NOT NULL REFERENCES artists(id),
			position INTEGER NOT NULL DEFAULT 0,
			updated_hlc TEXT NOT NULL,
			origin_node TEXT NOT NULL,
			PRIMARY KEY (album_id, artist_id)
		)`,
	},
	changeset.TableReleases: {
		ID:      changeset.TableReleases,
		Name:    "releases",
		Columns: []string{"id", "album_id", "title", "year", colUpdatedHLC, colOriginNode},
		PK:      []string{"id"},
		DDL: `CREATE TABLE IF NOT EXISTS releases (
			id TEXT PRIMARY KEY,
			album_id TEXT NOT NULL REFERENCES albums(id),
			title TEXT NOT NULL,
			year INTEGER,
			updated_hlc TEXT NOT NULL,
			origin_node TEXT NOT NULL
		)`,
	},
	changeset.TableTracks: {
		ID:      changeset.TableTracks,
		Name:    "tracks",
		Columns: []string{"id", "release_id", "title", "track_no", "disc_no", "duration_ms", colUpdatedHLC, colOriginNode},
		PK:      []string{"id"},
		DDL: `CREATE TABLE IF NOT EXISTS tracks (
			id TEXT PRIMARY KEY,
			release_id TEXT NOT NULL REFERENCES releases(id),
			title TEXT NOT NULL,
			track_no INTEGER NOT NULL DEFAULT 0,
			disc_no INTEGER NOT NULL DEFAULT 1,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			updated_hlc TEXT NOT NULL,
			origin_node TEXT NOT NULL
		)`,
	},
	changeset.TableTrackArtists: {
		ID:      changeset.TableTrackArtists,
		Name:    "track_artists",
		Columns: []string{"track_id", "artist_id", "position", colUpdatedHLC, colOriginNode},
		PK:      []string{"track_id", "artist_id"},
		DDL: `CREATE TABLE IF NOT EXISTS track_artists (
			track_id TEXT NOT NULL REFERENCES tracks(id),
			artist_id TEXT NOT NULL REFERENCES artists(id),
			position INTEGER NOT NULL DEFAULT 0,
			updated_hlc TEXT NOT NULL,
			origin_node TEXT NOT NULL,
			PRIMARY KEY (track_id, artist_id)
		)`,
	},
	changeset.TableReleaseFiles: {
		ID:      changeset.TableReleaseFiles,
		Name:    "release_files",
		Columns: []string{"id", "track_id", "blob_id", "format_id", "size_bytes", colUpdatedHLC, colOriginNode},
		PK:      []string{"id"},
		DDL: `CREATE TABLE IF NOT EXISTS release_files (
			id TEXT PRIMARY KEY,
			track_id TEXT NOT NULL REFERENCES tracks(id),
			blob_id TEXT NOT NULL,
			format_id TEXT REFERENCES audio_formats(id),
			size_bytes INTEGER NOT NULL DEFAULT 0,
			updated_hlc TEXT NOT NULL,
			origin_node TEXT NOT NULL
		)`,
	},
	changeset.TableAudioFormats: {
		ID:      changeset.TableAudioFormats,
		Name:    "audio_formats",
		Columns: []string{"id", "codec", "bitrate_kbps", "sample_rate", "channels", "bits_per_sample", colUpdatedHLC, colOriginNode},
		PK:      []string{"id"},
		DDL: `CREATE TABLE IF NOT EXISTS audio_formats (
			id TEXT PRIMARY KEY,
			codec TEXT NOT NULL,
			bitrate_kbps INTEGER NOT NULL DEFAULT 0,
			sample_rate INTEGER NOT NULL DEFAULT 44100,
			channels INTEGER NOT NULL DEFAULT 2,
			bits_per_sample INTEGER NOT NULL DEFAULT 16,
			updated_hlc TEXT NOT NULL,
			origin_node TEXT NOT NULL
		)`,
	},
	changeset.TableLibraryImages: {
		ID:      changeset.TableLibraryImages,
		Name:    "library_images",
		Columns: []string{"id", "owner_table", "owner_id", "kind", colUpdatedHLC, colOriginNode},
		PK:      []string{"id"},
		DDL: `CREATE TABLE IF NOT EXISTS library_images (
			id TEXT PRIMARY KEY,
			owner_table TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			updated_hlc TEXT NOT NULL,
			origin_node TEXT NOT NULL
		)`,
	},
}

// syncTableOrder is parent-before-child so a fresh Open creates tables in an
// order that satisfies their own REFERENCES clauses.
var syncTableOrder = []changeset.TableID{
	changeset.TableArtists,
	changeset.TableAlbums,
	changeset.TableAlbumDiscogs,
	changeset.TableAlbumMusicbrainz,
	changeset.TableAlbumArtists,
	changeset.TableReleases,
	changeset.TableTracks,
	changeset.TableTrackArtists,
	changeset.TableAudioFormats,
	changeset.TableReleaseFiles,
	changeset.TableLibraryImages,
}

// createSchema creates every replicated table if it doesn't already exist.
func createSchema(db *sql.DB) error {
	for _, id := range syncTableOrder {
		table := Tables[id]

		_, err := db.Exec(table.DDL)
		if err != nil {
			return fmt.Errorf("create table %s: %w", table.Name, err)
		}
	}

	return nil
}
