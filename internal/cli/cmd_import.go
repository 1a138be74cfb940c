package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dhowden/tag"
	"github.com/google/uuid"
	flag "github.com/spf13/pflag"

	"github.com/ariafm/aria/internal/changeset"
	"github.com/ariafm/aria/internal/library"
	"github.com/ariafm/aria/internal/pcm"
	"github.com/ariafm/aria/internal/storage"
	"github.com/ariafm/aria/pkg/fs"
)

var errImportArgsRequired = errors.New("usage: import [--artist <name>] [--album <title>] [--title <title>] <file.wav>")

func newImportCommand() *Command {
	flags := flag.NewFlagSet("import", flag.ContinueOnError)
	artist := flags.String("artist", "", "artist name (overrides the file's embedded tags)")
	album := flags.String("album", "", "album title (overrides the file's embedded tags)")
	title := flags.String("title", "", "track title (overrides the file's embedded tags)")

	return &Command{
		Flags: flags,
		Usage: "import [flags] <file.wav>",
		Short: "Import an audio file into the library",
		Long:  "Uploads the file's bytes to the bucket as an encrypted content-addressed blob and records the artist/album/release/track rows, ready to push on the next sync.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			return execImport(ctx, o, args, trackMeta{Artist: *artist, Album: *album, Title: *title})
		},
	}
}

// trackMeta is what import could learn about a file, from its embedded
// tags or from the command's override flags.
type trackMeta struct {
	Artist string
	Album  string
	Title  string
	Year   int
	Track  int
	Disc   int
}

func execImport(ctx context.Context, o *IO, args []string, overrides trackMeta) error {
	if len(args) != 1 {
		return errImportArgsRequired
	}

	cfg, err := loadConfigFromContext(ctx)
	if err != nil {
		return err
	}

	cc := fromContext(ctx)

	path := args[0]
	if !filepath.IsAbs(path) {
		path = filepath.Join(cc.workDir, path)
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is the user's own import argument
	if err != nil {
		return fmt.Errorf("import: read %q: %w", args[0], err)
	}

	meta := readMeta(path)

	if overrides.Artist != "" {
		meta.Artist = overrides.Artist
	}

	if overrides.Album != "" {
		meta.Album = overrides.Album
	}

	if overrides.Title != "" {
		meta.Title = overrides.Title
	}

	reader, err := storage.NewLocal(fs.NewReal(), path)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}

	dec, err := pcm.OpenWAV(ctx, reader)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}

	a, err := openApp(ctx, cc.workDir, cfg, nil)
	if err != nil {
		return err
	}

	defer a.Close()

	blobID := library.ContentBlobID(data)

	err = a.bucket.UploadBlob(ctx, blobID, data)
	if err != nil {
		return fmt.Errorf("import: upload blob: %w", err)
	}

	trackID, err := recordImport(ctx, a, meta, dec, blobID, int64(len(data)))
	if err != nil {
		return err
	}

	o.Println("imported", filepath.Base(path))
	o.Println("track:", trackID)
	o.Println("blob:", blobID.String())
	o.Println("run \"aria sync\" to push it to your other devices")

	return nil
}

// readMeta pulls artist/album/title out of the file's embedded tags where
// the container carries any, falling back to the file name for the title.
func readMeta(path string) trackMeta {
	meta := trackMeta{
		Title: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Disc:  1,
	}

	f, err := os.Open(path) //nolint:gosec // path is the user's own import argument
	if err != nil {
		return meta
	}

	defer func() { _ = f.Close() }()

	parsed, err := tag.ReadFrom(f)
	if err != nil {
		// Plain WAV files usually carry no tag block; the fallbacks stand.
		return meta
	}

	if parsed.Title() != "" {
		meta.Title = parsed.Title()
	}

	meta.Artist = parsed.Artist()
	meta.Album = parsed.Album()
	meta.Year = parsed.Year()
	meta.Track, _ = parsed.Track()
	meta.Disc, _ = parsed.Disc()

	if meta.Disc == 0 {
		meta.Disc = 1
	}

	return meta
}

// recordImport writes the replicated rows for one imported file through
// the session recorder, so they are captured for the next push. Returns
// the new track id.
func recordImport(ctx context.Context, a *app, meta trackMeta, dec *pcm.WAVDecoder, blobID library.BlobID, sizeBytes int64) (string, error) {
	rec := a.engine.Recorder()
	format := dec.Format()

	albumTitle := meta.Album
	if albumTitle == "" {
		albumTitle = meta.Title
	}

	albumID := uuid.NewString()
	releaseID := uuid.NewString()
	trackID := uuid.NewString()
	formatID := uuid.NewString()
	fileID := uuid.NewString()

	durationMS := int64(0)
	if format.SampleRate > 0 {
		durationMS = dec.Frames() * 1000 / int64(format.SampleRate)
	}

	var year any
	if meta.Year != 0 {
		year = meta.Year
	}

	type rowPut struct {
		table changeset.TableID
		pk    map[string]any
		cols  map[string]any
	}

	puts := []rowPut{
		{changeset.TableAlbums, map[string]any{"id": albumID}, map[string]any{"title": albumTitle, "release_year": year}},
		{changeset.TableReleases, map[string]any{"id": releaseID}, map[string]any{"album_id": albumID, "title": albumTitle, "year": year}},
		{changeset.TableTracks, map[string]any{"id": trackID}, map[string]any{
			"release_id": releaseID, "title": meta.Title, "track_no": meta.Track, "disc_no": meta.Disc, "duration_ms": durationMS,
		}},
		{changeset.TableAudioFormats, map[string]any{"id": formatID}, map[string]any{
			"codec": "pcm", "bitrate_kbps": 0,
			"sample_rate": format.SampleRate, "channels": format.Channels, "bits_per_sample": format.BitsPerSample,
		}},
		{changeset.TableReleaseFiles, map[string]any{"id": fileID}, map[string]any{
			"track_id": trackID, "blob_id": blobID.String(), "format_id": formatID, "size_bytes": sizeBytes,
		}},
	}

	if meta.Artist != "" {
		artistID := uuid.NewString()

		puts = append(puts,
			rowPut{changeset.TableArtists, map[string]any{"id": artistID}, map[string]any{"name": meta.Artist, "sort_name": meta.Artist}},
			rowPut{changeset.TableAlbumArtists, map[string]any{"album_id": albumID, "artist_id": artistID}, map[string]any{"position": 0}},
			rowPut{changeset.TableTrackArtists, map[string]any{"track_id": trackID, "artist_id": artistID}, map[string]any{"position": 0}},
		)
	}

	for _, p := range puts {
		err := rec.Put(ctx, p.table, p.pk, p.cols)
		if err != nil {
			return "", fmt.Errorf("import: record %s: %w", p.table.Name(), err)
		}
	}

	return trackID, nil
}
