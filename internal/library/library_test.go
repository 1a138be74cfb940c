package library

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ariafm/aria/internal/changeset"
)

func openTest(t *testing.T) *Writer {
	t.Helper()

	w, err := Open(filepath.Join(t.TempDir(), "library.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t.Cleanup(func() { _ = w.Close() })

	return w
}

func TestUpsertGetDeleteRowRoundTrip(t *testing.T) {
	ctx := context.Background()
	w := openTest(t)

	cols := map[string]any{
		"id":           "artist-1",
		"name":         "Radiohead",
		"sort_name":    "Radiohead",
		"updated_hlc":  "00000000000000001000.0000000000.0000000000000000",
		"origin_node":  "0000000000000000",
	}

	err := w.UpsertRow(ctx, changeset.TableArtists, cols)
	if err != nil {
		t.Fatalf("UpsertRow: %v", err)
	}

	got, ok, err := w.GetRow(ctx, changeset.TableArtists, map[string]any{"id": "artist-1"})
	if err != nil {
		t.Fatalf("GetRow: %v", err)
	}

	if !ok {
		t.Fatalf("expected row to exist")
	}

	if got["name"] != "Radiohead" {
		t.Fatalf("got name %v, want Radiohead", got["name"])
	}

	err = w.DeleteRow(ctx, changeset.TableArtists, map[string]any{"id": "artist-1"})
	if err != nil {
		t.Fatalf("DeleteRow: %v", err)
	}

	_, ok, err = w.GetRow(ctx, changeset.TableArtists, map[string]any{"id": "artist-1"})
	if err != nil {
		t.Fatalf("GetRow after delete: %v", err)
	}

	if ok {
		t.Fatalf("expected row to be gone after delete")
	}
}

func TestUpsertRowIsIdempotentOnConflict(t *testing.T) {
	ctx := context.Background()
	w := openTest(t)

	base := map[string]any{
		"id": "artist-1", "name": "A", "sort_name": "A",
		"updated_hlc": "x", "origin_node": "n",
	}

	err := w.UpsertRow(ctx, changeset.TableArtists, base)
	if err != nil {
		t.Fatalf("UpsertRow: %v", err)
	}

	base["name"] = "B"

	err = w.UpsertRow(ctx, changeset.TableArtists, base)
	if err != nil {
		t.Fatalf("UpsertRow (update): %v", err)
	}

	got, ok, err := w.GetRow(ctx, changeset.TableArtists, map[string]any{"id": "artist-1"})
	if err != nil || !ok {
		t.Fatalf("GetRow: ok=%v err=%v", ok, err)
	}

	if got["name"] != "B" {
		t.Fatalf("got name %v, want B", got["name"])
	}
}

func TestBeginApplyTxDefersForeignKeys(t *testing.T) {
	ctx := context.Background()
	w := openTest(t)

	tx, err := w.BeginApplyTx(ctx)
	if err != nil {
		t.Fatalf("BeginApplyTx: %v", err)
	}

	// Child row referencing a not-yet-inserted parent must succeed within
	// the same deferred-FK transaction.
	err = upsertRow(ctx, tx, changeset.TableAlbumArtists, map[string]any{
		"album_id": "album-1", "artist_id": "artist-1", "position": 0,
		"updated_hlc": "x", "origin_node": "n",
	})
	if err != nil {
		t.Fatalf("upsertRow child-before-parent: %v", err)
	}

	err = upsertRow(ctx, tx, changeset.TableAlbums, map[string]any{
		"id": "album-1", "title": "X", "release_year": nil,
		"updated_hlc": "x", "origin_node": "n",
	})
	if err != nil {
		t.Fatalf("upsertRow parent: %v", err)
	}

	err = upsertRow(ctx, tx, changeset.TableArtists, map[string]any{
		"id": "artist-1", "name": "A", "sort_name": "A",
		"updated_hlc": "x", "origin_node": "n",
	})
	if err != nil {
		t.Fatalf("upsertRow parent artist: %v", err)
	}

	err = tx.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestBlobIDRoundTrip(t *testing.T) {
	id := ContentBlobID([]byte("hello"))

	parsed, err := ParseBlobID("  " + id.String() + "  ")
	if err != nil {
		t.Fatalf("ParseBlobID: %v", err)
	}

	if parsed != id {
		t.Fatalf("round trip mismatch: got %v want %v", parsed, id)
	}
}
