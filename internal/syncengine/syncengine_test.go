package syncengine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/ariafm/aria/internal/changeset"
	"github.com/ariafm/aria/internal/crypto"
	"github.com/ariafm/aria/internal/library"
	"github.com/ariafm/aria/internal/objstore"
	"github.com/ariafm/aria/internal/syncbucket"
	"github.com/ariafm/aria/pkg/fs"
)

// newTestDevice opens a fresh library and Engine sharing one directory-backed
// bucket with every other device constructed via the same bucketDir, so they
// converge through the same simulated cloud object store.
func newTestDevice(t *testing.T, bucketDir string) (*library.Writer, *Engine) {
	t.Helper()

	ctx := context.Background()

	w, err := library.Open(filepath.Join(t.TempDir(), "library.db"))
	if err != nil {
		t.Fatalf("library.Open: %v", err)
	}

	t.Cleanup(func() { _ = w.Close() })

	store, err := objstore.NewLocal(fs.NewReal(), bucketDir)
	if err != nil {
		t.Fatalf("objstore.NewLocal: %v", err)
	}

	var key crypto.Key
	key[0] = 0x42

	bucket := syncbucket.New(store, key)

	e, err := New(ctx, w, bucket, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return w, e
}

func TestTwoDeviceConvergence(t *testing.T) {
	ctx := context.Background()
	bucketDir := t.TempDir()

	wA, engineA := newTestDevice(t, bucketDir)
	wB, engineB := newTestDevice(t, bucketDir)

	err := engineA.Recorder().Put(ctx, changeset.TableAlbums, map[string]any{"id": "a1"}, map[string]any{
		"title": "X", "release_year": 2000,
	})
	if err != nil {
		t.Fatalf("A Put: %v", err)
	}

	_, err = engineA.Sync(ctx)
	if err != nil {
		t.Fatalf("A Sync: %v", err)
	}

	err = engineB.Recorder().Put(ctx, changeset.TableAlbums, map[string]any{"id": "a1"}, map[string]any{
		"title": "Y", "release_year": 2000,
	})
	if err != nil {
		t.Fatalf("B Put: %v", err)
	}

	_, err = engineB.Sync(ctx)
	if err != nil {
		t.Fatalf("B Sync: %v", err)
	}

	// A pulls B's changeset. Each device runs its own clock, so which of
	// the two writes carries the larger HLC is not fixed by this sequence.
	_, err = engineA.Sync(ctx)
	if err != nil {
		t.Fatalf("A second Sync: %v", err)
	}

	gotA, ok, err := wA.GetRow(ctx, changeset.TableAlbums, map[string]any{"id": "a1"})
	if err != nil || !ok {
		t.Fatalf("A GetRow: ok=%v err=%v", ok, err)
	}

	gotB, ok, err := wB.GetRow(ctx, changeset.TableAlbums, map[string]any{"id": "a1"})
	if err != nil || !ok {
		t.Fatalf("B GetRow: ok=%v err=%v", ok, err)
	}

	// Whichever write's HLC is larger wins LWW; what the scenario requires
	// is that both devices converge on the same value.
	if gotA["title"] != gotB["title"] {
		t.Fatalf("expected both devices to converge, got A=%v B=%v", gotA["title"], gotB["title"])
	}
}

func TestSyncRejectsReentry(t *testing.T) {
	ctx := context.Background()
	bucketDir := t.TempDir()

	_, engine := newTestDevice(t, bucketDir)

	engine.mu.Lock()
	engine.running = true
	engine.mu.Unlock()

	_, err := engine.Sync(ctx)
	if err != ErrBusy {
		t.Fatalf("got err %v, want ErrBusy", err)
	}
}

func TestStatusExcludesLocalDevice(t *testing.T) {
	ctx := context.Background()
	bucketDir := t.TempDir()

	_, engineA := newTestDevice(t, bucketDir)
	_, engineB := newTestDevice(t, bucketDir)

	err := engineB.Recorder().Put(ctx, changeset.TableArtists, map[string]any{"id": "ar1"}, map[string]any{
		"name": "Boards of Canada", "sort_name": "Boards of Canada",
	})
	if err != nil {
		t.Fatalf("B Put: %v", err)
	}

	_, err = engineB.Sync(ctx)
	if err != nil {
		t.Fatalf("B Sync: %v", err)
	}

	status, err := engineA.Status(ctx)
	if err != nil {
		t.Fatalf("A Status: %v", err)
	}

	if len(status.OtherDevices) != 1 {
		t.Fatalf("expected exactly 1 other device, got %d: %+v", len(status.OtherDevices), status.OtherDevices)
	}

	if status.OtherDevices[0].DeviceID != engineB.DeviceID() {
		t.Fatalf("got device id %q, want %q", status.OtherDevices[0].DeviceID, engineB.DeviceID())
	}

	for _, d := range status.OtherDevices {
		if d.DeviceID == engineA.DeviceID() {
			t.Fatalf("local device should not appear in OtherDevices")
		}
	}
}

func TestSyncWithNoPendingWritesIsNotPushed(t *testing.T) {
	ctx := context.Background()
	bucketDir := t.TempDir()

	_, engine := newTestDevice(t, bucketDir)

	result, err := engine.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if result.Pushed {
		t.Fatalf("expected Pushed=false for a cycle with zero local mutations")
	}
}

func changesetKeyForTest(device string, seq uint64) string {
	return fmt.Sprintf("changes/%s/%020d.enc", device, seq)
}

// TestPullToleratesMissingNewestChangeset covers the eventual-consistency
// window where a peer's head pointer is readable before its newest
// changeset object: the puller must defer that device to the next cycle,
// not abort.
func TestPullToleratesMissingNewestChangeset(t *testing.T) {
	ctx := context.Background()
	bucketDir := t.TempDir()

	wA, engineA := newTestDevice(t, bucketDir)
	_, engineB := newTestDevice(t, bucketDir)

	err := engineB.Recorder().Put(ctx, changeset.TableAlbums, map[string]any{"id": "a1"}, map[string]any{
		"title": "In Rainbows", "release_year": 2007,
	})
	if err != nil {
		t.Fatalf("B Put: %v", err)
	}

	_, err = engineB.Sync(ctx)
	if err != nil {
		t.Fatalf("B Sync: %v", err)
	}

	// Hide B's newest (and only) changeset object while its head still
	// advertises seq 1, as a lagging backend read would.
	store, err := objstore.NewLocal(fs.NewReal(), bucketDir)
	if err != nil {
		t.Fatalf("objstore.NewLocal: %v", err)
	}

	key := changesetKeyForTest(engineB.DeviceID(), 1)

	envelope, err := store.Read(ctx, key)
	if err != nil {
		t.Fatalf("Read changeset object: %v", err)
	}

	err = store.Delete(ctx, key)
	if err != nil {
		t.Fatalf("Delete changeset object: %v", err)
	}

	result, err := engineA.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync with lagging newest object should succeed, got %v", err)
	}

	if result.ChangesetsApplied != 0 {
		t.Fatalf("applied %d changesets, want 0 while the object is hidden", result.ChangesetsApplied)
	}

	// The object "propagates"; the next cycle picks it up from seq 1,
	// proving local_seen was not advanced past the missing object.
	err = store.Write(ctx, key, envelope)
	if err != nil {
		t.Fatalf("restore changeset object: %v", err)
	}

	result, err = engineA.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync after propagation: %v", err)
	}

	if result.ChangesetsApplied != 1 {
		t.Fatalf("applied %d changesets after propagation, want 1", result.ChangesetsApplied)
	}

	_, ok, err := wA.GetRow(ctx, changeset.TableAlbums, map[string]any{"id": "a1"})
	if err != nil || !ok {
		t.Fatalf("expected album a1 on A after propagation: ok=%v err=%v", ok, err)
	}
}

// TestPullGapBelowHeadFails pins the other half of the rule: an absent
// changeset strictly below the advertised head is a hole in the
// append-only log and must abort the cycle.
func TestPullGapBelowHeadFails(t *testing.T) {
	ctx := context.Background()
	bucketDir := t.TempDir()

	_, engineA := newTestDevice(t, bucketDir)
	_, engineB := newTestDevice(t, bucketDir)

	for i, title := range []string{"Kid A", "Amnesiac"} {
		err := engineB.Recorder().Put(ctx, changeset.TableAlbums, map[string]any{"id": fmt.Sprintf("a%d", i)}, map[string]any{
			"title": title, "release_year": 2000 + i,
		})
		if err != nil {
			t.Fatalf("B Put %q: %v", title, err)
		}

		if _, err := engineB.Sync(ctx); err != nil {
			t.Fatalf("B Sync %d: %v", i, err)
		}
	}

	store, err := objstore.NewLocal(fs.NewReal(), bucketDir)
	if err != nil {
		t.Fatalf("objstore.NewLocal: %v", err)
	}

	err = store.Delete(ctx, changesetKeyForTest(engineB.DeviceID(), 1))
	if err != nil {
		t.Fatalf("Delete changeset object: %v", err)
	}

	_, err = engineA.Sync(ctx)
	if err == nil {
		t.Fatal("Sync should fail on a gap below the advertised head")
	}

	if !errors.Is(err, syncbucket.ErrNotFound) {
		t.Fatalf("gap error should carry ErrNotFound, got %v", err)
	}
}

func newTestBucket(t *testing.T, bucketDir string) *syncbucket.Bucket {
	t.Helper()

	store, err := objstore.NewLocal(fs.NewReal(), bucketDir)
	if err != nil {
		t.Fatalf("objstore.NewLocal: %v", err)
	}

	var key crypto.Key
	key[0] = 0x42

	return syncbucket.New(store, key)
}

func TestBootstrapSeedsLocalSeenFromSnapshot(t *testing.T) {
	ctx := context.Background()
	bucket := newTestBucket(t, t.TempDir())

	payload := []byte("raw snapshot database bytes")

	err := bucket.PutSnapshot(ctx, syncbucket.SnapshotHeads{"dev-a": 5, "dev-b": 3}, "2026-01-01T00:00:00Z", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("PutSnapshot: %v", err)
	}

	libPath := filepath.Join(t.TempDir(), "library.db")

	seen, err := Bootstrap(ctx, bucket, libPath)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	if seen["dev-a"] != 5 || seen["dev-b"] != 3 || len(seen) != 2 {
		t.Fatalf("got local_seen %v, want {dev-a:5 dev-b:3}", seen)
	}

	got, err := os.ReadFile(libPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if !bytes.Equal(got, payload) {
		t.Fatalf("restored library bytes differ from the snapshot payload")
	}
}

func TestBootstrapWithoutSnapshotStartsEmpty(t *testing.T) {
	ctx := context.Background()
	bucket := newTestBucket(t, t.TempDir())

	libPath := filepath.Join(t.TempDir(), "library.db")

	seen, err := Bootstrap(ctx, bucket, libPath)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	if len(seen) != 0 {
		t.Fatalf("got local_seen %v, want empty", seen)
	}

	if _, statErr := os.Stat(libPath); statErr == nil {
		t.Fatalf("no snapshot: library file should not have been written")
	}
}

func TestFKCrossChangesetResolvedOnThirdDevicePull(t *testing.T) {
	ctx := context.Background()
	bucketDir := t.TempDir()

	_, engineA := newTestDevice(t, bucketDir)
	_, engineB := newTestDevice(t, bucketDir)
	wC, engineC := newTestDevice(t, bucketDir)

	// B creates the album and release; A pulls them and then adds a track
	// referencing the release, so A's changeset depends on B's.
	err := engineB.Recorder().Put(ctx, changeset.TableAlbums, map[string]any{"id": "al1"}, map[string]any{
		"title": "OK Computer", "release_year": 1997,
	})
	if err != nil {
		t.Fatalf("B Put album: %v", err)
	}

	err = engineB.Recorder().Put(ctx, changeset.TableReleases, map[string]any{"id": "r1"}, map[string]any{
		"album_id": "al1", "title": "OK Computer", "year": 1997,
	})
	if err != nil {
		t.Fatalf("B Put release: %v", err)
	}

	_, err = engineB.Sync(ctx)
	if err != nil {
		t.Fatalf("B Sync: %v", err)
	}

	_, err = engineA.Sync(ctx)
	if err != nil {
		t.Fatalf("A pull Sync: %v", err)
	}

	err = engineA.Recorder().Put(ctx, changeset.TableTracks, map[string]any{"id": "t1"}, map[string]any{
		"release_id": "r1", "title": "Paranoid Android", "track_no": 2, "disc_no": 1, "duration_ms": 383000,
	})
	if err != nil {
		t.Fatalf("A Put: %v", err)
	}

	_, err = engineA.Sync(ctx)
	if err != nil {
		t.Fatalf("A Sync: %v", err)
	}

	// C pulls A and B in lexicographic device-id order. When A comes first,
	// its track arrives before the release it references and the retry
	// pass must absorb the FK dependency.
	result, err := engineC.Sync(ctx)
	if err != nil {
		t.Fatalf("C Sync: %v", err)
	}

	if result.RemainingFKViolations != 0 {
		t.Fatalf("expected the retry pass to resolve the FK dependency, got %d remaining", result.RemainingFKViolations)
	}

	_, ok, err := wC.GetRow(ctx, changeset.TableTracks, map[string]any{"id": "t1"})
	if err != nil || !ok {
		t.Fatalf("expected track t1 to be applied on C after retry: ok=%v err=%v", ok, err)
	}
}
