package syncbucket

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ariafm/aria/internal/crypto"
	"github.com/ariafm/aria/internal/library"
	"github.com/ariafm/aria/internal/objstore"
	"github.com/ariafm/aria/pkg/fs"
)

func newTestBucket(t *testing.T) *Bucket {
	t.Helper()

	store, err := objstore.NewLocal(fs.NewReal(), t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	var key crypto.Key
	for i := range key {
		key[i] = byte(i)
	}

	return New(store, key)
}

func TestPutGetHeadRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestBucket(t)

	err := b.PutHead(ctx, DeviceHead{DeviceID: "device-a", Seq: 3, LastSync: "2026-01-01T00:00:00Z"})
	if err != nil {
		t.Fatalf("PutHead: %v", err)
	}

	got, err := b.GetHead(ctx, "device-a")
	if err != nil {
		t.Fatalf("GetHead: %v", err)
	}

	if got.Seq != 3 || got.DeviceID != "device-a" {
		t.Fatalf("got %+v", got)
	}
}

func TestListHeadsSorted(t *testing.T) {
	ctx := context.Background()
	b := newTestBucket(t)

	for _, id := range []string{"zeta", "alpha", "mu"} {
		if err := b.PutHead(ctx, DeviceHead{DeviceID: id, Seq: 1}); err != nil {
			t.Fatalf("PutHead(%s): %v", id, err)
		}
	}

	heads, err := b.ListHeads(ctx)
	if err != nil {
		t.Fatalf("ListHeads: %v", err)
	}

	if len(heads) != 3 {
		t.Fatalf("got %d heads, want 3", len(heads))
	}

	for i := 1; i < len(heads); i++ {
		if heads[i-1].DeviceID > heads[i].DeviceID {
			t.Fatalf("heads not sorted: %v", heads)
		}
	}
}

func TestGetHeadNotFound(t *testing.T) {
	b := newTestBucket(t)

	_, err := b.GetHead(context.Background(), "nobody")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestChangesetRoundTripAndSeqListing(t *testing.T) {
	ctx := context.Background()
	b := newTestBucket(t)

	payload := []byte("changeset bytes")

	err := b.PutChangeset(ctx, "device-a", 1, payload)
	if err != nil {
		t.Fatalf("PutChangeset: %v", err)
	}

	err = b.PutChangeset(ctx, "device-a", 2, payload)
	if err != nil {
		t.Fatalf("PutChangeset: %v", err)
	}

	got, err := b.GetChangeset(ctx, "device-a", 1)
	if err != nil {
		t.Fatalf("GetChangeset: %v", err)
	}

	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}

	seqs, err := b.ListChangeSeqs(ctx, "device-a")
	if err != nil {
		t.Fatalf("ListChangeSeqs: %v", err)
	}

	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 {
		t.Fatalf("got seqs %v, want [1 2]", seqs)
	}
}

func TestShardedBlobKeyLayout(t *testing.T) {
	id := library.ContentBlobID([]byte("track bytes"))

	key := BlobKey(id)
	if !strings.HasPrefix(key, "storage/") {
		t.Fatalf("got %q, want storage/ prefix", key)
	}

	parts := strings.Split(key, "/")
	if len(parts) != 4 {
		t.Fatalf("got %d path segments, want 4: %v", len(parts), parts)
	}

	if len(parts[1]) != 2 || len(parts[2]) != 2 {
		t.Fatalf("shard segments not 2 hex chars: %v", parts)
	}
}

func TestUploadBlobAndImageEncrypted(t *testing.T) {
	ctx := context.Background()
	b := newTestBucket(t)

	id := library.ContentBlobID([]byte("cover art bytes"))

	err := b.UploadImage(ctx, id, []byte("cover art bytes"))
	if err != nil {
		t.Fatalf("UploadImage: %v", err)
	}

	raw, err := b.store.Read(ctx, ImageKey(id))
	if err != nil {
		t.Fatalf("store.Read: %v", err)
	}

	if bytes.Equal(raw, []byte("cover art bytes")) {
		t.Fatalf("expected ciphertext on the wire, got plaintext")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestBucket(t)

	heads := SnapshotHeads{"device-a": 5, "device-b": 2}
	payload := []byte("sqlite file bytes go here")

	err := b.PutSnapshot(ctx, heads, "2026-01-01T00:00:00Z", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("PutSnapshot: %v", err)
	}

	gotHeads, r, err := b.GetSnapshot(ctx)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}

	if gotHeads["device-a"] != 5 || gotHeads["device-b"] != 2 {
		t.Fatalf("got heads %v", gotHeads)
	}

	var buf bytes.Buffer

	_, err = buf.ReadFrom(r)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}

	if !bytes.Equal(buf.Bytes(), payload) {
		t.Fatalf("got payload %q, want %q", buf.Bytes(), payload)
	}
}
