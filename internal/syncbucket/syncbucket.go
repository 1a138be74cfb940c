// Package syncbucket layers the sync engine's object layout on top of
// internal/objstore and internal/crypto: changeset envelopes under
// changes/{device}/{seq}.enc, per-device head pointers under heads/, a
// bootstrap snapshot at snapshot.db.enc, and sharded content-addressed
// blobs under storage/ and images/.
package syncbucket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/ariafm/aria/internal/crypto"
	"github.com/ariafm/aria/internal/library"
	"github.com/ariafm/aria/internal/objstore"
)

const (
	seqWidth      = 20
	changesPrefix = "changes/"
	headsPrefix   = "heads/"
	snapshotKey   = "snapshot.db.enc"
	storagePrefix = "storage/"
	imagesPrefix  = "images/"
)

// ErrNotFound is returned when a head, changeset, or snapshot key is absent.
// Wraps objstore.ErrNotFound so callers can use either sentinel.
var ErrNotFound = objstore.ErrNotFound

// Bucket is the layout-aware client every sync component talks to. It owns
// no state beyond the underlying store and the library encryption key.
type Bucket struct {
	store objstore.Store
	key   crypto.Key
}

// New returns a Bucket that encrypts every object it writes under key and
// reads/writes through store.
func New(store objstore.Store, key crypto.Key) *Bucket {
	return &Bucket{store: store, key: key}
}

// DeviceHead is the decrypted contents of heads/{device}.json.enc, plus the
// device id that named the key it came from.
type DeviceHead struct {
	DeviceID    string `json:"device_id"`
	Seq         uint64 `json:"seq"`
	SnapshotSeq uint64 `json:"snapshot_seq,omitempty"`
	LastSync    string `json:"last_sync,omitempty"`
}

func changesetKey(device string, seq uint64) string {
	return objstore.JoinKey(changesPrefix, device, fmt.Sprintf("%0*d.enc", seqWidth, seq))
}

func headKey(device string) string {
	return objstore.JoinKey(headsPrefix, device+".json.enc")
}

// shardedKey derives storage/{ab}/{cd}/{id} (or images/{ab}/{cd}/{id}) from
// a blob id's hex digits, partitioning blobs into 65536 prefixes.
func shardedKey(prefix string, id library.BlobID) string {
	hex := strings.ReplaceAll(id.String(), "-", "")

	return objstore.JoinKey(prefix, hex[0:2], hex[2:4], id.String())
}

// ListHeads returns every device's head, decrypted, in the lexicographic
// order the heads/ prefix listing returns.
func (b *Bucket) ListHeads(ctx context.Context) ([]DeviceHead, error) {
	keys, err := b.store.List(ctx, headsPrefix)
	if err != nil {
		return nil, fmt.Errorf("syncbucket: list heads: %w", err)
	}

	heads := make([]DeviceHead, 0, len(keys))

	for _, key := range keys {
		head, err := b.getHead(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("syncbucket: list heads: %s: %w", key, err)
		}

		heads = append(heads, head)
	}

	sort.Slice(heads, func(i, j int) bool { return heads[i].DeviceID < heads[j].DeviceID })

	return heads, nil
}

func (b *Bucket) getHead(ctx context.Context, key string) (DeviceHead, error) {
	envelope, err := b.store.Read(ctx, key)
	if err != nil {
		return DeviceHead{}, err
	}

	plaintext, err := crypto.Decrypt(b.key, envelope)
	if err != nil {
		return DeviceHead{}, fmt.Errorf("decrypt: %w", err)
	}

	var head DeviceHead

	err = json.Unmarshal(plaintext, &head)
	if err != nil {
		return DeviceHead{}, fmt.Errorf("decode: %w", err)
	}

	return head, nil
}

// GetHead reads and decrypts one device's head. Returns an error satisfying
// errors.Is(err, ErrNotFound) if the device has never pushed.
func (b *Bucket) GetHead(ctx context.Context, device string) (DeviceHead, error) {
	head, err := b.getHead(ctx, headKey(device))
	if err != nil {
		return DeviceHead{}, fmt.Errorf("syncbucket: get head %s: %w", device, err)
	}

	return head, nil
}

// PutHead overwrites a device's head pointer.
func (b *Bucket) PutHead(ctx context.Context, head DeviceHead) error {
	plaintext, err := json.Marshal(head)
	if err != nil {
		return fmt.Errorf("syncbucket: put head: encode: %w", err)
	}

	envelope, err := crypto.Encrypt(b.key, plaintext)
	if err != nil {
		return fmt.Errorf("syncbucket: put head: encrypt: %w", err)
	}

	err = b.store.Write(ctx, headKey(head.DeviceID), envelope)
	if err != nil {
		return fmt.Errorf("syncbucket: put head %s: %w", head.DeviceID, err)
	}

	return nil
}

// GetChangeset reads and decrypts one changeset envelope.
func (b *Bucket) GetChangeset(ctx context.Context, device string, seq uint64) ([]byte, error) {
	envelope, err := b.store.Read(ctx, changesetKey(device, seq))
	if err != nil {
		return nil, fmt.Errorf("syncbucket: get changeset %s/%d: %w", device, seq, err)
	}

	plaintext, err := crypto.Decrypt(b.key, envelope)
	if err != nil {
		return nil, fmt.Errorf("syncbucket: get changeset %s/%d: decrypt: %w", device, seq, err)
	}

	return plaintext, nil
}

// PutChangeset encrypts and writes a changeset at {device, seq}. It is
// write-once in normal operation: a caller must never reuse a seq that
// already has an object, since two devices racing on the same seq would
// silently clobber one of them. Backends that support conditional writes
// could enforce this; the local and S3 backends here do not, so the
// orchestrator is responsible for never retrying a push at a seq it
// already advanced past.
func (b *Bucket) PutChangeset(ctx context.Context, device string, seq uint64, plaintext []byte) error {
	envelope, err := crypto.Encrypt(b.key, plaintext)
	if err != nil {
		return fmt.Errorf("syncbucket: put changeset %s/%d: encrypt: %w", device, seq, err)
	}

	err = b.store.Write(ctx, changesetKey(device, seq), envelope)
	if err != nil {
		return fmt.Errorf("syncbucket: put changeset %s/%d: %w", device, seq, err)
	}

	return nil
}

// UploadBlob stores plaintext at the sharded storage/ key derived from id.
func (b *Bucket) UploadBlob(ctx context.Context, id library.BlobID, plaintext []byte) error {
	return b.uploadSharded(ctx, storagePrefix, id, plaintext)
}

// UploadImage stores plaintext at the sharded images/ key derived from id.
func (b *Bucket) UploadImage(ctx context.Context, id library.BlobID, plaintext []byte) error {
	return b.uploadSharded(ctx, imagesPrefix, id, plaintext)
}

func (b *Bucket) uploadSharded(ctx context.Context, prefix string, id library.BlobID, plaintext []byte) error {
	envelope, err := crypto.Encrypt(b.key, plaintext)
	if err != nil {
		return fmt.Errorf("syncbucket: upload %s: encrypt: %w", id, err)
	}

	err = b.store.Write(ctx, shardedKey(prefix, id), envelope)
	if err != nil {
		return fmt.Errorf("syncbucket: upload %s: %w", id, err)
	}

	return nil
}

// BlobKey returns the sharded storage/ key for id, for callers (internal/storage)
// that read blob ranges directly through objstore rather than through Bucket.
func BlobKey(id library.BlobID) string {
	return shardedKey(storagePrefix, id)
}

// ImageKey returns the sharded images/ key for id.
func ImageKey(id library.BlobID) string {
	return shardedKey(imagesPrefix, id)
}

// SnapshotHeads maps device id to the seq that was folded into a bootstrap
// snapshot's library contents.
type SnapshotHeads map[string]uint64

type snapshotManifest struct {
	SnapshotHeads SnapshotHeads `json:"snapshot_heads"`
	CreatedAt     string        `json:"created_at"`
}

// GetSnapshot returns the manifest and a reader over the raw SQLite
// database bytes that follow the manifest line. r is backed by an
// in-memory buffer decrypted in full, not a live connection, so it stays
// valid across further Bucket calls.
func (b *Bucket) GetSnapshot(ctx context.Context) (SnapshotHeads, io.Reader, error) {
	envelope, err := b.store.Read(ctx, snapshotKey)
	if err != nil {
		return nil, nil, fmt.Errorf("syncbucket: get snapshot: %w", err)
	}

	plaintext, err := crypto.Decrypt(b.key, envelope)
	if err != nil {
		return nil, nil, fmt.Errorf("syncbucket: get snapshot: decrypt: %w", err)
	}

	idx := indexByte(plaintext, '\n')
	if idx < 0 {
		return nil, nil, errors.New("syncbucket: get snapshot: missing manifest line")
	}

	var manifest snapshotManifest

	err = json.Unmarshal(plaintext[:idx], &manifest)
	if err != nil {
		return nil, nil, fmt.Errorf("syncbucket: get snapshot: decode manifest: %w", err)
	}

	return manifest.SnapshotHeads, strings.NewReader(string(plaintext[idx+1:])), nil
}

// PutSnapshot encrypts and writes the bootstrap snapshot: a manifest line
// carrying heads, a newline, then every byte read from r (the raw SQLite
// file contents of the synced tables only).
func (b *Bucket) PutSnapshot(ctx context.Context, heads SnapshotHeads, createdAt string, r io.Reader) error {
	manifest, err := json.Marshal(snapshotManifest{SnapshotHeads: heads, CreatedAt: createdAt})
	if err != nil {
		return fmt.Errorf("syncbucket: put snapshot: encode manifest: %w", err)
	}

	payload, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("syncbucket: put snapshot: read payload: %w", err)
	}

	plaintext := make([]byte, 0, len(manifest)+1+len(payload))
	plaintext = append(plaintext, manifest...)
	plaintext = append(plaintext, '\n')
	plaintext = append(plaintext, payload...)

	envelope, err := crypto.Encrypt(b.key, plaintext)
	if err != nil {
		return fmt.Errorf("syncbucket: put snapshot: encrypt: %w", err)
	}

	err = b.store.Write(ctx, snapshotKey, envelope)
	if err != nil {
		return fmt.Errorf("syncbucket: put snapshot: %w", err)
	}

	return nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}

	return -1
}

// ListChangeSeqs returns every seq present for device under changes/, sorted
// ascending, by listing and parsing the zero-padded filename. Used by
// internal/syncengine to validate the no-gaps invariant during a pull.
func (b *Bucket) ListChangeSeqs(ctx context.Context, device string) ([]uint64, error) {
	keys, err := b.store.List(ctx, objstore.JoinKey(changesPrefix, device)+"/")
	if err != nil {
		return nil, fmt.Errorf("syncbucket: list change seqs %s: %w", device, err)
	}

	seqs := make([]uint64, 0, len(keys))

	for _, key := range keys {
		name := key[strings.LastIndex(key, "/")+1:]
		name = strings.TrimSuffix(name, ".enc")

		seq, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			continue
		}

		seqs = append(seqs, seq)
	}

	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	return seqs, nil
}
