// Package storage implements the location-aware byte source every audio
// decoder reads from: a local file on disk, or an encrypted object in the
// cloud object store.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ariafm/aria/internal/crypto"
	"github.com/ariafm/aria/internal/objstore"
	"github.com/ariafm/aria/pkg/fs"
)

// ErrInvalidRange reports a read_range call outside [0, size) or with
// start >= end.
var ErrInvalidRange = errors.New("storage: invalid range")

// Reader is a seekable byte source of known total length.
type Reader interface {
	// ReadRange returns plaintext bytes [start, end). Returns
	// ErrInvalidRange unless 0 <= start < end <= Size().
	ReadRange(ctx context.Context, start, end int64) ([]byte, error)
	// Size is the total plaintext length.
	Size() int64
}

func validateRange(start, end, size int64) error {
	if start < 0 || end <= start || end > size {
		return fmt.Errorf("%w: [%d, %d) over size %d", ErrInvalidRange, start, end, size)
	}

	return nil
}

// Local is a Reader over a plain file on disk.
type Local struct {
	fsys fs.FS
	path string
	size int64
}

// NewLocal opens path and stats its size once.
func NewLocal(fsys fs.FS, path string) (*Local, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("storage: local: open %q: %w", path, err)
	}

	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("storage: local: stat %q: %w", path, err)
	}

	return &Local{fsys: fsys, path: path, size: info.Size()}, nil
}

func (l *Local) Size() int64 { return l.size }

func (l *Local) ReadRange(_ context.Context, start, end int64) ([]byte, error) {
	err := validateRange(start, end, l.size)
	if err != nil {
		return nil, err
	}

	f, err := l.fsys.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("storage: local: open %q: %w", l.path, err)
	}

	defer func() { _ = f.Close() }()

	_, err = f.Seek(start, io.SeekStart)
	if err != nil {
		return nil, fmt.Errorf("storage: local: seek %q: %w", l.path, err)
	}

	buf := make([]byte, end-start)

	_, err = io.ReadFull(f, buf)
	if err != nil {
		return nil, fmt.Errorf("storage: local: read %q: %w", l.path, err)
	}

	return buf, nil
}

// Cloud is a Reader over an object in [objstore.Store]. When aeadKey is
// non-nil the object is treated as a whole-blob AEAD envelope: since the
// authentication tag covers the entire ciphertext, any read decrypts the
// whole object and slices out the requested range. internal/sparse exists
// precisely to keep that from happening on every call.
type Cloud struct {
	store   objstore.Store
	key     string
	size    int64
	aeadKey *crypto.Key
}

// NewCloud constructs a Cloud reader for an object already known to be
// size bytes of plaintext. aeadKey is nil for objects stored without
// encryption.
func NewCloud(store objstore.Store, key string, size int64, aeadKey *crypto.Key) *Cloud {
	return &Cloud{store: store, key: key, size: size, aeadKey: aeadKey}
}

func (c *Cloud) Size() int64 { return c.size }

func (c *Cloud) ReadRange(ctx context.Context, start, end int64) ([]byte, error) {
	err := validateRange(start, end, c.size)
	if err != nil {
		return nil, err
	}

	if c.aeadKey == nil {
		data, err := c.store.ReadRange(ctx, c.key, start, end)
		if err != nil {
			return nil, fmt.Errorf("storage: cloud: read range %q: %w", c.key, err)
		}

		return data, nil
	}

	ciphertext, err := c.store.Read(ctx, c.key)
	if err != nil {
		return nil, fmt.Errorf("storage: cloud: read %q: %w", c.key, err)
	}

	plaintext, err := crypto.Decrypt(*c.aeadKey, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("storage: cloud: decrypt %q: %w", c.key, err)
	}

	if int64(len(plaintext)) != c.size {
		return nil, fmt.Errorf("storage: cloud: %q: decrypted length %d, want %d", c.key, len(plaintext), c.size)
	}

	return plaintext[start:end], nil
}
