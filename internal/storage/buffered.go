package storage

import (
	"context"
	"fmt"

	"github.com/ariafm/aria/internal/sparse"
)

// Buffered wraps a Reader in a sparse byte cache so repeated and
// overlapping reads (a decoder walking container chunks, a seek back into
// already-played audio) hit memory instead of re-issuing object reads.
// Concurrent readers of the same missing range share one underlying fetch.
type Buffered struct {
	inner Reader
	buf   *sparse.Buffer
}

// NewBuffered caches inner behind a sparse buffer with the given fetch
// chunk size; chunkSize <= 0 uses the sparse package default. For a
// whole-blob AEAD object, pass inner.Size() as the chunk size: every read
// of the envelope decrypts the full plaintext anyway, so one fetch fills
// the entire buffer and later reads never touch the object again.
func NewBuffered(inner Reader, chunkSize int64) *Buffered {
	return &Buffered{inner: inner, buf: sparse.NewChunked(inner.Size(), chunkSize)}
}

func (b *Buffered) Size() int64 { return b.inner.Size() }

func (b *Buffered) ReadRange(ctx context.Context, start, end int64) ([]byte, error) {
	err := validateRange(start, end, b.inner.Size())
	if err != nil {
		return nil, err
	}

	err = b.buf.Ensure(ctx, start, end, b.inner.ReadRange)
	if err != nil {
		return nil, err
	}

	data, needed, err := b.buf.Read(start, end)
	if err != nil {
		return nil, err
	}

	if len(needed) > 0 {
		return nil, fmt.Errorf("storage: buffered: range [%d, %d) still missing %d intervals after fetch", start, end, len(needed))
	}

	return data, nil
}
