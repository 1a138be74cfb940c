// Package sparse implements a concurrent, range-coalescing byte cache over
// a single object of known size: the layer that turns a storage.Reader
// into something cheap to read from repeatedly.
package sparse

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// DefaultChunkSize is the fetch-alignment granularity: requests for missing
// bytes are rounded out to chunk boundaries, matching typical object-store
// request granularity.
const DefaultChunkSize = 256 * 1024

// ErrInvalidRange reports a Read or Ensure call outside [0, size) or with
// start >= end.
var ErrInvalidRange = errors.New("sparse: invalid range")

// Interval is a half-open byte range [Start, End).
type Interval struct {
	Start, End int64
}

// Fetcher retrieves plaintext bytes for [start, end) of the buffer's
// object. Implementations are normally backed by a storage.Reader.
type Fetcher func(ctx context.Context, start, end int64) ([]byte, error)

type fetchState struct {
	done chan struct{}
	err  error
}

// Buffer is a fixed-size byte region representing a single blob, filled in
// lazily and retained in full (whole-blob retention: the simplest of the
// memory policies the cache could use, adequate since a library's
// individual audio blobs are a few MB at most).
type Buffer struct {
	mu        sync.Mutex
	data      []byte
	present   []bool
	size      int64
	chunkSize int64
	inflight  map[int]*fetchState
}

// New returns a Buffer for an object of size bytes, using DefaultChunkSize
// fetch alignment.
func New(size int64) *Buffer {
	return NewChunked(size, DefaultChunkSize)
}

// NewChunked is New with an explicit chunk size, mainly for tests.
func NewChunked(size, chunkSize int64) *Buffer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	numChunks := int((size + chunkSize - 1) / chunkSize)
	if size == 0 {
		numChunks = 0
	}

	return &Buffer{
		data:      make([]byte, size),
		present:   make([]bool, numChunks),
		size:      size,
		chunkSize: chunkSize,
		inflight:  make(map[int]*fetchState),
	}
}

// Size is the buffer's total length.
func (b *Buffer) Size() int64 { return b.size }

func (b *Buffer) chunkIndex(pos int64) int {
	return int(pos / b.chunkSize)
}

func validateRange(start, end, size int64) error {
	if start < 0 || end <= start || end > size {
		return fmt.Errorf("%w: [%d, %d) over size %d", ErrInvalidRange, start, end, size)
	}

	return nil
}

// Read returns the maximal contiguous prefix of [start, end) that is
// already present, starting at start, plus the half-open intervals still
// missing from the rest of the range. needed is empty and the full range
// is returned when the range is entirely present.
func (b *Buffer) Read(start, end int64) ([]byte, []Interval, error) {
	err := validateRange(start, end, b.size)
	if err != nil {
		return nil, nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	last := b.chunkIndex(end - 1)

	var needed []Interval

	c := b.chunkIndex(start)
	for c <= last {
		if b.present[c] {
			c++

			continue
		}

		runStart := c
		for c <= last && !b.present[c] {
			c++
		}

		byteStart := int64(runStart) * b.chunkSize

		byteEnd := int64(c) * b.chunkSize
		if byteEnd > b.size {
			byteEnd = b.size
		}

		needed = append(needed, Interval{Start: byteStart, End: byteEnd})
	}

	prefixEnd := start

	pc := b.chunkIndex(start)
	for pc <= last && b.present[pc] {
		chunkEnd := int64(pc+1) * b.chunkSize
		if chunkEnd > b.size {
			chunkEnd = b.size
		}

		if chunkEnd > end {
			chunkEnd = end
		}

		prefixEnd = chunkEnd
		pc++
	}

	var prefix []byte
	if prefixEnd > start {
		prefix = make([]byte, prefixEnd-start)
		copy(prefix, b.data[start:prefixEnd])
	}

	return prefix, needed, nil
}

// Fill marks [start, start+len(chunk)) present, copying chunk into the
// buffer. Idempotent: filling an already-present region overwrites it with
// the same bytes and changes nothing observable.
func (b *Buffer) Fill(start int64, chunk []byte) error {
	end := start + int64(len(chunk))
	if start < 0 || end > b.size {
		return fmt.Errorf("%w: fill [%d, %d) over size %d", ErrInvalidRange, start, end, b.size)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	copy(b.data[start:end], chunk)

	for c := b.chunkIndex(start); c < len(b.present); c++ {
		chunkStart := int64(c) * b.chunkSize

		chunkEnd := chunkStart + b.chunkSize
		if chunkEnd > b.size {
			chunkEnd = b.size
		}

		if chunkStart < start || chunkEnd > end {
			break
		}

		b.present[c] = true
	}

	return nil
}

// Ensure guarantees [start, end) is present, fetching every missing
// chunk-aligned interval via fetch. Concurrent Ensure calls that overlap
// the same missing interval wait on the same in-flight fetch rather than
// issuing redundant requests.
func (b *Buffer) Ensure(ctx context.Context, start, end int64, fetch Fetcher) error {
	err := validateRange(start, end, b.size)
	if err != nil {
		return err
	}

	for {
		missing, ours, state := b.claimNextMissing(start, end)
		if state == nil {
			return nil
		}

		if !ours {
			select {
			case <-state.done:
				continue
			case <-ctx.Done():
				return ctx.Err() //nolint:wrapcheck // caller-facing cancellation
			}
		}

		data, fetchErr := fetch(ctx, missing.Start, missing.End)

		b.mu.Lock()

		if fetchErr == nil {
			copy(b.data[missing.Start:missing.End], data)

			for c := b.chunkIndex(missing.Start); c < b.chunkIndex(missing.End-1)+1; c++ {
				b.present[c] = true
			}
		}

		state.err = fetchErr
		for c := b.chunkIndex(missing.Start); c < b.chunkIndex(missing.End-1)+1; c++ {
			delete(b.inflight, c)
		}

		close(state.done)
		b.mu.Unlock()

		if fetchErr != nil {
			return fmt.Errorf("sparse: ensure [%d, %d): %w", missing.Start, missing.End, fetchErr)
		}
	}
}

// claimNextMissing finds the first chunk-aligned missing run in [start,
// end). If it is already being fetched, it returns that fetch's state with
// ours=false so the caller waits on it. Otherwise it registers a new
// in-flight state for the run's chunks and returns ours=true so the
// caller performs the fetch. Returns a nil state if the range is already
// fully present.
func (b *Buffer) claimNextMissing(start, end int64) (Interval, bool, *fetchState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	last := b.chunkIndex(end - 1)

	first := -1

	for c := b.chunkIndex(start); c <= last; c++ {
		if !b.present[c] {
			first = c

			break
		}
	}

	if first == -1 {
		return Interval{}, false, nil
	}

	if st, ok := b.inflight[first]; ok {
		return Interval{}, false, st
	}

	runEnd := first
	for runEnd <= last && !b.present[runEnd] {
		if _, ok := b.inflight[runEnd]; ok {
			break
		}

		runEnd++
	}

	byteStart := int64(first) * b.chunkSize

	byteEnd := int64(runEnd) * b.chunkSize
	if byteEnd > b.size {
		byteEnd = b.size
	}

	state := &fetchState{done: make(chan struct{})}
	for c := first; c < runEnd; c++ {
		b.inflight[c] = state
	}

	return Interval{Start: byteStart, End: byteEnd}, true, state
}
