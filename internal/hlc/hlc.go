// Package hlc implements the hybrid logical clock used to order replicated
// row mutations for last-writer-wins conflict resolution.
package hlc

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// NodeSize is the width in bytes of the stable per-install node identifier.
const NodeSize = 16

// Node is a stable per-install identifier persisted once and embedded in
// every timestamp this process emits. It is the final tie-breaker in LWW.
type Node [NodeSize]byte

// String renders the node as lowercase hex.
func (n Node) String() string {
	return hex.EncodeToString(n[:])
}

// ParseNode decodes a hex-encoded node identifier.
func ParseNode(s string) (Node, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Node{}, fmt.Errorf("parse node %q: %w", s, err)
	}

	if len(b) != NodeSize {
		return Node{}, fmt.Errorf("parse node %q: want %d bytes, got %d", s, NodeSize, len(b))
	}

	var n Node

	copy(n[:], b)

	return n, nil
}

// Timestamp is the (wall, counter, node) triple compared lexicographically
// in that order for last-writer-wins resolution.
type Timestamp struct {
	WallMS  uint64
	Counter uint32
	Node    Node
}

// Compare returns -1, 0, or 1 as t is less than, equal to, or greater than
// other, comparing wall, then counter, then node as a strict total order.
func (t Timestamp) Compare(other Timestamp) int {
	switch {
	case t.WallMS < other.WallMS:
		return -1
	case t.WallMS > other.WallMS:
		return 1
	}

	switch {
	case t.Counter < other.Counter:
		return -1
	case t.Counter > other.Counter:
		return 1
	}

	return strings.Compare(t.Node.String(), other.Node.String())
}

// Less reports whether t sorts strictly before other.
func (t Timestamp) Less(other Timestamp) bool {
	return t.Compare(other) < 0
}

// IsZero reports whether t is the zero timestamp.
func (t Timestamp) IsZero() bool {
	return t.WallMS == 0 && t.Counter == 0 && t.Node == Node{}
}

// String renders the timestamp as "wall.counter.node", the canonical form
// stored in the updated_hlc column.
func (t Timestamp) String() string {
	return fmt.Sprintf("%020d.%010d.%s", t.WallMS, t.Counter, t.Node)
}

// Parse parses the canonical "wall.counter.node" representation produced by
// [Timestamp.String].
func Parse(s string) (Timestamp, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Timestamp{}, fmt.Errorf("parse timestamp %q: want 3 dot-separated fields", s)
	}

	wall, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return Timestamp{}, fmt.Errorf("parse timestamp %q: wall: %w", s, err)
	}

	counter, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return Timestamp{}, fmt.Errorf("parse timestamp %q: counter: %w", s, err)
	}

	node, err := ParseNode(parts[2])
	if err != nil {
		return Timestamp{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}

	return Timestamp{WallMS: wall, Counter: uint32(counter), Node: node}, nil
}

// Clock is a single per-process hybrid logical clock. Access is serialized
// internally; one Clock should be constructed per process and shared.
type Clock struct {
	mu   sync.Mutex
	last Timestamp
	node Node
	now  func() time.Time
}

// New returns a Clock stamped with node, using the real wall clock.
func New(node Node) *Clock {
	return &Clock{node: node, now: time.Now}
}

// NewWithClock returns a Clock using the supplied wall-clock function.
// Intended for tests that need deterministic or controllable time.
func NewWithClock(node Node, now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}

	return &Clock{node: node, now: now}
}

// Now advances and returns the local timestamp:
// if the wall clock has moved forward, emit (wall, 0, node); otherwise bump
// the counter. The result is always strictly greater than the previous
// value returned by this Clock.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := uint64(c.now().UnixMilli()) //nolint:gosec // monotonic ms since epoch, never negative in practice

	next := c.advance(wall, c.last.Counter)
	c.last = next

	return next
}

// Observe merges a remote timestamp into the local clock and returns the
// resulting local timestamp, which is guaranteed to be strictly greater
// than remote and strictly greater than the clock's own previous value.
func (c *Clock) Observe(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := uint64(c.now().UnixMilli()) //nolint:gosec // monotonic ms since epoch, never negative in practice
	if c.last.WallMS > wall {
		wall = c.last.WallMS
	}

	if remote.WallMS > wall {
		wall = remote.WallMS
	}

	var counter uint32

	if wall == c.last.WallMS {
		counter = c.last.Counter + 1
	}

	if wall == remote.WallMS && remote.Counter+1 > counter {
		counter = remote.Counter + 1
	}

	next := Timestamp{WallMS: wall, Counter: counter, Node: c.node}
	c.last = next

	return next
}

// advance applies the "bump on tie" rule relative to c.last using the given
// candidate wall/counter baseline. Caller holds c.mu.
func (c *Clock) advance(wall uint64, counter uint32) Timestamp {
	if wall > c.last.WallMS {
		return Timestamp{WallMS: wall, Counter: 0, Node: c.node}
	}

	return Timestamp{WallMS: c.last.WallMS, Counter: counter + 1, Node: c.node}
}
