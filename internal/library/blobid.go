package library

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// BlobID is the 128-bit content address identifying an immutable audio or
// image payload. An "edit" produces a new id; blob bytes are never
// mutated in place.
type BlobID [16]byte

// ContentBlobID derives the content address of plaintext. Two devices that
// produce byte-identical plaintext (for example, re-encoding the same
// source file) converge on the same blob id without coordination.
func ContentBlobID(plaintext []byte) BlobID {
	sum := sha256.Sum256(plaintext)

	var id BlobID

	copy(id[:], sum[:16])

	return id
}

// String renders the id in dashed UUID-like form, matching the
// "id_with_dashes" shape referenced by the storage path derivation.
func (id BlobID) String() string {
	h := hex.EncodeToString(id[:])

	return strings.Join([]string{h[0:8], h[8:12], h[12:16], h[16:20], h[20:32]}, "-")
}

// ParseBlobID parses either dashed or bare-hex form, trimming surrounding
// whitespace first.
func ParseBlobID(s string) (BlobID, error) {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "-", "")

	b, err := hex.DecodeString(s)
	if err != nil {
		return BlobID{}, fmt.Errorf("library: parse blob id %q: %w", s, err)
	}

	if len(b) != 16 {
		return BlobID{}, fmt.Errorf("library: parse blob id %q: want 16 bytes, got %d", s, len(b))
	}

	var id BlobID

	copy(id[:], b)

	return id, nil
}
