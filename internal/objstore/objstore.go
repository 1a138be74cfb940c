// Package objstore implements the cloud object adapter: an
// 8-method raw byte store over one logical bucket. Two backends are
// provided: [NewLocal] for a plain directory (used by single-device setups
// and tests) and [NewS3] for an S3-compatible bucket (the shared, untrusted
// store multiple devices actually sync through).
package objstore

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound reports that a key has no object. Distinguished from the
// generic Storage error so callers can tell "absent" from "transient
// failure" apart.
var ErrNotFound = errors.New("object not found")

// StorageError wraps a transient backend failure. Callers are expected to
// treat it as retryable with exponential backoff.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError wraps err as a retryable storage failure for operation op.
func NewStorageError(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// AccessGrant is the result of [Store.GrantAccess]: pre-baked connection
// parameters for a credentialed backend, or bare bucket coordinates for a
// backend that has no member-level access control.
type AccessGrant struct {
	// Bucket is the bucket/endpoint coordinate the grantee should use.
	Bucket string
	// URL is a pre-signed or otherwise credentialed URL, if the backend
	// supports one. Empty for backends that no-op.
	URL string
}

// Store is the 8-method raw byte store every sync component is built on.
// Values are opaque byte buffers; key interpretation (layout) is the
// concern of internal/syncbucket, not this package.
type Store interface {
	// Read returns the full contents of key.
	// Returns an error satisfying errors.Is(err, ErrNotFound) if absent.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write stores data at key, overwriting any existing object.
	Write(ctx context.Context, key string, data []byte) error

	// ReadRange returns bytes [start, end) of key. It is inclusive-exclusive
	// and tolerates end beyond the object length by returning the available
	// tail.
	ReadRange(ctx context.Context, key string, start, end int64) ([]byte, error)

	// List returns keys with the given prefix in lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes key. Deleting a missing key is a success.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is present without transferring its body.
	Exists(ctx context.Context, key string) (bool, error)

	// GrantAccess returns connection parameters for member. Optional per
	// backend: credentialed backends return pre-baked parameters, others
	// no-op and return the bare bucket coordinates.
	GrantAccess(ctx context.Context, member string) (AccessGrant, error)

	// RevokeAccess revokes a prior grant for member. No-op on backends that
	// do not track per-member access.
	RevokeAccess(ctx context.Context, member string) error
}
