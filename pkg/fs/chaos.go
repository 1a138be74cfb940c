package fs

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"syscall"
)

// ChaosConfig controls fault injection probabilities. Each rate is a
// float64 from 0.0 (never) to 1.0 (always). The zero value disables all
// injection, so a partially initialized config only injects the faults it
// names.
type ChaosConfig struct {
	// OpenFailRate controls how often Open and OpenFile fail.
	OpenFailRate float64

	// ReadFailRate controls how often ReadFile and File.Read fail
	// entirely, returning zero bytes and an EIO-class error.
	ReadFailRate float64

	// PartialReadRate controls how often File.Read returns fewer bytes
	// than requested (n < len(p), err == nil). This is valid io.Reader
	// behavior, not an error; it tests that callers loop until EOF.
	PartialReadRate float64

	// WriteFailRate controls how often File.Write fails, returning an
	// ENOSPC-class error with nothing written.
	WriteFailRate float64

	// SyncFailRate controls how often File.Sync fails. Sync failures
	// surface delayed write errors that Write itself never reported.
	SyncFailRate float64

	// RenameFailRate controls how often Rename fails, the fault that
	// breaks an atomic-write commit at its final step.
	RenameFailRate float64

	// StatFailRate controls how often Stat and File.Stat fail.
	StatFailRate float64

	// RemoveFailRate controls how often Remove fails.
	RemoveFailRate float64
}

// chaosError marks an injected fault so tests can tell deliberate chaos
// apart from real filesystem problems.
type chaosError struct {
	op    string
	path  string
	errno syscall.Errno
}

func (e *chaosError) Error() string {
	return fmt.Sprintf("%s %s: injected %v", e.op, e.path, e.errno)
}

func (e *chaosError) Unwrap() error {
	return e.errno
}

// IsChaosErr reports whether err (or anything it wraps) was injected by a
// [Chaos] filesystem.
func IsChaosErr(err error) bool {
	var ce *chaosError

	return errors.As(err, &ce)
}

// Chaos wraps an [FS] and injects random failures at the configured
// rates. The same seed and call sequence produce the same faults, so a
// failing test reproduces exactly.
type Chaos struct {
	underlying FS
	config     ChaosConfig

	mu     sync.Mutex
	rng    *rand.Rand
	faults int64
}

// NewChaos wraps underlying with fault injection driven by seed. A nil
// config injects nothing.
func NewChaos(underlying FS, seed int64, config *ChaosConfig) *Chaos {
	var cfg ChaosConfig
	if config != nil {
		cfg = *config
	}

	return &Chaos{
		underlying: underlying,
		config:     cfg,
		rng:        rand.New(rand.NewPCG(uint64(seed), 0)), //nolint:gosec // deterministic test randomness
	}
}

// TotalFaults returns how many faults have been injected so far.
func (c *Chaos) TotalFaults() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.faults
}

// should decides one injection, counting it when it fires. Every decision
// consumes one PRNG value, so fault positions depend only on seed and
// call order.
func (c *Chaos) should(rate float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := c.rng.Float64()

	hit := rate > 0 && v < rate
	if hit {
		c.faults++
	}

	return hit
}

// partialN picks a strictly smaller read size in [1, n).
func (c *Chaos) partialN(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return 1 + c.rng.IntN(n-1)
}

var _ FS = (*Chaos)(nil)

func (c *Chaos) Open(path string) (File, error) {
	if c.should(c.config.OpenFailRate) {
		return nil, &chaosError{op: "open", path: path, errno: syscall.EACCES}
	}

	f, err := c.underlying.Open(path)
	if err != nil {
		return nil, err
	}

	return &chaosFile{inner: f, path: path, chaos: c}, nil
}

func (c *Chaos) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if c.should(c.config.OpenFailRate) {
		return nil, &chaosError{op: "openfile", path: path, errno: syscall.EACCES}
	}

	f, err := c.underlying.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}

	return &chaosFile{inner: f, path: path, chaos: c}, nil
}

func (c *Chaos) ReadFile(path string) ([]byte, error) {
	if c.should(c.config.ReadFailRate) {
		return nil, &chaosError{op: "readfile", path: path, errno: syscall.EIO}
	}

	return c.underlying.ReadFile(path)
}

func (c *Chaos) MkdirAll(path string, perm os.FileMode) error {
	return c.underlying.MkdirAll(path, perm)
}

func (c *Chaos) Stat(path string) (os.FileInfo, error) {
	if c.should(c.config.StatFailRate) {
		return nil, &chaosError{op: "stat", path: path, errno: syscall.EIO}
	}

	return c.underlying.Stat(path)
}

func (c *Chaos) Exists(path string) (bool, error) {
	return c.underlying.Exists(path)
}

func (c *Chaos) Remove(path string) error {
	if c.should(c.config.RemoveFailRate) {
		return &chaosError{op: "remove", path: path, errno: syscall.EIO}
	}

	return c.underlying.Remove(path)
}

func (c *Chaos) Rename(oldpath, newpath string) error {
	if c.should(c.config.RenameFailRate) {
		return &chaosError{op: "rename", path: oldpath, errno: syscall.EIO}
	}

	return c.underlying.Rename(oldpath, newpath)
}

// chaosFile injects per-operation faults on an open handle.
type chaosFile struct {
	inner File
	path  string
	chaos *Chaos
}

func (f *chaosFile) Read(p []byte) (int, error) {
	if f.chaos.should(f.chaos.config.ReadFailRate) {
		return 0, &chaosError{op: "read", path: f.path, errno: syscall.EIO}
	}

	if len(p) > 1 && f.chaos.should(f.chaos.config.PartialReadRate) {
		return f.inner.Read(p[:f.chaos.partialN(len(p))])
	}

	return f.inner.Read(p)
}

func (f *chaosFile) Write(p []byte) (int, error) {
	if f.chaos.should(f.chaos.config.WriteFailRate) {
		return 0, &chaosError{op: "write", path: f.path, errno: syscall.ENOSPC}
	}

	return f.inner.Write(p)
}

func (f *chaosFile) Seek(offset int64, whence int) (int64, error) {
	return f.inner.Seek(offset, whence)
}

func (f *chaosFile) Fd() uintptr {
	return f.inner.Fd()
}

func (f *chaosFile) Stat() (os.FileInfo, error) {
	if f.chaos.should(f.chaos.config.StatFailRate) {
		return nil, &chaosError{op: "stat", path: f.path, errno: syscall.EIO}
	}

	return f.inner.Stat()
}

func (f *chaosFile) Sync() error {
	if f.chaos.should(f.chaos.config.SyncFailRate) {
		return &chaosError{op: "sync", path: f.path, errno: syscall.EIO}
	}

	return f.inner.Sync()
}

func (f *chaosFile) Chmod(mode os.FileMode) error {
	return f.inner.Chmod(mode)
}

func (f *chaosFile) Close() error {
	return f.inner.Close()
}
