package fs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
)

// ErrAtomicWriteDirSync indicates the parent directory could not be
// synced after the rename. The new file is in place but its directory
// entry's durability is not guaranteed. Detect with
// errors.Is(err, ErrAtomicWriteDirSync).
var ErrAtomicWriteDirSync = errors.New("dir sync")

// AtomicWriter writes files atomically and durably: data goes to an
// exclusively created temp file in the destination directory, is synced,
// renamed over the destination, and (optionally) the directory itself is
// synced so the rename survives a crash. A reader of the destination path
// never observes a partial write.
type AtomicWriter struct {
	fs FS
}

// NewAtomicWriter creates an AtomicWriter over fsys. Panics if fsys is
// nil.
func NewAtomicWriter(fsys FS) *AtomicWriter {
	if fsys == nil {
		panic("fs is nil")
	}

	return &AtomicWriter{fs: fsys}
}

// AtomicWriteOptions configures Write behavior.
type AtomicWriteOptions struct {
	// SyncDir controls whether the parent directory is synced after the
	// rename.
	SyncDir bool

	// Perm is the destination file mode. Must be non-zero; the temp file
	// is explicitly chmod'd to it, regardless of umask.
	Perm os.FileMode
}

// Write streams r to path atomically and durably. The parent directory
// must already exist. If only the directory-sync step fails, the new
// contents are in place and the error satisfies
// errors.Is(err, ErrAtomicWriteDirSync).
func (w *AtomicWriter) Write(path string, r io.Reader, opts AtomicWriteOptions) error {
	if r == nil {
		panic("reader is nil")
	}

	if path == "" {
		return errors.New("path is empty")
	}

	if opts.Perm == 0 {
		return errors.New("opts.Perm must be non-zero")
	}

	dir, base := filepath.Split(path)
	if base == "" || base == string(os.PathSeparator) || base == "." {
		return fmt.Errorf("path is invalid: %q", path)
	}

	if dir == "" {
		dir = "."
	}

	dir = filepath.Clean(dir)

	tmp, tmpPath, err := w.createTemp(dir, base, opts.Perm)
	if err != nil {
		return err
	}

	err = w.fillTemp(tmp, tmpPath, r, opts.Perm)
	if err != nil {
		return errors.Join(err, w.discardTemp(tmp, tmpPath))
	}

	err = w.fs.Rename(tmpPath, path)
	if err != nil {
		return errors.Join(fmt.Errorf("rename: %w", err), w.discardTemp(tmp, tmpPath))
	}

	// The rename consumed the temp path; only the handle remains to close.
	_ = tmp.Close()

	if opts.SyncDir {
		return w.syncDir(dir)
	}

	return nil
}

// atomicWriteSeq makes temp names process-unique; collisions can only be
// stale leftovers from a previous crashed process, which O_EXCL skips.
var atomicWriteSeq atomic.Uint64

const atomicWriteMaxAttempts = 10000

func (w *AtomicWriter) createTemp(dir, base string, perm os.FileMode) (File, string, error) {
	for attempt := 0; attempt < atomicWriteMaxAttempts; attempt++ {
		tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d", base, atomicWriteSeq.Add(1)))

		f, err := w.fs.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
		if err == nil {
			return f, tmpPath, nil
		}

		if os.IsExist(err) {
			continue
		}

		return nil, "", fmt.Errorf("create temp file: %w", err)
	}

	return nil, "", fmt.Errorf("exhausted temp file attempts in %q", dir)
}

// fillTemp chmods, writes, and syncs the temp file, leaving it ready to
// rename into place.
func (w *AtomicWriter) fillTemp(tmp File, tmpPath string, r io.Reader, perm os.FileMode) error {
	err := tmp.Chmod(perm)
	if err != nil {
		return fmt.Errorf("chmod temp file %q: %w", tmpPath, err)
	}

	_, err = io.Copy(tmp, r)
	if err != nil {
		return fmt.Errorf("write temp file %q: %w", tmpPath, err)
	}

	err = tmp.Sync()
	if err != nil {
		return fmt.Errorf("sync temp file %q: %w", tmpPath, err)
	}

	return nil
}

// discardTemp closes and removes a temp file after a failed write, so an
// aborted commit leaves nothing behind.
func (w *AtomicWriter) discardTemp(tmp File, tmpPath string) error {
	var errs []error

	if err := tmp.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close temp file %q: %w", tmpPath, err))
	}

	if err := w.fs.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("remove temp file %q: %w", tmpPath, err))
	}

	return errors.Join(errs...)
}

func (w *AtomicWriter) syncDir(dir string) error {
	d, err := w.fs.Open(dir)
	if err != nil {
		return errors.Join(ErrAtomicWriteDirSync, fmt.Errorf("open dir %q: %w", dir, err))
	}

	syncErr := d.Sync()
	closeErr := d.Close()

	if syncErr != nil {
		return errors.Join(ErrAtomicWriteDirSync, fmt.Errorf("%q: %w", dir, syncErr))
	}

	if closeErr != nil {
		return errors.Join(ErrAtomicWriteDirSync, fmt.Errorf("close dir %q: %w", dir, closeErr))
	}

	return nil
}
