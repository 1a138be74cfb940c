package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

// ErrWouldBlock is returned by TryLock when another process already holds
// the lock.
var ErrWouldBlock = errors.New("lock would block")

// errInodeMismatch is an internal sentinel indicating the lock file was
// replaced between open and flock. Callers retry.
var errInodeMismatch = errors.New("inode mismatch")

// Locker provides exclusive file-based locking using flock(2): the
// mechanism that keeps two processes off the same library directory at
// once.
//
// flock locks an inode (the open file), not a pathname. Callers should
// lock a dedicated, stable lock file (for example "library.lock") and
// never replace or unlink it while locks may be held.
//
// Locker has no mutable state of its own; it is safe for concurrent use
// as long as the underlying [FS] is.
type Locker struct {
	fs    FS
	flock func(fd int, how int) error
}

// NewLocker creates a Locker over the given filesystem.
func NewLocker(fs FS) *Locker {
	return &Locker{
		fs:    fs,
		flock: syscall.Flock,
	}
}

// Lock represents a held exclusive lock. Call [Lock.Close] to release it.
type Lock struct {
	mu    sync.Mutex
	file  File
	flock func(fd int, how int) error
}

// Close releases the lock and closes the underlying descriptor. It is
// idempotent. On Unix, closing the descriptor releases the flock even if
// the explicit unlock failed first, so an error here is a cleanup
// diagnostic rather than a held-lock signal.
func (lk *Lock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return nil
	}

	fd := int(lk.file.Fd())

	unlockErr := flockRetryEINTR(lk.flock, fd, syscall.LOCK_UN)
	closeErr := lk.file.Close()
	lk.file = nil

	if unlockErr != nil {
		return fmt.Errorf("unlocking lock: %w", unlockErr)
	}

	if closeErr != nil {
		return fmt.Errorf("closing lock fd: %w", closeErr)
	}

	return nil
}

// Lock acquires an exclusive lock on the file at path, blocking in the
// kernel until it is available. The lock file and its parent directories
// are created if missing. There is no timeout; use [Locker.TryLock] when
// a held lock should be an immediate error instead of a wait.
func (l *Locker) Lock(path string) (*Lock, error) {
	for {
		file, err := l.openLockFile(path)
		if err != nil {
			return nil, fmt.Errorf("opening lockfile: %w", err)
		}

		err = l.acquire(file, path, false)
		if err == nil {
			return &Lock{file: file, flock: l.flock}, nil
		}

		_ = file.Close()

		if errors.Is(err, errInodeMismatch) {
			continue
		}

		return nil, err
	}
}

// TryLock attempts to acquire an exclusive lock on path without blocking.
// Returns an error satisfying errors.Is(err, ErrWouldBlock) if another
// process holds it.
func (l *Locker) TryLock(path string) (*Lock, error) {
	file, err := l.openLockFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening lockfile: %w", err)
	}

	err = l.acquire(file, path, true)
	if err == nil {
		return &Lock{file: file, flock: l.flock}, nil
	}

	_ = file.Close()

	if errors.Is(err, errInodeMismatch) {
		return nil, fmt.Errorf("%w: lock file was replaced while acquiring lock", ErrWouldBlock)
	}

	return nil, err
}

// acquire flocks file and verifies the inode still matches path. On
// failure the file is unlocked (if needed) but NOT closed; the caller
// closes it.
func (l *Locker) acquire(file File, path string, nonBlocking bool) error {
	fd := int(file.Fd())

	flags := syscall.LOCK_EX
	if nonBlocking {
		flags |= syscall.LOCK_NB
	}

	if err := flockRetryEINTR(l.flock, fd, flags); err != nil {
		if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
			return ErrWouldBlock
		}

		return err
	}

	match, err := l.inodeMatchesPath(path, file)
	if err != nil {
		_ = flockRetryEINTR(l.flock, fd, syscall.LOCK_UN)

		if errors.Is(err, os.ErrNotExist) {
			return errInodeMismatch
		}

		return fmt.Errorf("verifying inode match: %w", err)
	}

	if !match {
		_ = flockRetryEINTR(l.flock, fd, syscall.LOCK_UN)

		return errInodeMismatch
	}

	return nil
}

const (
	lockFilePerm = 0o600
	lockDirPerm  = 0o755
)

func (l *Locker) openLockFile(path string) (File, error) {
	f, err := l.fs.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return f, err
	}

	if err := l.fs.MkdirAll(filepath.Dir(path), lockDirPerm); err != nil {
		return nil, err
	}

	return l.fs.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm)
}

// inodeMatchesPath verifies that f, the descriptor just flocked, still
// refers to the file currently at path.
//
// A pathname can be replaced while the lock is being acquired (rename,
// delete+recreate, temp-file editors). Then one process holds a lock on
// the old inode while another locks the new one, and both believe they
// own the path. Comparing (dev, inode) of the open descriptor against the
// current file at path catches this; on mismatch the caller unlocks and
// retries against the new inode.
//
// This only protects the open-to-lock window. A file replaced after the
// check succeeds is no longer guarded; the fix is to never replace the
// lock file.
func (l *Locker) inodeMatchesPath(path string, f File) (bool, error) {
	openInfo, err := f.Stat()
	if err != nil {
		return false, err
	}

	openSys, ok := openInfo.Sys().(*syscall.Stat_t)
	if !ok || openSys == nil {
		return false, fmt.Errorf("file.Stat Sys=%T, want *syscall.Stat_t", openInfo.Sys())
	}

	pathInfo, err := l.fs.Stat(path)
	if err != nil {
		return false, err
	}

	pathSys, ok := pathInfo.Sys().(*syscall.Stat_t)
	if !ok || pathSys == nil {
		return false, fmt.Errorf("fs.Stat Sys=%T, want *syscall.Stat_t", pathInfo.Sys())
	}

	return openSys.Dev == pathSys.Dev && openSys.Ino == pathSys.Ino, nil
}

// flockRetryEINTR wraps flock, retrying on EINTR. Signals (SIGWINCH,
// SIGCHLD, timers) can interrupt any blocking syscall; the call just
// needs retrying. The retry count is capped to avoid spinning under a
// pathological signal storm.
func flockRetryEINTR(flock func(fd int, how int) error, fd int, how int) error {
	const maxEINTRRetries = 10000

	var err error

	for attempt := 0; attempt < maxEINTRRetries; attempt++ {
		err = flock(fd, how)
		if err == nil || !errors.Is(err, syscall.EINTR) {
			return err
		}
	}

	return err
}
