package fs

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
)

func newTestLocker(t *testing.T) (*Locker, string) {
	t.Helper()

	return NewLocker(NewReal()), filepath.Join(t.TempDir(), "library.lock")
}

func TestLockAcquireAndRelease(t *testing.T) {
	locker, path := newTestLocker(t)

	lock, err := locker.Lock(path)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	if err := lock.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestLockCreatesMissingParentDirs(t *testing.T) {
	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), "deep", "nested", "library.lock")

	lock, err := locker.Lock(path)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	defer func() { _ = lock.Close() }()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("lock file not created: %v", err)
	}
}

func TestTryLockHeldReturnsWouldBlock(t *testing.T) {
	locker, path := newTestLocker(t)

	// flock locks are per-process, so contention within one test process
	// has to be simulated at the flock seam: the second locker's flock
	// reports EWOULDBLOCK the way the kernel would for a lock held by
	// another process.
	held, err := locker.Lock(path)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	defer func() { _ = held.Close() }()

	contended := NewLocker(NewReal())
	contended.flock = func(_ int, how int) error {
		if how&syscall.LOCK_UN != 0 {
			return nil
		}

		return syscall.EWOULDBLOCK
	}

	_, err = contended.TryLock(path)
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("TryLock on held lock = %v, want ErrWouldBlock", err)
	}
}

func TestTryLockUncontendedSucceeds(t *testing.T) {
	locker, path := newTestLocker(t)

	lock, err := locker.TryLock(path)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}

	if err := lock.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestLockCloseIsIdempotent(t *testing.T) {
	locker, path := newTestLocker(t)

	lock, err := locker.Lock(path)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	if err := lock.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}

	if err := lock.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestLockReacquireAfterRelease(t *testing.T) {
	locker, path := newTestLocker(t)

	first, err := locker.Lock(path)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := locker.TryLock(path)
	if err != nil {
		t.Fatalf("TryLock after release: %v", err)
	}

	if err := second.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestLockRetriesWhenLockFileReplaced(t *testing.T) {
	locker, path := newTestLocker(t)

	// Force one inode mismatch: the first flock lands on a file that is
	// then replaced at path, so acquire must retry against the new inode.
	replaced := false

	innerFlock := locker.flock
	locker.flock = func(fd int, how int) error {
		if err := innerFlock(fd, how); err != nil {
			return err
		}

		if !replaced && how&syscall.LOCK_UN == 0 {
			replaced = true

			_ = os.Remove(path)

			if err := os.WriteFile(path, nil, 0o600); err != nil {
				t.Errorf("replace lock file: %v", err)
			}
		}

		return nil
	}

	lock, err := locker.Lock(path)
	if err != nil {
		t.Fatalf("Lock after replacement: %v", err)
	}

	defer func() { _ = lock.Close() }()

	if !replaced {
		t.Fatal("replacement hook never fired")
	}
}
