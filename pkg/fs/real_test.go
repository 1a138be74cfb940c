package fs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRealExistsMissingPath(t *testing.T) {
	fsys := NewReal()

	exists, err := fsys.Exists(filepath.Join(t.TempDir(), "does-not-exist.txt"))
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}

	if exists {
		t.Fatal("Exists = true for a missing path")
	}
}

func TestRealExistsFile(t *testing.T) {
	fsys := NewReal()
	path := filepath.Join(t.TempDir(), "exists.txt")

	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	exists, err := fsys.Exists(path)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}

	if !exists {
		t.Fatal("Exists = false for an existing file")
	}
}

func TestRealExistsDirectory(t *testing.T) {
	fsys := NewReal()
	subdir := filepath.Join(t.TempDir(), "subdir")

	if err := os.MkdirAll(subdir, 0o755); err != nil {
		t.Fatalf("setup: %v", err)
	}

	exists, err := fsys.Exists(subdir)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}

	if !exists {
		t.Fatal("Exists = false for an existing directory")
	}
}

func TestRealWriteReadRoundTrip(t *testing.T) {
	fsys := NewReal()
	path := filepath.Join(t.TempDir(), "file")

	if err := os.WriteFile(path, []byte("payload"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := fsys.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if string(got) != "payload" {
		t.Fatalf("got %q, want %q", got, "payload")
	}
}

func TestRealRenameMovesFile(t *testing.T) {
	fsys := NewReal()
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "old")
	newPath := filepath.Join(dir, "new")

	if err := os.WriteFile(oldPath, []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := fsys.Rename(oldPath, newPath); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	exists, err := fsys.Exists(oldPath)
	if err != nil || exists {
		t.Fatalf("old path should be gone: exists=%v err=%v", exists, err)
	}

	exists, err = fsys.Exists(newPath)
	if err != nil || !exists {
		t.Fatalf("new path should exist: exists=%v err=%v", exists, err)
	}
}
