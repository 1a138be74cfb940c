package fs_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ariafm/aria/pkg/fs"
)

func TestAtomicWriteCreatesFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "head.json")

	writer := fs.NewAtomicWriter(fs.NewReal())

	err := writer.Write(path, strings.NewReader("hello"), fs.AtomicWriteOptions{SyncDir: true, Perm: 0o640})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if string(got) != "hello" {
		t.Fatalf("content=%q, want %q", got, "hello")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}

	if info.Mode().Perm() != 0o640 {
		t.Fatalf("perm=%v, want 0640", info.Mode().Perm())
	}
}

func TestAtomicWriteReplacesExistingFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "head.json")

	writer := fs.NewAtomicWriter(fs.NewReal())

	for _, content := range []string{"v1", "v2"} {
		err := writer.Write(path, strings.NewReader(content), fs.AtomicWriteOptions{SyncDir: true, Perm: 0o640})
		if err != nil {
			t.Fatalf("Write %q: %v", content, err)
		}
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if string(got) != "v2" {
		t.Fatalf("content=%q, want %q", got, "v2")
	}
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writer := fs.NewAtomicWriter(fs.NewReal())

	err := writer.Write(filepath.Join(dir, "obj"), strings.NewReader("payload"), fs.AtomicWriteOptions{SyncDir: true, Perm: 0o640})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	if len(entries) != 1 || entries[0].Name() != "obj" {
		t.Fatalf("directory should hold only the destination, got %v", entries)
	}
}

func TestAtomicWriteRejectsZeroPerm(t *testing.T) {
	t.Parallel()

	writer := fs.NewAtomicWriter(fs.NewReal())

	err := writer.Write(filepath.Join(t.TempDir(), "obj"), strings.NewReader("x"), fs.AtomicWriteOptions{})
	if err == nil {
		t.Fatal("expected error for zero Perm")
	}
}

func TestAtomicWriteRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	writer := fs.NewAtomicWriter(fs.NewReal())

	err := writer.Write("", strings.NewReader("x"), fs.AtomicWriteOptions{Perm: 0o600})
	if err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestAtomicWriteMissingDirFails(t *testing.T) {
	t.Parallel()

	writer := fs.NewAtomicWriter(fs.NewReal())
	path := filepath.Join(t.TempDir(), "no-such-dir", "obj")

	err := writer.Write(path, strings.NewReader("x"), fs.AtomicWriteOptions{Perm: 0o600})
	if err == nil {
		t.Fatal("expected error when parent directory is missing")
	}

	if _, statErr := os.Stat(path); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatalf("destination should not exist, stat: %v", statErr)
	}
}
