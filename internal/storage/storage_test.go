package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ariafm/aria/internal/crypto"
	"github.com/ariafm/aria/internal/objstore"
	"github.com/ariafm/aria/pkg/fs"
)

func TestLocalReadRangeRoundTrip(t *testing.T) {
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "track.wav")

	err := os.WriteFile(path, []byte("0123456789"), 0o600)
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	l, err := NewLocal(fs.NewReal(), path)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	if l.Size() != 10 {
		t.Fatalf("got size %d, want 10", l.Size())
	}

	got, err := l.ReadRange(ctx, 2, 5)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}

	if string(got) != "234" {
		t.Fatalf("got %q, want %q", got, "234")
	}
}

func TestLocalReadRangeRejectsOutOfBounds(t *testing.T) {
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "track.wav")

	err := os.WriteFile(path, []byte("01234"), 0o600)
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	l, err := NewLocal(fs.NewReal(), path)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	_, err = l.ReadRange(ctx, 3, 100)
	if !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("got err %v, want ErrInvalidRange", err)
	}

	_, err = l.ReadRange(ctx, 4, 2)
	if !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("got err %v, want ErrInvalidRange", err)
	}
}

func TestCloudReadRangeUnencrypted(t *testing.T) {
	ctx := context.Background()

	store, err := objstore.NewLocal(fs.NewReal(), t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	err = store.Write(ctx, "storage/ab/cd/blob1", []byte("hello world"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	c := NewCloud(store, "storage/ab/cd/blob1", 11, nil)

	got, err := c.ReadRange(ctx, 0, 5)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}

	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestCloudReadRangeWholeBlobDecryption(t *testing.T) {
	ctx := context.Background()

	store, err := objstore.NewLocal(fs.NewReal(), t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	var key crypto.Key
	key[0] = 7

	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	envelope, err := crypto.Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	err = store.Write(ctx, "storage/12/34/blob2", envelope)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	c := NewCloud(store, "storage/12/34/blob2", int64(len(plaintext)), &key)

	got, err := c.ReadRange(ctx, 4, 9)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}

	if string(got) != "quick" {
		t.Fatalf("got %q, want %q", got, "quick")
	}

	_, err = c.ReadRange(ctx, 0, int64(len(plaintext))+1)
	if !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("got err %v, want ErrInvalidRange", err)
	}
}

func TestCloudReadRangeDecryptionFailureIsNotRetried(t *testing.T) {
	ctx := context.Background()

	store, err := objstore.NewLocal(fs.NewReal(), t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	var key crypto.Key
	key[0] = 1

	envelope, err := crypto.Encrypt(key, []byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// Tamper with the ciphertext so authentication fails.
	envelope[len(envelope)-1] ^= 0xFF

	err = store.Write(ctx, "storage/ff/ee/blob3", envelope)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	c := NewCloud(store, "storage/ff/ee/blob3", 7, &key)

	_, err = c.ReadRange(ctx, 0, 7)
	if err == nil {
		t.Fatalf("expected decryption error for tampered ciphertext")
	}
}
