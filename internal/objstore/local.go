package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ariafm/aria/pkg/fs"
)

// LocalStore stores objects as plain files under a root directory. It backs
// single-device setups and tests; multi-device sync normally runs against
// [S3Store].
type LocalStore struct {
	fsys fs.FS
	root string
	aw   *fs.AtomicWriter
}

// NewLocal returns a LocalStore rooted at dir, creating it if necessary.
func NewLocal(fsys fs.FS, dir string) (*LocalStore, error) {
	if fsys == nil {
		return nil, errors.New("objstore: local: fs is nil")
	}

	err := fsys.MkdirAll(dir, 0o750)
	if err != nil {
		return nil, fmt.Errorf("objstore: local: create root %q: %w", dir, err)
	}

	return &LocalStore{fsys: fsys, root: dir, aw: fs.NewAtomicWriter(fsys)}, nil
}

func (l *LocalStore) path(key string) string {
	return filepath.Join(l.root, filepath.FromSlash(key))
}

var _ Store = (*LocalStore)(nil)

func (l *LocalStore) Read(_ context.Context, key string) ([]byte, error) {
	data, err := l.fsys.ReadFile(l.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read %q: %w", key, ErrNotFound)
		}

		return nil, NewStorageError("read "+key, err)
	}

	return data, nil
}

func (l *LocalStore) Write(_ context.Context, key string, data []byte) error {
	dest := l.path(key)

	err := l.fsys.MkdirAll(filepath.Dir(dest), 0o750)
	if err != nil {
		return NewStorageError("write "+key, err)
	}

	err = l.aw.Write(dest, bytes.NewReader(data), fs.AtomicWriteOptions{SyncDir: true, Perm: 0o640})
	if err != nil {
		return NewStorageError("write "+key, err)
	}

	return nil
}

func (l *LocalStore) ReadRange(_ context.Context, key string, start, end int64) ([]byte, error) {
	if start < 0 || end < start {
		return nil, fmt.Errorf("read range %q: invalid range [%d,%d)", key, start, end)
	}

	f, err := l.fsys.Open(l.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read range %q: %w", key, ErrNotFound)
		}

		return nil, NewStorageError("read range "+key, err)
	}

	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, NewStorageError("stat "+key, err)
	}

	size := info.Size()
	if start > size {
		start = size
	}

	want := end - start
	if start+want > size {
		want = size - start
	}

	_, err = f.Seek(start, io.SeekStart)
	if err != nil {
		return nil, NewStorageError("seek "+key, err)
	}

	buf := make([]byte, want)

	_, err = io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, NewStorageError("read range "+key, err)
	}

	return buf, nil
}

func (l *LocalStore) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string

	root := l.path(prefix)

	walkErr := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}

			return err
		}

		if d.IsDir() {
			return nil
		}

		rel, relErr := filepath.Rel(l.root, p)
		if relErr != nil {
			return relErr
		}

		keys = append(keys, filepath.ToSlash(rel))

		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, os.ErrNotExist) {
		return nil, NewStorageError("list "+prefix, walkErr)
	}

	prefix = strings.TrimSuffix(prefix, "/")
	filtered := keys[:0]

	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			filtered = append(filtered, k)
		}
	}

	sort.Strings(filtered)

	return filtered, nil
}

func (l *LocalStore) Delete(_ context.Context, key string) error {
	err := l.fsys.Remove(l.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return NewStorageError("delete "+key, err)
	}

	return nil
}

func (l *LocalStore) Exists(_ context.Context, key string) (bool, error) {
	ok, err := l.fsys.Exists(l.path(key))
	if err != nil {
		return false, NewStorageError("exists "+key, err)
	}

	return ok, nil
}

// GrantAccess is a no-op for the local backend: there is no membership
// concept, so it returns the bucket coordinates unchanged.
func (l *LocalStore) GrantAccess(_ context.Context, _ string) (AccessGrant, error) {
	return AccessGrant{Bucket: l.root}, nil
}

// RevokeAccess is a no-op for the local backend.
func (l *LocalStore) RevokeAccess(_ context.Context, _ string) error {
	return nil
}

// JoinKey joins layout segments into a forward-slash object key, independent
// of OS path separators.
func JoinKey(segments ...string) string {
	return path.Join(segments...)
}
