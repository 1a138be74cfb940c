package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/ariafm/aria/internal/crypto"
	"github.com/ariafm/aria/internal/library"
	"github.com/ariafm/aria/internal/objstore"
	"github.com/ariafm/aria/internal/syncbucket"
	"github.com/ariafm/aria/internal/syncengine"
	"github.com/ariafm/aria/pkg/fs"
)

var errLibraryLocked = errors.New("library is in use by another aria process")

// app bundles everything a sync-facing command needs once the library is
// open: the writer, the bucket client, and the engine, plus the flock that
// keeps a second aria process off the same library directory.
type app struct {
	engine *syncengine.Engine
	writer *library.Writer
	store  objstore.Store
	bucket *syncbucket.Bucket
	key    crypto.Key
	lock   *fs.Lock
}

// Close releases the library writer and the process lock.
func (a *app) Close() {
	if a.writer != nil {
		_ = a.writer.Close()
	}

	if a.lock != nil {
		_ = a.lock.Close()
	}
}

// libraryDir resolves cfg's library directory against workDir if relative.
func libraryDir(workDir string, cfg Config) string {
	dir := cfg.LibraryDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(workDir, dir)
	}

	return dir
}

// libraryDBPath returns the path to the SQLite database inside cfg's
// library directory.
func libraryDBPath(workDir string, cfg Config) string {
	return filepath.Join(libraryDir(workDir, cfg), LibraryDBName)
}

// openStore opens the object store cfg.Backend names: "local" (the
// default, rooted under the library directory) or "s3".
func openStore(workDir string, cfg Config) (objstore.Store, error) {
	switch cfg.Backend {
	case "", "local":
		return objstore.NewLocal(fs.NewReal(), filepath.Join(libraryDir(workDir, cfg), "bucket"))
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("%w: s3 backend requires \"bucket\"", errBucketNotConfigured)
		}

		return objstore.NewS3(context.Background(), objstore.S3Config{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Bucket:    cfg.Bucket,
			UseSSL:    cfg.UseSSL,
		})
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// openApp opens the local library and its sync bucket and constructs a
// syncengine.Engine: the shared setup every sync-facing command needs.
// The library directory is flock'd for the lifetime of the returned app,
// so a second aria process (or a concurrent watch daemon) on the same
// library fails fast instead of interleaving writes.
func openApp(ctx context.Context, workDir string, cfg Config, log *slog.Logger) (*app, error) {
	key, err := cfg.Key()
	if err != nil {
		return nil, err
	}

	dir := libraryDir(workDir, cfg)

	fsys := fs.NewReal()
	if mkdirErr := fsys.MkdirAll(dir, 0o750); mkdirErr != nil {
		return nil, fmt.Errorf("create library dir: %w", mkdirErr)
	}

	lock, err := fs.NewLocker(fsys).TryLock(filepath.Join(dir, "library.lock"))
	if err != nil {
		if errors.Is(err, fs.ErrWouldBlock) {
			return nil, errLibraryLocked
		}

		return nil, fmt.Errorf("lock library: %w", err)
	}

	w, err := library.Open(libraryDBPath(workDir, cfg))
	if err != nil {
		_ = lock.Close()

		return nil, fmt.Errorf("open library: %w", err)
	}

	store, err := openStore(workDir, cfg)
	if err != nil {
		_ = w.Close()
		_ = lock.Close()

		return nil, fmt.Errorf("open bucket: %w", err)
	}

	bucket := syncbucket.New(store, key)

	e, err := syncengine.New(ctx, w, bucket, log)
	if err != nil {
		_ = w.Close()
		_ = lock.Close()

		return nil, err
	}

	return &app{engine: e, writer: w, store: store, bucket: bucket, key: key, lock: lock}, nil
}
