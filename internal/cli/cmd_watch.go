package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	flag "github.com/spf13/pflag"

	"github.com/ariafm/aria/internal/syncengine"
)

// watchDebounce coalesces a burst of filesystem events (e.g. an album
// copy) into a single sync cycle.
const watchDebounce = 2 * time.Second

func newWatchCommand(sigCh <-chan os.Signal) *Command {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)

	return &Command{
		Flags: fs,
		Usage: "watch",
		Short: "Watch the library directory and sync on change",
		Long:  "Runs sync cycles automatically whenever a file under the library directory changes, until interrupted.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			return execWatch(ctx, o, args, sigCh)
		},
	}
}

func execWatch(ctx context.Context, o *IO, _ []string, sigCh <-chan os.Signal) error {
	cfg, err := loadConfigFromContext(ctx)
	if err != nil {
		return err
	}

	cc := fromContext(ctx)

	a, err := openApp(ctx, cc.workDir, cfg, nil)
	if err != nil {
		return err
	}

	defer a.Close()

	dir := libraryDir(cc.workDir, cfg)
	bucketDir := filepath.Join(dir, "bucket")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: create watcher: %w", err)
	}

	defer func() { _ = watcher.Close() }()

	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil || !d.IsDir() {
			return nil //nolint:nilerr // best-effort: skip unreadable subtrees, keep watching the rest
		}

		if path == bucketDir || strings.HasPrefix(path, bucketDir+string(filepath.Separator)) {
			return filepath.SkipDir
		}

		return watcher.Add(path)
	})
	if err != nil {
		return fmt.Errorf("watch: register directories: %w", err)
	}

	o.Println("watching", dir)

	return runWatchLoop(ctx, o, a.engine, watcher, sigCh)
}

func runWatchLoop(ctx context.Context, o *IO, e *syncengine.Engine, watcher *fsnotify.Watcher, sigCh <-chan os.Signal) error {
	var debounce *time.Timer

	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sigCh:
			o.Println("watch: interrupted")

			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			if debounce == nil {
				debounce = time.AfterFunc(watchDebounce, func() { fire <- struct{}{} })
			} else {
				debounce.Reset(watchDebounce)
			}
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			o.ErrPrintln("watch: error:", watchErr)
		case <-fire:
			result, syncErr := e.Sync(ctx)
			if syncErr != nil && !errors.Is(syncErr, context.Canceled) {
				o.ErrPrintln("watch: sync failed:", syncErr)

				continue
			}

			o.Printf("synced: pushed=%t applied=%d\n", result.Pushed, result.ChangesetsApplied)
		}
	}
}

