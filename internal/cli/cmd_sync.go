package cli

import (
	"context"

	flag "github.com/spf13/pflag"
)

func newSyncCommand() *Command {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)

	return &Command{
		Flags: fs,
		Usage: "sync",
		Short: "Run one push/pull sync cycle",
		Long:  "Pushes this device's pending local changes, pulls and applies every peer's new changesets, then reports what happened.",
		Exec:  execSync,
	}
}

func execSync(ctx context.Context, o *IO, _ []string) error {
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

	result, err := a.engine.Sync(ctx)
	if err != nil {
		return err
	}

	o.Printf("pushed=%t applied=%d remaining_fk_violations=%d\n",
		result.Pushed, result.ChangesetsApplied, result.RemainingFKViolations)

	return nil
}
