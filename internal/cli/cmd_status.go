package cli

import (
	"context"

	flag "github.com/spf13/pflag"
)

func newStatusCommand() *Command {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)

	return &Command{
		Flags: fs,
		Usage: "status",
		Short: "Show this device's sync status",
		Long:  "Reports the last sync time and every other known device's push position.",
		Exec:  execStatus,
	}
}

func execStatus(ctx context.Context, o *IO, _ []string) error {
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

	status, err := a.engine.Status(ctx)
	if err != nil {
		return err
	}

	o.Println("device:", a.engine.DeviceID())

	if status.LastSyncTime == "" {
		o.Println("last sync: never")
	} else {
		o.Println("last sync:", status.LastSyncTime)
	}

	if len(status.OtherDevices) == 0 {
		o.Println("no other known devices")

		return nil
	}

	o.Println("other devices:")

	for _, d := range status.OtherDevices {
		o.Printf("  %s  seq=%d  last_sync=%s\n", d.DeviceID, d.LastSeq, d.LastSync)
	}

	return nil
}
