package cli

import (
	"context"

	flag "github.com/spf13/pflag"
)

func newPrintConfigCommand() *Command {
	fs := flag.NewFlagSet("print-config", flag.ContinueOnError)

	return &Command{
		Flags: fs,
		Usage: "print-config",
		Short: "Print the effective configuration",
		Long:  "Resolves defaults, the global config, the project config, and an explicit --config file, then prints the result with secrets redacted.",
		Exec:  execPrintConfig,
	}
}

func execPrintConfig(ctx context.Context, o *IO, _ []string) error {
	cfg, err := loadConfigFromContext(ctx)
	if err != nil {
		return err
	}

	formatted, err := FormatConfig(cfg)
	if err != nil {
		return err
	}

	o.Println(formatted)

	return nil
}
