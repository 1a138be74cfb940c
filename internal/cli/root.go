package cli

import (
	"context"
	"io"
	"os"
	"strings"
)

const programName = "aria"

// registry returns the full command table. Built fresh per Run call so
// each command captures this invocation's signal channel.
func registry(sigCh <-chan os.Signal) []*Command {
	return []*Command{
		newStatusCommand(),
		newSyncCommand(),
		newWatchCommand(sigCh),
		newImportCommand(),
		newPlayCommand(sigCh),
		newFollowCommand(),
		newInviteCommand(),
		newPrintConfigCommand(),
	}
}

// Run is the single entry point cmd/aria's main wires to os.Args/os.Environ.
// It parses the global flags (-C/--cwd working directory, -c/--config an
// explicit config file), loads [Config], dispatches to the named
// subcommand, and returns a process exit code.
func Run(stdin io.Reader, stdout, stderr io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	o := NewIO(stdout, stderr)

	rest, workDir, configPath, code, handled := parseGlobalFlags(o, args)
	if handled {
		return code
	}

	if len(rest) == 0 || rest[0] == "-h" || rest[0] == "--help" {
		printUsage(o, sigCh)

		return 0
	}

	cmdName := rest[0]
	cmdArgs := rest[1:]

	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}

	for _, c := range registry(sigCh) {
		if c.Name() != cmdName {
			continue
		}

		ctx := context.WithValue(context.Background(), configCtxKey{}, configContext{
			workDir:    workDir,
			configPath: configPath,
			envList:    envList,
			stdin:      stdin,
		})

		return c.Run(ctx, o, cmdArgs)
	}

	o.ErrPrintln("error:", errUnknownCommand, cmdName)
	o.ErrPrintln()
	printUsage(o, sigCh)

	return 1
}

// configCtxKey is the context key carrying per-invocation global flag
// state (working directory, explicit config path, environment, stdin)
// down to each command's Exec func.
type configCtxKey struct{}

type configContext struct {
	workDir    string
	configPath string
	envList    []string
	stdin      io.Reader
}

func fromContext(ctx context.Context) configContext {
	cc, _ := ctx.Value(configCtxKey{}).(configContext)

	return cc
}

// loadConfigFromContext loads this invocation's effective Config, with no
// CLI-level library-dir override (commands that need one parse it from
// their own flag set and call LoadConfig directly instead).
func loadConfigFromContext(ctx context.Context) (Config, error) {
	cc := fromContext(ctx)

	cfg, _, err := LoadConfig(cc.workDir, cc.configPath, Config{}, false, cc.envList)

	return cfg, err
}

// parseGlobalFlags splits args into the remaining command + its arguments
// and the global flags (-C/--cwd, -c/--config), without touching any
// subcommand's own flags.
func parseGlobalFlags(o *IO, args []string) (rest []string, workDir, configPath string, code int, handled bool) {
	workDir, err := os.Getwd()
	if err != nil {
		workDir = "."
	}

	i := 1 // args[0] is the program name

	for i < len(args) {
		arg := args[i]

		switch {
		case arg == "-C" || arg == "--cwd":
			if i+1 >= len(args) {
				o.ErrPrintln("error:", errFlagRequiresArg, arg)

				return nil, "", "", 1, true
			}

			workDir = args[i+1]
			i += 2
		case strings.HasPrefix(arg, "--cwd="):
			workDir = strings.TrimPrefix(arg, "--cwd=")
			i++
		case strings.HasPrefix(arg, "-C") && arg != "-C":
			workDir = strings.TrimPrefix(arg, "-C")
			i++
		case arg == "-c" || arg == "--config":
			if i+1 >= len(args) {
				o.ErrPrintln("error:", errFlagRequiresArg, arg)

				return nil, "", "", 1, true
			}

			configPath = args[i+1]
			i += 2
		case strings.HasPrefix(arg, "--config="):
			configPath = strings.TrimPrefix(arg, "--config=")
			i++
		case arg == "-h" || arg == "--help":
			return args[i:], workDir, configPath, 0, false
		case strings.HasPrefix(arg, "-"):
			o.ErrPrintln("error:", errUnknownFlag, arg)

			return nil, "", "", 1, true
		default:
			return args[i:], workDir, configPath, 0, false
		}
	}

	return nil, workDir, configPath, 0, false
}

func printUsage(o *IO, sigCh <-chan os.Signal) {
	o.Println(programName + " - self-hosted encrypted multi-device music library")
	o.Println()
	o.Println("Usage:", programName, "[global flags] <command> [args]")
	o.Println()
	o.Println("Global flags:")
	o.Println("  -C, --cwd <dir>       run as if started in <dir>")
	o.Println("  -c, --config <file>   use an explicit config file")
	o.Println()
	o.Println("Commands:")

	for _, c := range registry(sigCh) {
		o.Println(c.HelpLine())
	}
}
