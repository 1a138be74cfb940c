package cli

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/ariafm/aria/internal/sharecode"
)

var errFollowArgsRequired = errors.New("usage: follow generate --url <url> --key <hex> [--name <name>] | follow decode <code>")

func newFollowCommand() *Command {
	fs := flag.NewFlagSet("follow", flag.ContinueOnError)
	fs.SetInterspersed(false) // "generate"/"decode" own their flags, not this FlagSet

	return &Command{
		Flags: fs,
		Usage: "follow generate|decode [args]",
		Short: "Create or read a follow code",
		Long:  "A follow code lets another device read-replicate this library without joining as a co-owner.",
		Exec:  execFollow,
	}
}

func execFollow(_ context.Context, o *IO, args []string) error {
	if len(args) == 0 {
		return errFollowArgsRequired
	}

	switch args[0] {
	case "generate":
		return execFollowGenerate(o, args[1:])
	case "decode":
		return execFollowDecode(o, args[1:])
	default:
		return errFollowArgsRequired
	}
}

func execFollowGenerate(o *IO, args []string) error {
	fs := flag.NewFlagSet("follow generate", flag.ContinueOnError)
	url := fs.String("url", "", "bucket URL the joiner will read from")
	keyHex := fs.String("key", "", "hex-encoded library key")
	name := fs.String("name", "", "optional library display name")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *url == "" || *keyHex == "" {
		return errFollowArgsRequired
	}

	key, err := hex.DecodeString(*keyHex)
	if err != nil {
		return fmt.Errorf("%w: %w", errKeyInvalid, err)
	}

	var namePtr *string
	if *name != "" {
		namePtr = name
	}

	o.Println(sharecode.EncodeFollow(*url, key, namePtr))

	return nil
}

func execFollowDecode(o *IO, args []string) error {
	if len(args) != 1 {
		return errFollowArgsRequired
	}

	url, key, name, err := sharecode.DecodeFollow(args[0])
	if err != nil {
		return err
	}

	o.Println("url:", url)
	o.Println("key:", hex.EncodeToString(key))

	if name != nil {
		o.Println("name:", *name)
	}

	return nil
}
