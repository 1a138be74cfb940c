package cli

import (
	"context"
	"errors"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/ariafm/aria/internal/sharecode"
)

var errInviteArgsRequired = errors.New("usage: invite generate --library-id <id> --owner-pubkey <hex> --backend s3 --bucket <b> [--endpoint <e>] --access-key <k> --secret-key <s> | invite decode <code>")

func newInviteCommand() *Command {
	fs := flag.NewFlagSet("invite", flag.ContinueOnError)
	fs.SetInterspersed(false) // "generate"/"decode" own their flags, not this FlagSet

	return &Command{
		Flags: fs,
		Usage: "invite generate|decode [args]",
		Short: "Create or read an invite code",
		Long:  "An invite code lets a new device join a library for the first time, carrying backend connection info for the shared bucket.",
		Exec:  execInvite,
	}
}

func execInvite(_ context.Context, o *IO, args []string) error {
	if len(args) == 0 {
		return errInviteArgsRequired
	}

	switch args[0] {
	case "generate":
		return execInviteGenerate(o, args[1:])
	case "decode":
		return execInviteDecode(o, args[1:])
	default:
		return errInviteArgsRequired
	}
}

func execInviteGenerate(o *IO, args []string) error {
	fs := flag.NewFlagSet("invite generate", flag.ContinueOnError)
	libraryID := fs.String("library-id", "", "library identifier")
	libraryName := fs.String("library-name", "", "library display name")
	ownerPubkey := fs.String("owner-pubkey", "", "owning device's public key, hex-encoded")
	backend := fs.String("backend", string(sharecode.JoinBackendS3), "join backend: s3|google_drive|dropbox|one_drive|pcloud")
	bucket := fs.String("bucket", "", "s3: bucket name")
	region := fs.String("region", "", "s3: region")
	endpoint := fs.String("endpoint", "", "s3: endpoint override")
	accessKey := fs.String("access-key", "", "s3: access key")
	secretKey := fs.String("secret-key", "", "s3: secret key")
	folderID := fs.String("folder-id", "", "google_drive/pcloud/one_drive: folder id")
	sharedFolderID := fs.String("shared-folder-id", "", "dropbox: shared folder id")
	driveID := fs.String("drive-id", "", "one_drive: drive id")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *libraryID == "" || *ownerPubkey == "" {
		return errInviteArgsRequired
	}

	code, err := sharecode.EncodeInvite(sharecode.InviteCode{
		LibraryID:   *libraryID,
		LibraryName: *libraryName,
		OwnerPubkey: *ownerPubkey,
		JoinInfo: sharecode.JoinInfo{
			Backend:        sharecode.JoinBackend(*backend),
			Bucket:         *bucket,
			Region:         *region,
			Endpoint:       *endpoint,
			AccessKey:      *accessKey,
			SecretKey:      *secretKey,
			FolderID:       *folderID,
			SharedFolderID: *sharedFolderID,
			DriveID:        *driveID,
		},
	})
	if err != nil {
		return err
	}

	o.Println(code)

	return nil
}

func execInviteDecode(o *IO, args []string) error {
	if len(args) != 1 {
		return errInviteArgsRequired
	}

	code, err := sharecode.DecodeInvite(args[0])
	if err != nil {
		return err
	}

	o.Println("library_id:", code.LibraryID)
	o.Println("library_name:", code.LibraryName)
	o.Println("owner_pubkey:", code.OwnerPubkey)
	o.Println("backend:", code.JoinInfo.Backend)

	switch code.JoinInfo.Backend {
	case sharecode.JoinBackendS3:
		o.Println("bucket:", code.JoinInfo.Bucket)
		o.Println("region:", code.JoinInfo.Region)
		o.Println("endpoint:", code.JoinInfo.Endpoint)
	case sharecode.JoinBackendGoogleDrive, sharecode.JoinBackendPCloud:
		o.Println("folder_id:", code.JoinInfo.FolderID)
	case sharecode.JoinBackendDropbox:
		o.Println("shared_folder_id:", code.JoinInfo.SharedFolderID)
	case sharecode.JoinBackendOneDrive:
		o.Println("drive_id:", code.JoinInfo.DriveID)
		o.Println("folder_id:", code.JoinInfo.FolderID)
	default:
		return fmt.Errorf("unknown join backend %q", code.JoinInfo.Backend)
	}

	return nil
}
