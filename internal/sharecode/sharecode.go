// Package sharecode implements the two opaque code formats a library's
// devices exchange out of band: the follow code (already-joined devices
// bootstrapping a new client against a known proxy URL) and the invite
// code (joining a library for the first time, carrying backend-specific
// connection info). Both are base64url-no-pad of a UTF-8 JSON payload.
package sharecode

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidBase64 reports that a code's outer base64url-no-pad envelope
// failed to decode.
var ErrInvalidBase64 = errors.New("sharecode: invalid base64url encoding")

// ErrInvalidJSON reports that a code decoded to base64 but its payload is
// not a well-formed JSON document for the expected shape.
var ErrInvalidJSON = errors.New("sharecode: invalid payload")

var encoding = base64.URLEncoding.WithPadding(base64.NoPadding)

// followPayload is the JSON shape carried inside a follow code.
type followPayload struct {
	URL  string  `json:"url"`
	Key  string  `json:"key"`
	Name *string `json:"name,omitempty"`
}

// EncodeFollow packs a follow code: the proxy URL, the raw library key
// bytes (base64url-no-pad encoded as the payload's "key" field), and an
// optional display name.
func EncodeFollow(url string, key []byte, name *string) string {
	payload := followPayload{
		URL:  url,
		Key:  encoding.EncodeToString(key),
		Name: name,
	}

	// Marshaling a struct of strings cannot fail.
	data, _ := json.Marshal(payload) //nolint:errchkjson // struct of strings/pointer, see above

	return encoding.EncodeToString(data)
}

// DecodeFollow unpacks a follow code produced by [EncodeFollow]. Leading
// and trailing whitespace in code is trimmed before decoding.
func DecodeFollow(code string) (url string, key []byte, name *string, err error) {
	raw, err := encoding.DecodeString(strings.TrimSpace(code))
	if err != nil {
		return "", nil, nil, ErrInvalidBase64
	}

	var payload followPayload

	err = json.Unmarshal(raw, &payload)
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: %w", ErrInvalidJSON, err)
	}

	keyBytes, err := encoding.DecodeString(payload.Key)
	if err != nil {
		return "", nil, nil, ErrInvalidBase64
	}

	return payload.URL, keyBytes, payload.Name, nil
}

// JoinBackend identifies which cloud backend an invite code's JoinInfo
// describes.
type JoinBackend string

const (
	JoinBackendS3          JoinBackend = "s3"
	JoinBackendGoogleDrive JoinBackend = "google_drive"
	JoinBackendDropbox     JoinBackend = "dropbox"
	JoinBackendOneDrive    JoinBackend = "one_drive"
	JoinBackendPCloud      JoinBackend = "pcloud"
)

// JoinInfo is the tagged union of backend-specific connection info carried
// inside an invite code. Exactly one backend's fields are populated,
// matching Backend. Go's encoding/json has no native externally-tagged
// enum support, so this uses the idiomatic internally-tagged
// {"type": "...", ...fields} shape instead.
type JoinInfo struct {
	Backend JoinBackend

	// S3 fields.
	Bucket    string
	Region    string
	Endpoint  string // empty if unset
	AccessKey string
	SecretKey string

	// GoogleDrive / PCloud fields.
	FolderID string

	// Dropbox fields.
	SharedFolderID string

	// OneDrive fields.
	DriveID string
}

type joinInfoWire struct {
	Type string `json:"type"`

	Bucket    string `json:"bucket,omitempty"`
	Region    string `json:"region,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	AccessKey string `json:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`

	FolderID string `json:"folder_id,omitempty"`

	SharedFolderID string `json:"shared_folder_id,omitempty"`

	DriveID string `json:"drive_id,omitempty"`
}

func (j JoinInfo) toWire() (joinInfoWire, error) {
	switch j.Backend {
	case JoinBackendS3:
		return joinInfoWire{
			Type:      string(JoinBackendS3),
			Bucket:    j.Bucket,
			Region:    j.Region,
			Endpoint:  j.Endpoint,
			AccessKey: j.AccessKey,
			SecretKey: j.SecretKey,
		}, nil
	case JoinBackendGoogleDrive:
		return joinInfoWire{Type: string(JoinBackendGoogleDrive), FolderID: j.FolderID}, nil
	case JoinBackendDropbox:
		return joinInfoWire{Type: string(JoinBackendDropbox), SharedFolderID: j.SharedFolderID}, nil
	case JoinBackendOneDrive:
		return joinInfoWire{Type: string(JoinBackendOneDrive), DriveID: j.DriveID, FolderID: j.FolderID}, nil
	case JoinBackendPCloud:
		return joinInfoWire{Type: string(JoinBackendPCloud), FolderID: j.FolderID}, nil
	default:
		return joinInfoWire{}, fmt.Errorf("sharecode: unknown join backend %q", j.Backend)
	}
}

func (w joinInfoWire) toJoinInfo() (JoinInfo, error) {
	backend := JoinBackend(w.Type)

	switch backend {
	case JoinBackendS3:
		return JoinInfo{
			Backend:   backend,
			Bucket:    w.Bucket,
			Region:    w.Region,
			Endpoint:  w.Endpoint,
			AccessKey: w.AccessKey,
			SecretKey: w.SecretKey,
		}, nil
	case JoinBackendGoogleDrive:
		return JoinInfo{Backend: backend, FolderID: w.FolderID}, nil
	case JoinBackendDropbox:
		return JoinInfo{Backend: backend, SharedFolderID: w.SharedFolderID}, nil
	case JoinBackendOneDrive:
		return JoinInfo{Backend: backend, DriveID: w.DriveID, FolderID: w.FolderID}, nil
	case JoinBackendPCloud:
		return JoinInfo{Backend: backend, FolderID: w.FolderID}, nil
	default:
		return JoinInfo{}, fmt.Errorf("%w: unknown join_info type %q", ErrInvalidJSON, w.Type)
	}
}

// InviteCode is the payload carried by an invite code: everything a new
// device needs to join a library it has never seen before.
type InviteCode struct {
	LibraryID   string
	LibraryName string
	JoinInfo    JoinInfo
	OwnerPubkey string
}

type inviteCodeWire struct {
	LibraryID   string       `json:"library_id"`
	LibraryName string       `json:"library_name"`
	JoinInfo    joinInfoWire `json:"join_info"`
	OwnerPubkey string       `json:"owner_pubkey"`
}

// EncodeInvite packs an invite code as base64url-no-pad JSON.
func EncodeInvite(code InviteCode) (string, error) {
	wire, err := code.JoinInfo.toWire()
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(inviteCodeWire{
		LibraryID:   code.LibraryID,
		LibraryName: code.LibraryName,
		JoinInfo:    wire,
		OwnerPubkey: code.OwnerPubkey,
	})
	if err != nil {
		return "", fmt.Errorf("sharecode: encode invite: %w", err)
	}

	return encoding.EncodeToString(data), nil
}

// DecodeInvite unpacks an invite code produced by [EncodeInvite]. Leading
// and trailing whitespace in s is trimmed before decoding.
func DecodeInvite(s string) (InviteCode, error) {
	raw, err := encoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return InviteCode{}, ErrInvalidBase64
	}

	var wire inviteCodeWire

	err = json.Unmarshal(raw, &wire)
	if err != nil {
		return InviteCode{}, fmt.Errorf("%w: %w", ErrInvalidJSON, err)
	}

	joinInfo, err := wire.JoinInfo.toJoinInfo()
	if err != nil {
		return InviteCode{}, err
	}

	return InviteCode{
		LibraryID:   wire.LibraryID,
		LibraryName: wire.LibraryName,
		JoinInfo:    joinInfo,
		OwnerPubkey: wire.OwnerPubkey,
	}, nil
}
