// Package changeset implements the wire format the session recorder emits
// and the changeset applier applies: an ordered, opaque binary record of
// row-level mutations captured during one session.
//
// Layout: a 4-byte magic, a 1-byte format version, a sequence of
// length-prefixed records, and a trailing CRC32C checksum of everything
// preceding it:
//
//	"AC01" | version(1) | record* | crc32c(4)
//
// Each record is:
//
//	table_id(1) | op(1) | pk_len(4) | pk | cols_len(4) | cols
//
// table_id is a fixed small enum over the 11 synced tables so two
// independent devices agree on the byte layout without exchanging a
// schema. pk and cols are themselves opaque byte blobs (the session layer
// encodes them; see internal/session).
package changeset

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

const (
	magic          = "AC01"
	formatVersion  = 1
	headerSize     = len(magic) + 1
	crcSize        = 4
	recordHeaderSz = 1 + 1 + 4 + 4
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ErrInvalidChangeset reports a structural decode failure. The whole sync
// cycle aborts on this error and the pull watermark is not advanced.
var ErrInvalidChangeset = errors.New("invalid changeset")

// TableID enumerates the 11 replicated tables, fixed so two
// implementations agree on wire layout without exchanging a schema.
type TableID uint8

const (
	TableArtists TableID = iota + 1
	TableAlbums
	TableAlbumDiscogs
	TableAlbumMusicbrainz
	TableAlbumArtists
	TableReleases
	TableTracks
	TableTrackArtists
	TableReleaseFiles
	TableAudioFormats
	TableLibraryImages
)

// tableNames maps TableID to the literal SQL table name, used by
// internal/library and internal/apply.
var tableNames = map[TableID]string{
	TableArtists:           "artists",
	TableAlbums:            "albums",
	TableAlbumDiscogs:      "album_discogs",
	TableAlbumMusicbrainz:  "album_musicbrainz",
	TableAlbumArtists:      "album_artists",
	TableReleases:          "releases",
	TableTracks:            "tracks",
	TableTrackArtists:      "track_artists",
	TableReleaseFiles:      "release_files",
	TableAudioFormats:      "audio_formats",
	TableLibraryImages:     "library_images",
}

// Name returns the SQL table name for id, or "" if id is not one of the 11
// synced tables.
func (id TableID) Name() string {
	return tableNames[id]
}

// Valid reports whether id names one of the 11 synced tables.
func (id TableID) Valid() bool {
	_, ok := tableNames[id]

	return ok
}

// Op enumerates the row-level mutation kinds a record may carry.
type Op uint8

const (
	OpInsert Op = iota + 1
	OpUpdate
	OpDelete
)

func (op Op) valid() bool {
	return op == OpInsert || op == OpUpdate || op == OpDelete
}

// Record is one row-level mutation. BeforePK/AfterPK and
// BeforeValues/AfterValues are opaque blobs; internal/session encodes them
// (as canonical JSON of the column map) and internal/apply decodes them.
type Record struct {
	Table TableID
	Op    Op

	BeforePK []byte
	AfterPK  []byte

	BeforeValues []byte
	AfterValues  []byte
}

// Changeset is an ordered list of records, the unit the session recorder
// extracts and the applier applies. An empty changeset (no records) must
// not be pushed.
type Changeset struct {
	Records []Record
}

// Empty reports whether cs has no records.
func (cs *Changeset) Empty() bool {
	return cs == nil || len(cs.Records) == 0
}

// Encode serializes cs to the wire format described in the package doc.
func Encode(cs Changeset) ([]byte, error) {
	var body bytes.Buffer

	body.WriteString(magic)
	body.WriteByte(formatVersion)

	for i, rec := range cs.Records {
		if !rec.Table.Valid() {
			return nil, fmt.Errorf("encode: record %d: %w: unknown table id %d", i, ErrInvalidChangeset, rec.Table)
		}

		if !rec.Op.valid() {
			return nil, fmt.Errorf("encode: record %d: %w: unknown op %d", i, ErrInvalidChangeset, rec.Op)
		}

		pk := rec.AfterPK
		if len(pk) == 0 {
			pk = rec.BeforePK
		}

		cols := encodeCols(rec)

		body.WriteByte(byte(rec.Table))
		body.WriteByte(byte(rec.Op))
		writeUint32(&body, uint32(len(pk)))
		body.Write(pk)
		writeUint32(&body, uint32(len(cols)))
		body.Write(cols)
	}

	sum := crc32.Checksum(body.Bytes(), crcTable)

	out := body.Bytes()
	out = binary.LittleEndian.AppendUint32(out, sum)

	return out, nil
}

// encodeCols packs before/after value blobs as
// before_len(4) before after_len(4) after, so a single "cols" blob carries
// both sides of an update without a second top-level length-prefixed field.
func encodeCols(rec Record) []byte {
	buf := make([]byte, 0, 8+len(rec.BeforeValues)+len(rec.AfterValues))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(rec.BeforeValues)))
	buf = append(buf, rec.BeforeValues...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(rec.AfterValues)))
	buf = append(buf, rec.AfterValues...)

	return buf
}

func decodeCols(buf []byte) (before, after []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("%w: truncated cols header", ErrInvalidChangeset)
	}

	beforeLen := binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]

	if uint64(len(buf)) < uint64(beforeLen)+4 {
		return nil, nil, fmt.Errorf("%w: truncated before values", ErrInvalidChangeset)
	}

	before = buf[:beforeLen]
	buf = buf[beforeLen:]

	afterLen := binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]

	if uint64(len(buf)) != uint64(afterLen) {
		return nil, nil, fmt.Errorf("%w: truncated after values", ErrInvalidChangeset)
	}

	after = buf

	return before, after, nil
}

func writeUint32(w io.ByteWriter, v uint32) {
	var b [4]byte

	binary.LittleEndian.PutUint32(b[:], v)

	for _, c := range b {
		_ = w.WriteByte(c)
	}
}

// Decode parses the wire format produced by Encode. Any structural problem
// (bad magic, unsupported version, truncated record, checksum mismatch)
// returns an error satisfying errors.Is(err, ErrInvalidChangeset).
func Decode(data []byte) (Changeset, error) {
	if len(data) < headerSize+crcSize {
		return Changeset{}, fmt.Errorf("%w: too short (%d bytes)", ErrInvalidChangeset, len(data))
	}

	body := data[:len(data)-crcSize]
	wantCRC := binary.LittleEndian.Uint32(data[len(data)-crcSize:])

	gotCRC := crc32.Checksum(body, crcTable)
	if gotCRC != wantCRC {
		return Changeset{}, fmt.Errorf("%w: checksum mismatch (want %08x got %08x)", ErrInvalidChangeset, wantCRC, gotCRC)
	}

	if string(body[:4]) != magic {
		return Changeset{}, fmt.Errorf("%w: bad magic %q", ErrInvalidChangeset, body[:4])
	}

	if body[4] != formatVersion {
		return Changeset{}, fmt.Errorf("%w: unsupported format version %d", ErrInvalidChangeset, body[4])
	}

	rest := body[headerSize:]

	var records []Record

	for len(rest) > 0 {
		if len(rest) < 2+4 {
			return Changeset{}, fmt.Errorf("%w: truncated record header", ErrInvalidChangeset)
		}

		table := TableID(rest[0])
		op := Op(rest[1])
		rest = rest[2:]

		pkLen := binary.LittleEndian.Uint32(rest[:4])
		rest = rest[4:]

		if uint64(len(rest)) < uint64(pkLen) {
			return Changeset{}, fmt.Errorf("%w: truncated pk", ErrInvalidChangeset)
		}

		pk := rest[:pkLen]
		rest = rest[pkLen:]

		if len(rest) < 4 {
			return Changeset{}, fmt.Errorf("%w: truncated cols length", ErrInvalidChangeset)
		}

		colsLen := binary.LittleEndian.Uint32(rest[:4])
		rest = rest[4:]

		if uint64(len(rest)) < uint64(colsLen) {
			return Changeset{}, fmt.Errorf("%w: truncated cols", ErrInvalidChangeset)
		}

		colsBlob := rest[:colsLen]
		rest = rest[colsLen:]

		if !table.Valid() {
			return Changeset{}, fmt.Errorf("%w: unknown table id %d", ErrInvalidChangeset, table)
		}

		if !op.valid() {
			return Changeset{}, fmt.Errorf("%w: unknown op %d", ErrInvalidChangeset, op)
		}

		before, after, err := decodeCols(colsBlob)
		if err != nil {
			return Changeset{}, err
		}

		rec := Record{Table: table, Op: op, BeforeValues: before, AfterValues: after}

		switch op {
		case OpDelete:
			rec.BeforePK = pk
		default:
			rec.AfterPK = pk
			rec.BeforePK = pk
		}

		records = append(records, rec)
	}

	return Changeset{Records: records}, nil
}
