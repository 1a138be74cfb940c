package pcm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ariafm/aria/internal/storage"
)

// ErrInvalidContainer reports a WAV container that is missing a
// recognizable fmt or data chunk, or whose header fields are inconsistent.
var ErrInvalidContainer = errors.New("pcm: invalid wav container")

const (
	riffHeaderSize  = 12 // "RIFF" + size + "WAVE"
	chunkHeaderSize = 8  // id + size
	fmtChunkPCMSize = 16
)

// WAVDecoder is the one concrete [Decoder] this module ships: a linear
// PCM / WAV container reader. Compressed codecs plug in behind the same
// Decoder interface.
type WAVDecoder struct {
	reader     storage.Reader
	format     Format
	dataOffset int64
	frames     int64
}

// OpenWAV parses reader's RIFF/WAVE header to locate the fmt and data
// chunks, validating that the format is uncompressed integer PCM.
func OpenWAV(ctx context.Context, reader storage.Reader) (*WAVDecoder, error) {
	size := reader.Size()
	if size < riffHeaderSize {
		return nil, fmt.Errorf("%w: too short for a RIFF header", ErrInvalidContainer)
	}

	header, err := reader.ReadRange(ctx, 0, riffHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("pcm: wav: read riff header: %w", err)
	}

	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return nil, fmt.Errorf("%w: missing RIFF/WAVE markers", ErrInvalidContainer)
	}

	var format Format

	var dataOffset, dataSize int64

	offset := int64(riffHeaderSize)
	haveFmt := false

	for offset+chunkHeaderSize <= size {
		chunkHeader, err := reader.ReadRange(ctx, offset, offset+chunkHeaderSize)
		if err != nil {
			return nil, fmt.Errorf("pcm: wav: read chunk header at %d: %w", offset, err)
		}

		chunkID := string(chunkHeader[0:4])
		chunkSize := int64(binary.LittleEndian.Uint32(chunkHeader[4:8]))
		bodyOffset := offset + chunkHeaderSize

		switch chunkID {
		case "fmt ":
			if chunkSize < fmtChunkPCMSize {
				return nil, fmt.Errorf("%w: fmt chunk too short", ErrInvalidContainer)
			}

			body, err := reader.ReadRange(ctx, bodyOffset, bodyOffset+fmtChunkPCMSize)
			if err != nil {
				return nil, fmt.Errorf("pcm: wav: read fmt chunk: %w", err)
			}

			format = Format{
				Channels:      int(binary.LittleEndian.Uint16(body[2:4])),
				SampleRate:    int(binary.LittleEndian.Uint32(body[4:8])),
				BitsPerSample: int(binary.LittleEndian.Uint16(body[14:16])),
			}
			haveFmt = true
		case "data":
			dataOffset = bodyOffset
			dataSize = chunkSize

			if dataOffset+dataSize > size {
				dataSize = size - dataOffset
			}
		}

		offset = bodyOffset + chunkSize + chunkSize%2 // chunks are word-aligned
	}

	if !haveFmt {
		return nil, fmt.Errorf("%w: no fmt chunk", ErrInvalidContainer)
	}

	if dataOffset == 0 {
		return nil, fmt.Errorf("%w: no data chunk", ErrInvalidContainer)
	}

	bytesPerFrame := format.BytesPerFrame()
	if bytesPerFrame == 0 {
		return nil, fmt.Errorf("%w: zero-width frame", ErrInvalidContainer)
	}

	return &WAVDecoder{
		reader:     reader,
		format:     format,
		dataOffset: dataOffset,
		frames:     dataSize / int64(bytesPerFrame),
	}, nil
}

func (d *WAVDecoder) Format() Format { return d.format }

func (d *WAVDecoder) Frames() int64 { return d.frames }

func (d *WAVDecoder) ReadFrameRange(ctx context.Context, start, end int64) ([]byte, error) {
	if end > d.frames {
		end = d.frames
	}

	if start < 0 || end <= start {
		return nil, nil
	}

	bytesPerFrame := int64(d.format.BytesPerFrame())

	raw, err := d.reader.ReadRange(ctx, d.dataOffset+start*bytesPerFrame, d.dataOffset+end*bytesPerFrame)
	if err != nil {
		return nil, fmt.Errorf("pcm: wav: read frame range [%d, %d): %w", start, end, err)
	}

	return raw, nil
}
