package pcm

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ariafm/aria/internal/storage"
	"github.com/ariafm/aria/pkg/fs"
)

// buildWAV assembles a mono 16-bit PCM container whose n frames are the
// little-endian sample values 0, 1, 2, ...
func buildWAV(sampleRate, channels, bits, frames int) []byte {
	dataSize := frames * channels * bits / 8

	var buf []byte

	buf = append(buf, "RIFF"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(4+8+16+8+dataSize))
	buf = append(buf, "WAVE"...)

	buf = append(buf, "fmt "...)
	buf = binary.LittleEndian.AppendUint32(buf, 16)
	buf = binary.LittleEndian.AppendUint16(buf, 1) // PCM
	buf = binary.LittleEndian.AppendUint16(buf, uint16(channels))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(sampleRate))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(sampleRate*channels*bits/8))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(channels*bits/8))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(bits))

	buf = append(buf, "data"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(dataSize))

	for i := 0; i < frames*channels; i++ {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(i))
	}

	return buf
}

func openTestWAV(t *testing.T, contents []byte) *WAVDecoder {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.wav")

	err := os.WriteFile(path, contents, 0o600)
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	reader, err := storage.NewLocal(fs.NewReal(), path)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	dec, err := OpenWAV(context.Background(), reader)
	if err != nil {
		t.Fatalf("OpenWAV: %v", err)
	}

	return dec
}

func TestOpenWAVParsesFormatAndFrames(t *testing.T) {
	dec := openTestWAV(t, buildWAV(8000, 1, 16, 240))

	format := dec.Format()
	if format.SampleRate != 8000 || format.Channels != 1 || format.BitsPerSample != 16 {
		t.Fatalf("Format() = %+v", format)
	}

	if dec.Frames() != 240 {
		t.Fatalf("Frames() = %d, want 240", dec.Frames())
	}
}

func TestWAVReadFrameRangeReturnsRequestedFrames(t *testing.T) {
	dec := openTestWAV(t, buildWAV(8000, 1, 16, 100))

	raw, err := dec.ReadFrameRange(context.Background(), 10, 12)
	if err != nil {
		t.Fatalf("ReadFrameRange: %v", err)
	}

	if len(raw) != 4 {
		t.Fatalf("len(raw) = %d, want 4", len(raw))
	}

	// Frames 10 and 11 carry their own sample index.
	if got := binary.LittleEndian.Uint16(raw[0:2]); got != 10 {
		t.Fatalf("frame 10 = %d", got)
	}

	if got := binary.LittleEndian.Uint16(raw[2:4]); got != 11 {
		t.Fatalf("frame 11 = %d", got)
	}
}

func TestWAVThroughSourceNormalizes(t *testing.T) {
	dec := openTestWAV(t, buildWAV(8000, 1, 16, 64))

	s := NewSource(context.Background(), dec)
	defer s.Close()

	samples, err := s.NextSamples(4)
	if err != nil {
		t.Fatalf("NextSamples: %v", err)
	}

	if len(samples) != 4 {
		t.Fatalf("len(samples) = %d, want 4", len(samples))
	}

	want := float32(3) / float32(1<<15)
	if samples[3] != want {
		t.Fatalf("samples[3] = %v, want %v", samples[3], want)
	}
}

func TestOpenWAVRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not.wav")

	err := os.WriteFile(path, []byte("definitely not a riff container"), 0o600)
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	reader, err := storage.NewLocal(fs.NewReal(), path)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	_, err = OpenWAV(context.Background(), reader)
	if !errors.Is(err, ErrInvalidContainer) {
		t.Fatalf("err = %v, want ErrInvalidContainer", err)
	}
}

func TestOpenWAVRejectsMissingDataChunk(t *testing.T) {
	full := buildWAV(8000, 1, 16, 4)

	// Keep the RIFF header and fmt chunk, drop the data chunk entirely.
	truncated := full[:riffHeaderSize+chunkHeaderSize+fmtChunkPCMSize]

	path := filepath.Join(t.TempDir(), "nodata.wav")

	err := os.WriteFile(path, truncated, 0o600)
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	reader, err := storage.NewLocal(fs.NewReal(), path)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	_, err = OpenWAV(context.Background(), reader)
	if !errors.Is(err, ErrInvalidContainer) {
		t.Fatalf("err = %v, want ErrInvalidContainer", err)
	}
}
