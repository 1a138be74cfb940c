package pcm

import (
	"context"
	"testing"
	"time"
)

// fakeDecoder serves count frames of a fixed Format where each interleaved
// sample equals its absolute frame index (mod 1000), purely
// so tests can assert exact sample values after normalization.
type fakeDecoder struct {
	format Format
	frames int64
	failAt int64 // ReadFrameRange returns an error once start >= failAt, if > 0
}

var errFakeDecode = errFake("fake decode failure")

type errFake string

func (e errFake) Error() string { return string(e) }

func (d *fakeDecoder) Format() Format { return d.format }

func (d *fakeDecoder) Frames() int64 { return d.frames }

func (d *fakeDecoder) ReadFrameRange(_ context.Context, start, end int64) ([]byte, error) {
	if end > d.frames {
		end = d.frames
	}

	if d.failAt > 0 && start >= d.failAt {
		return nil, errFakeDecode
	}

	bytesPerFrame := d.format.BytesPerFrame()
	raw := make([]byte, int(end-start)*bytesPerFrame)

	for f := start; f < end; f++ {
		for c := 0; c < d.format.Channels; c++ {
			// int16 sample value is the frame index mod 1000.
			v := int16(f % 1000) //nolint:gosec // deliberately small, fits int16
			idx := int(f-start)*bytesPerFrame + c*2
			raw[idx] = byte(v)
			raw[idx+1] = byte(v >> 8)
		}
	}

	return raw, nil
}

func newFakeSource(t *testing.T, frames int64) *Source {
	t.Helper()

	d := &fakeDecoder{format: Format{SampleRate: 1000, Channels: 2, BitsPerSample: 16}, frames: frames}
	s := NewSource(context.Background(), d)

	t.Cleanup(s.Close)

	return s
}

func TestNextSamplesReturnsRequestedCount(t *testing.T) {
	s := newFakeSource(t, 10000)

	samples, err := s.NextSamples(100)
	if err != nil {
		t.Fatalf("NextSamples: %v", err)
	}

	if len(samples) != 100 {
		t.Fatalf("len(samples) = %d, want 100", len(samples))
	}
}

func TestNextSamplesEmptyAtEndOfStream(t *testing.T) {
	s := newFakeSource(t, 10) // 10 frames * 2 channels = 20 samples

	samples, err := s.NextSamples(20)
	if err != nil {
		t.Fatalf("NextSamples: %v", err)
	}

	if len(samples) != 20 {
		t.Fatalf("len(samples) = %d, want 20", len(samples))
	}

	samples, err = s.NextSamples(20)
	if err != nil {
		t.Fatalf("NextSamples at EOF: %v", err)
	}

	if len(samples) != 0 {
		t.Fatalf("len(samples) = %d, want 0 at EOF", len(samples))
	}
}

func TestNextSamplesNormalizesIntoUnitRange(t *testing.T) {
	s := newFakeSource(t, 2000)

	samples, err := s.NextSamples(2000) // covers frame index 999 -> value 999
	if err != nil {
		t.Fatalf("NextSamples: %v", err)
	}

	for _, v := range samples {
		if v < -1 || v > 1 {
			t.Fatalf("sample %v out of [-1, 1]", v)
		}
	}
}

func TestSeekClampsToDuration(t *testing.T) {
	s := newFakeSource(t, 1000) // 1000 frames at 1000Hz = 1s

	got := s.Seek(5 * time.Second)
	if got != time.Second {
		t.Fatalf("Seek clamped = %v, want 1s", got)
	}

	if s.Position() != time.Second {
		t.Fatalf("Position() = %v, want 1s", s.Position())
	}
}

func TestSeekNegativeClampsToZero(t *testing.T) {
	s := newFakeSource(t, 1000)

	got := s.Seek(-time.Second)
	if got != 0 {
		t.Fatalf("Seek clamped = %v, want 0", got)
	}
}

func TestSeekResumesDecodeFromNewPosition(t *testing.T) {
	s := newFakeSource(t, 1000)

	s.Seek(500 * time.Millisecond) // frame 500

	samples, err := s.NextSamples(2)
	if err != nil {
		t.Fatalf("NextSamples: %v", err)
	}

	if len(samples) != 2 {
		t.Fatalf("len(samples) = %d, want 2", len(samples))
	}

	want := float32(500) / float32(1<<15)
	if samples[0] != want {
		t.Fatalf("samples[0] = %v, want %v", samples[0], want)
	}
}

func TestDecodeErrorSurfacesOnce(t *testing.T) {
	d := &fakeDecoder{format: Format{SampleRate: 1000, Channels: 1, BitsPerSample: 16}, frames: 100000, failAt: 0}
	d.failAt = chunkFrames // fail starting at the second chunk

	s := NewSource(context.Background(), d)
	defer s.Close()

	// First chunk decodes fine.
	_, err := s.NextSamples(chunkFrames)
	if err != nil {
		t.Fatalf("first NextSamples: %v", err)
	}

	// Second chunk's decode fails.
	_, err = s.NextSamples(1)
	if err == nil {
		t.Fatal("expected decode error, got nil")
	}
}

func TestDurationMatchesFramesOverSampleRate(t *testing.T) {
	s := newFakeSource(t, 44100)
	// newFakeSource runs at 1000Hz: 44100 frames last 44.1s.
	if s.Duration() != 44100*time.Millisecond {
		t.Fatalf("Duration() = %v, want 44.1s", s.Duration())
	}
}
