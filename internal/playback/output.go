package playback

import (
	"fmt"
	"io"

	"github.com/hajimehoshi/oto"

	"github.com/ariafm/aria/internal/pcm"
)

// Output is the device sink the engine writes interleaved 16-bit PCM
// bytes to. The real implementation opens the system audio device once
// per process and is re-created if a later track's format differs; tests
// inject a fake.
type Output interface {
	io.Writer
	Close() error
}

// OutputFactory opens an [Output] for the given format.
type OutputFactory func(format pcm.Format) (Output, error)

// outputBufferDivisor sets the oto player buffer to one fifth of a
// second's worth of audio: small enough to keep Pause latency low, large
// enough to absorb normal scheduling jitter.
const outputBufferDivisor = 5

// newOtoOutput opens the system audio device at format's sample rate and
// channel count, always as 16-bit output.
func newOtoOutput(format pcm.Format) (Output, error) {
	const bytesPerSample = 2

	bufferSize := format.SampleRate * format.Channels * bytesPerSample / outputBufferDivisor

	player, err := oto.NewPlayer(format.SampleRate, format.Channels, bytesPerSample, bufferSize)
	if err != nil {
		return nil, fmt.Errorf("playback: open audio device: %w", err)
	}

	return player, nil
}
