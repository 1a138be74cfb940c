// Package pcm implements the pull-model streaming PCM source: a seekable
// stream of normalized float samples fed by a pluggable [Decoder] that
// pulls compressed (or container-framed) bytes from internal/storage and
// internal/sparse. Decoding runs on a dedicated goroutine and hands
// decoded chunks to the consumer through a bounded channel, so a slow
// decode applies backpressure rather than unbounded buffering.
package pcm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Format describes the interleaved signed-PCM layout a [Decoder] produces.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// BytesPerFrame is the byte width of one interleaved sample across all
// channels.
func (f Format) BytesPerFrame() int {
	return f.Channels * f.BitsPerSample / 8
}

// ErrClosed reports an operation on a [Source] that has been stopped.
var ErrClosed = errors.New("pcm: source closed")

// Decoder is the pluggable seam between a container/codec and the PCM
// source. It exposes random-access reads by frame index so seeking never
// requires decoding from the start: every frame in [0, Frames()) can be
// read directly, matching the whole-blob-retention model internal/sparse
// already provides under internal/storage.
type Decoder interface {
	// Format returns the fixed sample layout for the whole stream.
	Format() Format
	// Frames returns the total number of interleaved sample frames.
	Frames() int64
	// ReadFrameRange returns raw interleaved PCM bytes for frames
	// [start, end). Implementations clamp end to Frames().
	ReadFrameRange(ctx context.Context, start, end int64) ([]byte, error)
}

// chunkFrames is the decode granularity: each producer iteration decodes
// this many frames before handing them to the consumer.
const chunkFrames = 4096

// queueCapacity is the bounded channel depth between the decode goroutine
// and the consumer, in decoded chunks.
const queueCapacity = 4

type chunk struct {
	samples []float32
	err     error
}

// Stats reports decode outcomes for a track, surfaced by the playback
// engine on track completion.
type Stats struct {
	SamplesDecoded   uint64
	DecodeErrorCount uint32
}

// Source is a seekable stream of normalized float32 samples in [-1, 1],
// pulling interleaved PCM frames from a Decoder on a background goroutine.
type Source struct {
	decoder Decoder
	format  Format
	frames  int64

	baseCtx context.Context //nolint:containedctx // scopes the source's whole lifetime, not a single call

	consumerMu sync.Mutex
	pending    []float32
	posFrame   int64
	eof        bool
	err        error

	queue  chan chunk
	cancel context.CancelFunc
	wg     sync.WaitGroup

	samplesDecoded   atomic.Uint64
	decodeErrorCount atomic.Uint32

	closed atomic.Bool
}

// NewSource starts decoding decoder from frame 0. ctx bounds the source's
// entire lifetime; cancelling it is equivalent to calling [Source.Close].
func NewSource(ctx context.Context, decoder Decoder) *Source {
	s := &Source{
		decoder: decoder,
		format:  decoder.Format(),
		frames:  decoder.Frames(),
		baseCtx: ctx,
	}

	s.startProducer(0)

	return s
}

// Format returns the stream's sample layout.
func (s *Source) Format() Format { return s.format }

// Duration is the stream's total length.
func (s *Source) Duration() time.Duration {
	return framesToDuration(s.frames, s.format.SampleRate)
}

// Position is the playback position implied by samples already returned
// from NextSamples.
func (s *Source) Position() time.Duration {
	s.consumerMu.Lock()
	defer s.consumerMu.Unlock()

	return framesToDuration(s.posFrame, s.format.SampleRate)
}

// Stats reports cumulative decode outcomes since the source was created
// or last seeked.
func (s *Source) Stats() Stats {
	return Stats{
		SamplesDecoded:   s.samplesDecoded.Load(),
		DecodeErrorCount: s.decodeErrorCount.Load(),
	}
}

// NextSamples returns up to count interleaved float32 samples normalized
// to [-1, 1]. It returns an empty, non-error slice at end of stream.
func (s *Source) NextSamples(count int) ([]float32, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.consumerMu.Lock()
	defer s.consumerMu.Unlock()

	for len(s.pending) < count {
		if s.eof {
			break
		}

		if s.err != nil {
			err := s.err
			s.err = nil

			return nil, err
		}

		c, ok := <-s.queue
		if !ok {
			s.eof = true

			break
		}

		if c.err != nil {
			s.err = c.err

			continue
		}

		s.pending = append(s.pending, c.samples...)
	}

	n := count
	if n > len(s.pending) {
		n = len(s.pending)
	}

	out := s.pending[:n]
	s.pending = s.pending[n:]
	s.posFrame += int64(n) / int64(s.format.Channels)

	return out, nil
}

// Seek moves the logical read pointer, clamping to [0, Duration()].
// Decoding in flight for the old position is cancelled and restarted from
// the new one.
func (s *Source) Seek(position time.Duration) time.Duration {
	if s.closed.Load() {
		return s.Position()
	}

	target := durationToFrames(position, s.format.SampleRate)
	if target < 0 {
		target = 0
	}

	if target > s.frames {
		target = s.frames
	}

	s.stopProducer()

	s.consumerMu.Lock()
	s.pending = nil
	s.posFrame = target
	s.eof = false
	s.err = nil
	s.consumerMu.Unlock()

	s.samplesDecoded.Store(0)
	s.decodeErrorCount.Store(0)

	s.startProducer(target)

	return framesToDuration(target, s.format.SampleRate)
}

// Close stops the decode goroutine and drains the queue. Further
// NextSamples calls return ErrClosed.
func (s *Source) Close() {
	if s.closed.Swap(true) {
		return
	}

	s.stopProducer()
}

func (s *Source) startProducer(startFrame int64) {
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.cancel = cancel
	s.queue = make(chan chunk, queueCapacity)

	s.wg.Add(1)

	go s.produce(ctx, startFrame)
}

func (s *Source) stopProducer() {
	if s.cancel != nil {
		s.cancel()
	}

	s.wg.Wait()

	if s.queue != nil {
		for range s.queue { //nolint:revive // drain to unblock any final send
		}
	}
}

func (s *Source) produce(ctx context.Context, startFrame int64) {
	defer s.wg.Done()
	defer close(s.queue)

	frame := startFrame

	for frame < s.frames {
		end := frame + chunkFrames
		if end > s.frames {
			end = s.frames
		}

		raw, err := s.decoder.ReadFrameRange(ctx, frame, end)
		if err != nil {
			s.decodeErrorCount.Add(1)

			select {
			case s.queue <- chunk{err: fmt.Errorf("pcm: decode frames [%d, %d): %w", frame, end, err)}:
			case <-ctx.Done():
			}

			return
		}

		samples := normalize(raw, s.format)
		s.samplesDecoded.Add(uint64(len(samples)))

		select {
		case s.queue <- chunk{samples: samples}:
		case <-ctx.Done():
			return
		}

		frame = end
	}
}

func framesToDuration(frames int64, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}

	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}

func durationToFrames(d time.Duration, sampleRate int) int64 {
	return int64(d * time.Duration(sampleRate) / time.Second)
}

// normalize converts raw little-endian signed-PCM bytes to floats in
// [-1, 1] using sample / 2^(bits-1).
func normalize(raw []byte, format Format) []float32 {
	bytesPerSample := format.BitsPerSample / 8
	if bytesPerSample == 0 {
		return nil
	}

	n := len(raw) / bytesPerSample
	out := make([]float32, n)
	peak := float32(int64(1) << (format.BitsPerSample - 1))

	for i := 0; i < n; i++ {
		b := raw[i*bytesPerSample : (i+1)*bytesPerSample]
		out[i] = float32(decodeSigned(b)) / peak
	}

	return out
}

// decodeSigned decodes a little-endian two's-complement integer of
// arbitrary byte width (1, 2, 3, or 4 bytes, the widths real audio_formats
// rows use).
func decodeSigned(b []byte) int64 {
	var u uint32

	for i, by := range b {
		u |= uint32(by) << (8 * i)
	}

	bits := uint(len(b) * 8)
	signBit := uint32(1) << (bits - 1)

	if u&signBit != 0 {
		return int64(u) - int64(signBit)<<1
	}

	return int64(u)
}
