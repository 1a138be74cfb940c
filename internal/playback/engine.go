// Package playback implements the transport state machine that drives a
// queue of tracks through [internal/pcm] sources to an audio device:
// Stopped/Loading/Playing/Paused, repeat modes, and the event stream a UI
// subscribes to.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ariafm/aria/internal/pcm"
)

// ErrNoTrackLoaded is the error for an operation that needs a loaded track.
// [Engine.Seek] does not return it: a Seek with nothing loaded emits a
// [SeekError] event.
var ErrNoTrackLoaded = errors.New("playback: no track loaded")

// seekSkipThreshold is the minimum position delta that triggers an actual
// seek; smaller requests are reported as [SeekSkipped] instead.
const seekSkipThreshold = 100 * time.Millisecond

// positionTickInterval is how often a [PositionUpdate] event fires during
// playback.
const positionTickInterval = 250 * time.Millisecond

// pullFrames is how many frames the playback loop pulls from the PCM
// source per write to the output device.
const pullFrames = 2048

// Loader opens a playable PCM source for trackID. Implementations
// typically chain internal/storage and internal/sparse behind a
// internal/pcm.Decoder.
type Loader func(ctx context.Context, trackID string) (*pcm.Source, error)

// Engine is one player: one queue, one transport state machine, one audio
// device. It is safe for concurrent use.
type Engine struct {
	loader        Loader
	newOutput     OutputFactory
	log           *slog.Logger
	baseCtx       context.Context //nolint:containedctx // scopes the engine's whole lifetime

	mu          sync.Mutex
	state       State
	queue       []string
	index       int
	repeat      RepeatMode
	volume      float32
	session     int64
	sessionStop context.CancelFunc
	source      *pcm.Source
	output      Output
	outputFmt   pcm.Format

	subsMu    sync.Mutex
	subs      map[int]chan Event
	nextSubID int
}

// New constructs an Engine. loader resolves a track id to a decoded PCM
// source; newOutput opens the audio device (pass nil to use the real oto
// device). ctx bounds the engine's lifetime.
func New(ctx context.Context, loader Loader, newOutput OutputFactory, log *slog.Logger) *Engine {
	if newOutput == nil {
		newOutput = newOtoOutput
	}

	if log == nil {
		log = slog.Default()
	}

	return &Engine{
		loader:    loader,
		newOutput: newOutput,
		log:       log,
		baseCtx:   ctx,
		state:     StateStopped,
		index:     -1,
		volume:    1.0,
		subs:      make(map[int]chan Event),
	}
}

// Subscribe registers a new event listener with the given buffer depth.
// The returned cancel func removes it; failing to call it leaks the
// channel for the engine's lifetime.
func (e *Engine) Subscribe(buffer int) (<-chan Event, func()) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()

	id := e.nextSubID
	e.nextSubID++
	ch := make(chan Event, buffer)
	e.subs[id] = ch

	return ch, func() {
		e.subsMu.Lock()
		defer e.subsMu.Unlock()

		if _, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(ch)
		}
	}
}

// emit broadcasts ev to every subscriber without blocking; a subscriber
// that isn't keeping up misses events rather than stalling playback.
func (e *Engine) emit(ev Event) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()

	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// State returns the engine's current transport state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.state
}

// Queue returns a copy of the current play queue and the current queue
// index: -1 before the first Play, after Clear, or after the current track
// is removed from the queue. Stop leaves the index unchanged.
func (e *Engine) Queue() ([]string, int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	q := make([]string, len(e.queue))
	copy(q, e.queue)

	return q, e.index
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()

	e.emit(StateChanged{State: s})
}

// Play replaces the queue and starts loading queue[startIndex]. An empty
// queue or an out-of-range index is a no-op: the engine stays Stopped.
func (e *Engine) Play(queue []string, startIndex int) {
	if len(queue) == 0 || startIndex < 0 || startIndex >= len(queue) {
		return
	}

	e.mu.Lock()

	e.stopSessionLocked()

	e.queue = append([]string(nil), queue...)
	e.index = startIndex
	session := e.newSessionLocked()

	e.mu.Unlock()

	e.emit(QueueUpdated{Tracks: append([]string(nil), queue...)})
	e.setState(StateLoading)

	go e.runSession(session)
}

// newSessionLocked bumps the session counter and returns a fresh
// cancellable context for it. Callers must hold mu.
func (e *Engine) newSessionLocked() sessionHandle {
	ctx, cancel := context.WithCancel(e.baseCtx)
	e.session++
	e.sessionStop = cancel

	return sessionHandle{id: e.session, ctx: ctx}
}

// stopSessionLocked cancels any in-flight session's context so its
// goroutine exits promptly. Callers must hold mu.
func (e *Engine) stopSessionLocked() {
	if e.sessionStop != nil {
		e.sessionStop()
		e.sessionStop = nil
	}

	if e.source != nil {
		e.source.Close()
		e.source = nil
	}

	if e.output != nil {
		_ = e.output.Close()
		e.output = nil
	}
}

type sessionHandle struct {
	id  int64
	ctx context.Context //nolint:containedctx // tied 1:1 to the session's own lifetime
}

// isCurrentLocked reports whether sess is still the active session.
// Callers must hold mu.
func (e *Engine) isCurrentLocked(sess sessionHandle) bool {
	return e.session == sess.id
}

func (e *Engine) runSession(sess sessionHandle) {
	e.mu.Lock()
	trackID := e.queue[e.index]
	e.mu.Unlock()

	source, err := e.loader(sess.ctx, trackID)
	if err != nil {
		e.mu.Lock()
		current := e.isCurrentLocked(sess)
		if current {
			e.state = StateStopped
		}
		e.mu.Unlock()

		if current {
			e.emit(PlaybackError{Message: fmt.Sprintf("load %s: %v", trackID, err)})
			e.emit(StateChanged{State: StateStopped})
		}

		return
	}

	output, err := e.ensureOutput(source.Format())
	if err != nil {
		source.Close()

		e.mu.Lock()
		current := e.isCurrentLocked(sess)
		if current {
			e.state = StateStopped
		}
		e.mu.Unlock()

		if current {
			e.emit(PlaybackError{Message: fmt.Sprintf("open audio device: %v", err)})
			e.emit(StateChanged{State: StateStopped})
		}

		return
	}

	e.mu.Lock()

	if !e.isCurrentLocked(sess) {
		e.mu.Unlock()
		source.Close()

		return
	}

	e.source = source
	e.state = StatePlaying
	e.mu.Unlock()

	e.emit(StateChanged{State: StatePlaying})

	e.pump(sess, trackID, source, output)
}

// ensureOutput opens (or reuses) the output device for format, reopening
// it if a prior track used a different sample rate/channel count.
func (e *Engine) ensureOutput(format pcm.Format) (Output, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.output != nil && e.outputFmt == format {
		return e.output, nil
	}

	if e.output != nil {
		_ = e.output.Close()
	}

	out, err := e.newOutput(format)
	if err != nil {
		return nil, err
	}

	e.output = out
	e.outputFmt = format

	return out, nil
}

// pump is the playback loop: pulls samples from source, writes them to
// output, ticks position events, and on end-of-stream advances the queue
// per the repeat mode.
func (e *Engine) pump(sess sessionHandle, trackID string, source *pcm.Source, output Output) {
	buf := make([]byte, 0, pullFrames*4)
	lastTick := time.Now()

	for {
		select {
		case <-sess.ctx.Done():
			return
		default:
		}

		e.mu.Lock()
		paused := e.state == StatePaused
		vol := e.volume
		e.mu.Unlock()

		if paused {
			select {
			case <-sess.ctx.Done():
				return
			case <-time.After(20 * time.Millisecond):
				continue
			}
		}

		format := source.Format()

		samples, err := source.NextSamples(pullFrames * format.Channels)
		if err != nil {
			e.mu.Lock()
			current := e.isCurrentLocked(sess)
			if current {
				e.state = StateStopped
			}
			e.mu.Unlock()

			if current {
				e.emit(PlaybackError{Message: fmt.Sprintf("decode %s: %v", trackID, err)})
				e.emit(StateChanged{State: StateStopped})
			}

			return
		}

		if len(samples) == 0 {
			e.onTrackEnd(sess, trackID, source)

			return
		}

		buf = encodeInt16LE(buf[:0], samples, vol)

		_, err = output.Write(buf)
		if err != nil {
			e.mu.Lock()
			current := e.isCurrentLocked(sess)
			if current {
				e.state = StateStopped
			}
			e.mu.Unlock()

			if current {
				e.emit(PlaybackError{Message: fmt.Sprintf("write audio device: %v", err)})
				e.emit(StateChanged{State: StateStopped})
			}

			return
		}

		if time.Since(lastTick) >= positionTickInterval {
			lastTick = time.Now()

			e.mu.Lock()
			current := e.isCurrentLocked(sess)
			e.mu.Unlock()

			if current {
				e.emit(PositionUpdate{Position: source.Position(), TrackID: trackID})
			}
		}
	}
}

func (e *Engine) onTrackEnd(sess sessionHandle, trackID string, source *pcm.Source) {
	stats := source.Stats()

	e.mu.Lock()
	current := e.isCurrentLocked(sess)
	e.mu.Unlock()

	if !current {
		return
	}

	e.emit(TrackCompleted{TrackID: trackID, SamplesDecoded: stats.SamplesDecoded, DecodeErrors: stats.DecodeErrorCount})

	e.mu.Lock()

	if !e.isCurrentLocked(sess) {
		e.mu.Unlock()

		return
	}

	nextIndex, ok := e.nextIndexLocked()
	if !ok {
		e.stopSessionLocked()
		e.state = StateStopped
		e.mu.Unlock()
		e.emit(StateChanged{State: StateStopped})

		return
	}

	e.index = nextIndex
	nextSession := e.newSessionLocked()
	e.mu.Unlock()

	e.emit(StateChanged{State: StateLoading})

	go e.runSession(nextSession)
}

// nextIndexLocked computes the next queue index per repeat mode, or
// ok=false if playback should stop. Callers must hold mu.
func (e *Engine) nextIndexLocked() (int, bool) {
	switch e.repeat {
	case RepeatTrack:
		return e.index, true
	case RepeatAlbum:
		return (e.index + 1) % len(e.queue), true
	case RepeatNone:
		fallthrough
	default:
		next := e.index + 1
		if next >= len(e.queue) {
			return 0, false
		}

		return next, true
	}
}

// Pause transitions Playing -> Paused. No-op otherwise.
func (e *Engine) Pause() {
	e.mu.Lock()

	if e.state != StatePlaying {
		e.mu.Unlock()

		return
	}

	e.state = StatePaused
	e.mu.Unlock()

	e.emit(StateChanged{State: StatePaused})
}

// Resume transitions Paused -> Playing. No-op otherwise.
func (e *Engine) Resume() {
	e.mu.Lock()

	if e.state != StatePaused {
		e.mu.Unlock()

		return
	}

	e.state = StatePlaying
	e.mu.Unlock()

	e.emit(StateChanged{State: StatePlaying})
}

// Stop cancels any decode in flight, drains the PCM queue, and returns to
// Stopped from any state.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopSessionLocked()
	e.state = StateStopped
	e.mu.Unlock()

	e.emit(StateChanged{State: StateStopped})
}

// Clear is Stop plus emptying the queue.
func (e *Engine) Clear() {
	e.Stop()

	e.mu.Lock()
	e.queue = nil
	e.index = -1
	e.mu.Unlock()

	e.emit(QueueUpdated{Tracks: nil})
}

// Seek moves the current track's position. Requests within 100ms of the
// current position are reported as [SeekSkipped] rather than acted on.
func (e *Engine) Seek(position time.Duration) {
	e.mu.Lock()

	source := e.source
	trackID := ""

	if e.index >= 0 && e.index < len(e.queue) {
		trackID = e.queue[e.index]
	}

	wasPaused := e.state == StatePaused

	e.mu.Unlock()

	if source == nil {
		e.emit(SeekError{RequestedPosition: position, TrackDuration: 0})

		return
	}

	current := source.Position()
	if absDuration(position-current) < seekSkipThreshold {
		e.emit(SeekSkipped{RequestedPosition: position, CurrentPosition: current})

		return
	}

	newPos := source.Seek(position)
	e.emit(Seeked{Position: newPos, TrackID: trackID, WasPaused: wasPaused})
}

// AddToQueue appends trackID to the queue.
func (e *Engine) AddToQueue(trackID string) {
	e.mu.Lock()
	e.queue = append(e.queue, trackID)
	q := append([]string(nil), e.queue...)
	e.mu.Unlock()

	e.emit(QueueUpdated{Tracks: q})
}

// RemoveFromQueue removes the track at i. Removing the currently playing
// track stops playback.
func (e *Engine) RemoveFromQueue(i int) {
	e.mu.Lock()

	if i < 0 || i >= len(e.queue) {
		e.mu.Unlock()

		return
	}

	e.queue = append(e.queue[:i], e.queue[i+1:]...)

	stopNeeded := false

	switch {
	case i == e.index:
		stopNeeded = true
		e.index = -1
	case i < e.index:
		e.index--
	}

	q := append([]string(nil), e.queue...)

	e.mu.Unlock()

	if stopNeeded {
		e.Stop()
	}

	e.emit(QueueUpdated{Tracks: q})
}

// SkipTo jumps playback to queue index i.
func (e *Engine) SkipTo(i int) {
	e.mu.Lock()
	q := append([]string(nil), e.queue...)
	e.mu.Unlock()

	if i < 0 || i >= len(q) {
		return
	}

	e.Play(q, i)
}

// SetRepeatMode changes the repeat mode applied when a track ends.
func (e *Engine) SetRepeatMode(mode RepeatMode) {
	e.mu.Lock()
	e.repeat = mode
	e.mu.Unlock()

	e.emit(RepeatModeChanged{Mode: mode})
}

// SetVolume sets the linear playback volume, clamped to [0, 1].
func (e *Engine) SetVolume(v float32) {
	if v < 0 {
		v = 0
	}

	if v > 1 {
		v = 1
	}

	e.mu.Lock()
	e.volume = v
	e.mu.Unlock()

	e.emit(VolumeChanged{Volume: v})
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}

	return d
}

// encodeInt16LE mixes normalized float samples down to interleaved
// little-endian int16 bytes, applying vol and clamping to the int16
// range.
func encodeInt16LE(dst []byte, samples []float32, vol float32) []byte {
	const peak = math.MaxInt16

	for _, s := range samples {
		v := int32(s * vol * peak)

		switch {
		case v > peak:
			v = peak
		case v < -peak-1:
			v = -peak - 1
		}

		dst = append(dst, byte(v), byte(v>>8))
	}

	return dst
}
