// Package syncengine implements the sync orchestrator: the full push/pull
// cycle that reconciles one device's local library against the shared
// bucket, plus status derivation and first-join bootstrap.
package syncengine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"

	"github.com/ariafm/aria/internal/apply"
	"github.com/ariafm/aria/internal/changeset"
	"github.com/ariafm/aria/internal/crypto"
	"github.com/ariafm/aria/internal/hlc"
	"github.com/ariafm/aria/internal/library"
	"github.com/ariafm/aria/internal/session"
	"github.com/ariafm/aria/internal/syncbucket"
)

// ErrBusy reports that a sync cycle is already running on this Engine. One
// orchestrator instance serves one library on one device; re-entrant Sync
// calls are rejected rather than queued.
var ErrBusy = errors.New("syncengine: sync already in progress")

const (
	defaultMaxAttempts = 5

	// defaultCallTimeout bounds one network call (one backoff attempt);
	// a hung backend connection fails the attempt instead of the cycle.
	defaultCallTimeout = 30 * time.Second

	// defaultCycleTimeout bounds a whole Sync cycle, separate from the
	// per-call limit.
	defaultCycleTimeout = 10 * time.Minute
)

// Engine is the sync orchestrator for one library on one device. Its node
// identity is generated once (via a random UUID) and persisted in the
// library's local device_state table.
type Engine struct {
	writer       *library.Writer
	bucket       *syncbucket.Bucket
	clock        *hlc.Clock
	node         hlc.Node
	log          *slog.Logger
	maxAttempts  int
	callTimeout  time.Duration
	cycleTimeout time.Duration

	mu      sync.Mutex
	running bool
	rec     *session.Recorder
}

// New constructs an Engine for w, generating and persisting a node
// identity on first use. Application writes must be routed through
// [Engine.Recorder] from this point forward so they are captured for the
// next push.
func New(ctx context.Context, w *library.Writer, bucket *syncbucket.Bucket, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}

	node, err := loadOrCreateNode(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("syncengine: new: %w", err)
	}

	clock := hlc.New(node)

	e := &Engine{
		writer:       w,
		bucket:       bucket,
		clock:        clock,
		node:         node,
		log:          log,
		maxAttempts:  defaultMaxAttempts,
		callTimeout:  defaultCallTimeout,
		cycleTimeout: defaultCycleTimeout,
	}
	e.rec = session.Start(w, node, clock)

	return e, nil
}

func loadOrCreateNode(ctx context.Context, w *library.Writer) (hlc.Node, error) {
	state, err := w.DeviceState(ctx)
	if err != nil {
		return hlc.Node{}, err
	}

	if state.NodeID != "" {
		node, err := hlc.ParseNode(state.NodeID)
		if err != nil {
			return hlc.Node{}, fmt.Errorf("parse persisted node id: %w", err)
		}

		return node, nil
	}

	var node hlc.Node

	id := uuid.New()
	copy(node[:], id[:])

	err = w.SetNodeID(ctx, node.String())
	if err != nil {
		return hlc.Node{}, fmt.Errorf("persist node id: %w", err)
	}

	return node, nil
}

// DeviceID is this device's sync identity, the hex form of its HLC node.
func (e *Engine) DeviceID() string {
	return e.node.String()
}

// Recorder returns the session recorder application writes must go
// through between sync cycles.
func (e *Engine) Recorder() *session.Recorder {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.rec
}

// Result summarizes one completed sync cycle.
type Result struct {
	Pushed                bool
	ChangesetsApplied     int
	RemainingFKViolations int
}

// Sync runs one full cycle: extract and push local writes, pull and apply
// every peer's new changesets, retry any that hit a foreign key violation
// once more, then persist the new pull watermark. Rejects re-entry with
// ErrBusy.
func (e *Engine) Sync(ctx context.Context) (Result, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()

		return Result{}, ErrBusy
	}

	e.running = true
	rec := e.rec
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	// The whole cycle gets its own deadline, separate from the per-call
	// timeout each network attempt runs under.
	ctx, cancel := context.WithTimeout(ctx, e.cycleTimeout)
	defer cancel()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	var result Result

	cs, err := rec.Extract()
	if err != nil {
		return Result{}, fmt.Errorf("syncengine: extract: %w", err)
	}

	if cs != nil {
		err = e.push(ctx, cs)
		if err != nil {
			return Result{}, err
		}

		result.Pushed = true
	}

	// The session ends before any incoming changeset is applied, and a
	// fresh one starts immediately so application writes during the pull
	// are captured for the next push. Restarting here (not after the
	// pull) also means a failed pull can never re-push entries that
	// already went out.
	rec.End()

	e.mu.Lock()
	e.rec = session.Start(e.writer, e.node, e.clock)
	e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	state, err := e.writer.DeviceState(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("syncengine: load device state: %w", err)
	}

	localSeen := state.LocalSeen
	if localSeen == nil {
		localSeen = map[string]uint64{}
	}

	pending, applied, err := e.pull(ctx, localSeen)
	if err != nil {
		return Result{}, err
	}

	result.ChangesetsApplied = applied
	result.RemainingFKViolations = e.retryPending(ctx, pending)

	now := time.Now().UTC().Format(time.RFC3339)

	err = e.writer.SetLocalSeen(ctx, localSeen, now)
	if err != nil {
		return Result{}, fmt.Errorf("syncengine: persist local seen: %w", err)
	}

	e.log.Debug("sync cycle complete",
		"device", e.DeviceID(), "pushed", result.Pushed,
		"applied", result.ChangesetsApplied, "remaining_fk_violations", result.RemainingFKViolations)

	return result, nil
}

func (e *Engine) push(ctx context.Context, cs *changeset.Changeset) error {
	deviceID := e.DeviceID()

	var head syncbucket.DeviceHead

	err := e.withBackoff(ctx, "get head", func(ctx context.Context) error {
		h, err := e.bucket.GetHead(ctx, deviceID)
		if err != nil {
			if errors.Is(err, syncbucket.ErrNotFound) {
				head = syncbucket.DeviceHead{DeviceID: deviceID}

				return nil
			}

			return err
		}

		head = h

		return nil
	})
	if err != nil {
		return fmt.Errorf("syncengine: push: get head: %w", err)
	}

	plaintext, err := changeset.Encode(*cs)
	if err != nil {
		return fmt.Errorf("syncengine: push: encode: %w", err)
	}

	seq := head.Seq + 1

	err = e.withBackoff(ctx, "put changeset", func(ctx context.Context) error {
		return e.bucket.PutChangeset(ctx, deviceID, seq, plaintext)
	})
	if err != nil {
		return fmt.Errorf("syncengine: push: put changeset: %w", err)
	}

	head.Seq = seq
	head.LastSync = time.Now().UTC().Format(time.RFC3339)

	err = e.withBackoff(ctx, "put head", func(ctx context.Context) error {
		return e.bucket.PutHead(ctx, head)
	})
	if err != nil {
		return fmt.Errorf("syncengine: push: put head: %w", err)
	}

	e.log.Debug("pushed changeset", "device", deviceID, "seq", seq, "records", len(cs.Records))

	return nil
}

type pendingChangeset struct {
	peer string
	seq  uint64
	cs   changeset.Changeset
}

// pull fetches and applies every peer's changesets newer than localSeen,
// advancing localSeen in place as each one is applied (whether or not it
// carried an unresolved foreign key reference).
func (e *Engine) pull(ctx context.Context, localSeen map[string]uint64) ([]pendingChangeset, int, error) {
	deviceID := e.DeviceID()

	var heads []syncbucket.DeviceHead

	err := e.withBackoff(ctx, "list heads", func(ctx context.Context) error {
		h, err := e.bucket.ListHeads(ctx)
		if err != nil {
			return err
		}

		heads = h

		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("syncengine: pull: list heads: %w", err)
	}

	var pending []pendingChangeset

	applied := 0

	for _, head := range heads {
		if head.DeviceID == deviceID {
			continue
		}

		from := localSeen[head.DeviceID] + 1

		for seq := from; seq <= head.Seq; seq++ {
			if err := ctx.Err(); err != nil {
				return nil, 0, err
			}

			var plaintext []byte

			err := e.withBackoff(ctx, "get changeset", func(ctx context.Context) error {
				p, err := e.bucket.GetChangeset(ctx, head.DeviceID, seq)
				if err != nil {
					return err
				}

				plaintext = p

				return nil
			})
			if err != nil {
				// An absent changeset below the advertised head is a gap:
				// the append-only log has a hole and the cycle aborts. The
				// newest object is the exception: the head pointer is
				// written after the changeset, so on an eventually
				// consistent backend the head can become readable first.
				// Leave local_seen where it is and move on to the next
				// device; the object is picked up next cycle.
				if errors.Is(err, syncbucket.ErrNotFound) && seq == head.Seq {
					e.log.Debug("newest changeset not yet visible, deferring",
						"peer", head.DeviceID, "seq", seq)

					break
				}

				return nil, 0, fmt.Errorf("syncengine: pull: %s/%d: %w", head.DeviceID, seq, err)
			}

			cs, err := changeset.Decode(plaintext)
			if err != nil {
				return nil, 0, fmt.Errorf("syncengine: pull: decode %s/%d: %w", head.DeviceID, seq, err)
			}

			res, err := apply.Apply(ctx, e.writer, &cs)
			if err != nil {
				return nil, 0, fmt.Errorf("syncengine: pull: apply %s/%d: %w", head.DeviceID, seq, err)
			}

			if res.HadFKViolations {
				pending = append(pending, pendingChangeset{peer: head.DeviceID, seq: seq, cs: cs})
			}

			localSeen[head.DeviceID] = seq
			applied++
		}
	}

	return pending, applied, nil
}

// retryPending re-applies every changeset that hit a foreign key violation
// on its first pass, once. Anything still unsatisfied (including changesets
// not reached because ctx ended) is logged or counted, not treated as
// fatal. pull has already advanced local_seen past these changesets, so a
// later cycle does not fetch them again.
func (e *Engine) retryPending(ctx context.Context, pending []pendingChangeset) int {
	remaining := 0

	for i, p := range pending {
		if ctx.Err() != nil {
			return remaining + len(pending) - i
		}

		res, err := apply.Apply(ctx, e.writer, &p.cs)
		if err != nil {
			e.log.Warn("second-pass apply failed", "peer", p.peer, "seq", p.seq, "error", err)

			remaining++

			continue
		}

		if res.HadFKViolations {
			e.log.Warn("foreign key violations remained after second pass", "peer", p.peer, "seq", p.seq)

			remaining++
		}
	}

	return remaining
}

// DeviceActivity is one peer's reported sync position, for [Status].
type DeviceActivity struct {
	DeviceID string
	LastSeq  uint64
	LastSync string
}

// Status is the local view of sync progress, for the UI.
type Status struct {
	LastSyncTime string
	OtherDevices []DeviceActivity
}

// Status derives sync status from the bucket's heads listing and this
// device's own last_sync_time, excluding this device from OtherDevices.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	state, err := e.writer.DeviceState(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("syncengine: status: %w", err)
	}

	heads, err := e.bucket.ListHeads(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("syncengine: status: list heads: %w", err)
	}

	deviceID := e.DeviceID()
	others := make([]DeviceActivity, 0, len(heads))

	for _, h := range heads {
		if h.DeviceID == deviceID {
			continue
		}

		others = append(others, DeviceActivity{DeviceID: h.DeviceID, LastSeq: h.Seq, LastSync: h.LastSync})
	}

	return Status{LastSyncTime: state.LastSyncTime, OtherDevices: others}, nil
}

// Bootstrap prepares a freshly joined device's local library before its
// first ordinary sync cycle. If the bucket has a bootstrap snapshot, its
// raw database bytes are written to libraryPath atomically and the
// resulting local_seen map is returned so the caller can seed
// device_state before calling library.Open and constructing an Engine.
// If no snapshot exists, Bootstrap returns an empty map and the caller
// proceeds with an ordinary first cycle that pulls full history from
// every peer.
func Bootstrap(ctx context.Context, bucket *syncbucket.Bucket, libraryPath string) (map[string]uint64, error) {
	heads, r, err := bucket.GetSnapshot(ctx)
	if err != nil {
		if errors.Is(err, syncbucket.ErrNotFound) {
			return map[string]uint64{}, nil
		}

		return nil, fmt.Errorf("syncengine: bootstrap: %w", err)
	}

	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("syncengine: bootstrap: read snapshot: %w", err)
	}

	err = atomic.WriteFile(libraryPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("syncengine: bootstrap: write library: %w", err)
	}

	localSeen := make(map[string]uint64, len(heads))
	for device, seq := range heads {
		localSeen[device] = seq
	}

	return localSeen, nil
}

// withBackoff retries f up to maxAttempts times with exponential backoff
// and jitter. Each attempt runs under its own per-call timeout, so a hung
// network call fails that attempt rather than stalling the cycle; ctx
// (carrying the whole-cycle deadline) is honored between attempts and
// ends the retrying outright. Absent objects and failed decryptions are
// not transient: retrying them would re-read the same bytes, so they
// surface immediately.
func (e *Engine) withBackoff(ctx context.Context, label string, f func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		attemptCtx, cancelAttempt := context.WithTimeout(ctx, e.callTimeout)
		err := f(attemptCtx)

		cancelAttempt()

		if err == nil {
			return nil
		}

		if errors.Is(err, syncbucket.ErrNotFound) || errors.Is(err, crypto.ErrDecryption) {
			return err
		}

		// A per-call deadline is transient (the next attempt gets a fresh
		// one); the cycle's own context ending is not.
		if ctx.Err() != nil {
			return err
		}

		lastErr = err

		if attempt == e.maxAttempts {
			break
		}

		base := time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond //nolint:gosec // attempt is small and bounded by maxAttempts
		jitter := time.Duration(rand.Int63n(int64(base)/2 + 1))            //nolint:gosec // jitter, not security-sensitive
		wait := base + jitter

		e.log.Debug("retrying after backoff", "op", label, "attempt", attempt, "max_attempts", e.maxAttempts, "wait", wait, "error", err)

		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()

			return ctx.Err()
		case <-timer.C:
		}
	}

	e.log.Warn("operation failed after retries", "op", label, "attempts", e.maxAttempts, "error", lastErr)

	return lastErr
}
