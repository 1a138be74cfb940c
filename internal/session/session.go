// Package session implements the session recorder: it
// attaches to the local library, lets application writes proceed normally,
// and accumulates the row-level diff those writes produced so it can be
// pushed as a changeset.
//
// The recorder keeps an in-memory map of entries keyed by row identity,
// "last op wins" per key: each entry remembers the row's state the first
// time the session touched it and its state after the most recent write,
// and the diff falls out of comparing the two. Writes are applied to the
// library immediately; the Recorder only observes. Table/row mutation
// therefore always goes through a Recorder so the diff can be captured --
// there is no separate "raw write path" applications are expected to
// bypass.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ariafm/aria/internal/changeset"
	"github.com/ariafm/aria/internal/hlc"
	"github.com/ariafm/aria/internal/library"
)

// ErrEnded reports that a Recorder method was called after [Recorder.End].
var ErrEnded = errors.New("session: recorder ended")

type entry struct {
	table changeset.TableID
	pk    map[string]any

	baselineCaptured bool
	baselineExists   bool
	baselineValues   []byte

	deleted     bool
	afterValues []byte
}

// Recorder is the session recorder attached to one [library.Writer]. The
// zero value is not usable; call [Start].
//
// A Recorder must be ended with [Recorder.End] before any incoming
// changeset is applied against the same library connection, or the
// applier's writes would contaminate the outgoing diff.
type Recorder struct {
	w     *library.Writer
	node  hlc.Node
	clock *hlc.Clock

	mu      sync.Mutex
	entries map[string]*entry
	ended   bool
}

// Start attaches a new Recorder to w. Application writes should go through
// [Recorder.Put] and [Recorder.Delete] for the remainder of the session so
// they are both applied and captured.
func Start(w *library.Writer, node hlc.Node, clock *hlc.Clock) *Recorder {
	return &Recorder{
		w:       w,
		node:    node,
		clock:   clock,
		entries: make(map[string]*entry),
	}
}

func entryKey(table changeset.TableID, pk map[string]any) (string, error) {
	keys := make([]string, 0, len(pk))
	for k := range pk {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	ordered := make(map[string]any, len(pk))
	for _, k := range keys {
		ordered[k] = pk[k]
	}

	b, err := json.Marshal(ordered)
	if err != nil {
		return "", fmt.Errorf("session: encode pk: %w", err)
	}

	return fmt.Sprintf("%d:%s", table, b), nil
}

func (r *Recorder) touch(ctx context.Context, table changeset.TableID, pk map[string]any) (*entry, error) {
	key, err := entryKey(table, pk)
	if err != nil {
		return nil, err
	}

	e, ok := r.entries[key]
	if ok {
		return e, nil
	}

	before, exists, err := r.w.GetRow(ctx, table, pk)
	if err != nil {
		return nil, fmt.Errorf("session: snapshot baseline: %w", err)
	}

	var beforeJSON []byte
	if exists {
		beforeJSON, err = encodeValues(before)
		if err != nil {
			return nil, err
		}
	}

	e = &entry{
		table:            table,
		pk:               pk,
		baselineCaptured: true,
		baselineExists:   exists,
		baselineValues:   beforeJSON,
	}
	r.entries[key] = e

	return e, nil
}

// Put writes cols to table under pk and records the resulting diff. cols
// must carry every non-key column. Put stamps updated_hlc and origin_node
// from the Recorder's clock and node automatically.
func (r *Recorder) Put(ctx context.Context, table changeset.TableID, pk map[string]any, cols map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ended {
		return fmt.Errorf("put: %w", ErrEnded)
	}

	e, err := r.touch(ctx, table, pk)
	if err != nil {
		return fmt.Errorf("put: %w", err)
	}

	full := make(map[string]any, len(cols)+len(pk)+2)

	for k, v := range pk {
		full[k] = v
	}

	for k, v := range cols {
		full[k] = v
	}

	full["updated_hlc"] = r.clock.Now().String()
	full["origin_node"] = r.node.String()

	err = r.w.UpsertRow(ctx, table, full)
	if err != nil {
		return fmt.Errorf("put: %w", err)
	}

	afterJSON, err := encodeValues(full)
	if err != nil {
		return fmt.Errorf("put: %w", err)
	}

	e.deleted = false
	e.afterValues = afterJSON

	return nil
}

// Delete removes the row identified by pk from table and records the diff.
func (r *Recorder) Delete(ctx context.Context, table changeset.TableID, pk map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ended {
		return fmt.Errorf("delete: %w", ErrEnded)
	}

	e, err := r.touch(ctx, table, pk)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}

	err = r.w.DeleteRow(ctx, table, pk)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}

	e.deleted = true
	e.afterValues = nil

	return nil
}

// Extract returns the accumulated diff, or nil if no mutation changed
// library state since Start. Extract may be called while the session is
// still open; it does not end the session.
func (r *Recorder) Extract() (*changeset.Changeset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var records []changeset.Record

	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		e := r.entries[k]

		rec, ok, err := e.toRecord()
		if err != nil {
			return nil, fmt.Errorf("session: extract: %w", err)
		}

		if ok {
			records = append(records, rec)
		}
	}

	if len(records) == 0 {
		return nil, nil //nolint:nilnil // absence of a changeset is a first-class, documented result
	}

	return &changeset.Changeset{Records: records}, nil
}

func (e *entry) toRecord() (changeset.Record, bool, error) {
	pkJSON, err := encodeValues(e.pk)
	if err != nil {
		return changeset.Record{}, false, err
	}

	switch {
	case !e.baselineExists && e.deleted:
		// Created and deleted within the same session: no net effect on
		// any other device's view, nothing to replicate.
		return changeset.Record{}, false, nil
	case !e.baselineExists:
		return changeset.Record{Table: e.table, Op: changeset.OpInsert, AfterPK: pkJSON, BeforePK: pkJSON, AfterValues: e.afterValues}, true, nil
	case e.deleted:
		return changeset.Record{Table: e.table, Op: changeset.OpDelete, BeforePK: pkJSON, BeforeValues: e.baselineValues}, true, nil
	default:
		return changeset.Record{
			Table:        e.table,
			Op:           changeset.OpUpdate,
			BeforePK:     pkJSON,
			AfterPK:      pkJSON,
			BeforeValues: e.baselineValues,
			AfterValues:  e.afterValues,
		}, true, nil
	}
}

// End closes the session. It must be called before any incoming changeset
// is applied against the same library connection.
func (r *Recorder) End() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ended = true
}

func encodeValues(m map[string]any) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode values: %w", err)
	}

	return b, nil
}

// DecodeValues is the inverse of the internal encoding Put/Delete use for
// BeforeValues/AfterValues, exported so internal/apply can interpret a
// changeset's column blobs without re-deriving the encoding.
func DecodeValues(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}

	var m map[string]any

	err := json.Unmarshal(b, &m)
	if err != nil {
		return nil, fmt.Errorf("decode values: %w", err)
	}

	return m, nil
}
