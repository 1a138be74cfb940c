// Package apply implements the changeset applier: it takes
// a decoded changeset and a connection to the local library and resolves
// every record against one of five outcomes: DATA, NOTFOUND,
// CONFLICT, CONSTRAINT, or FOREIGN_KEY.
package apply

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/ariafm/aria/internal/changeset"
	"github.com/ariafm/aria/internal/hlc"
	"github.com/ariafm/aria/internal/library"
	"github.com/ariafm/aria/internal/session"
)

// Result is what Apply returns. The sync orchestrator uses HadFKViolations
// to decide whether to retry this changeset after more changesets have
// been applied.
type Result struct {
	HadFKViolations bool
}

// foreignKey describes one REFERENCES relationship declared in the schema
// (internal/library/schema.go), used to predict -- without relying on
// SQLite's own deferred-FK bookkeeping across an arbitrary record order --
// whether a write in this changeset would violate a foreign key (see the
// package-level note on FK discipline below).
type foreignKey struct {
	column    string
	refTable  changeset.TableID
	refColumn string
	nullable  bool
}

var foreignKeys = map[changeset.TableID][]foreignKey{
	changeset.TableAlbumDiscogs:     {{column: "album_id", refTable: changeset.TableAlbums, refColumn: "id"}},
	changeset.TableAlbumMusicbrainz: {{column: "album_id", refTable: changeset.TableAlbums, refColumn: "id"}},
	changeset.TableAlbumArtists: {
		{column: "album_id", refTable: changeset.TableAlbums, refColumn: "id"},
		{column: "artist_id", refTable: changeset.TableArtists, refColumn: "id"},
	},
	changeset.TableReleases: {{column: "album_id", refTable: changeset.TableAlbums, refColumn: "id"}},
	changeset.TableTracks:   {{column: "release_id", refTable: changeset.TableReleases, refColumn: "id"}},
	changeset.TableTrackArtists: {
		{column: "track_id", refTable: changeset.TableTracks, refColumn: "id"},
		{column: "artist_id", refTable: changeset.TableArtists, refColumn: "id"},
	},
	changeset.TableReleaseFiles: {
		{column: "track_id", refTable: changeset.TableTracks, refColumn: "id"},
		{column: "format_id", refTable: changeset.TableAudioFormats, refColumn: "id", nullable: true},
	},
}

// Apply resolves and applies every record of cs against w, following the
// conflict table. Foreign key checks are deferred across the whole
// changeset (library.Writer.BeginApplyTx) so parent-then-child and
// child-then-parent orders within cs both succeed.
//
// FK discipline note: this function predicts FK satisfiability itself (via
// declaredPKs, built from every row cs itself inserts/updates) rather than
// leaning on SQLite's deferred-FK commit check for per-row detail, because
// a failed deferred COMMIT rolls back the *entire* transaction and would
// lose rows that validly applied -- violating invariant 3 ("FK
// violations inside the changeset do not fail application"). Genuine
// CONSTRAINT failures (UNIQUE/CHECK, which SQLite still reports
// immediately even under deferred FK mode) are still caught and flagged per
// row.
func Apply(ctx context.Context, w *library.Writer, cs *changeset.Changeset) (Result, error) {
	if cs == nil || cs.Empty() {
		return Result{}, nil
	}

	tx, err := w.BeginApplyTx(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("apply: %w", err)
	}

	committed := false

	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	declared := declaredPKs(cs)

	result := Result{}

	for i, rec := range cs.Records {
		had, err := applyRecord(ctx, tx, rec, declared)
		if err != nil {
			return Result{}, fmt.Errorf("apply: record %d (%s): %w", i, rec.Table.Name(), err)
		}

		if had {
			result.HadFKViolations = true
		}
	}

	err = tx.Commit()
	if err != nil {
		// Our proactive FK prediction missed something SQLite's own
		// deferred check caught. Treat the whole changeset as pending:
		// nothing here was durably written, so it is safe to retry in a
		// later pass once more changesets have been absorbed.
		if isForeignKeyViolation(err) {
			return Result{HadFKViolations: true}, nil
		}

		return Result{}, fmt.Errorf("apply: commit: %w", err)
	}

	committed = true

	return result, nil
}

// declaredPKs indexes every AfterPK a changeset itself writes, per table, so
// a child record can be satisfied by a parent appearing later in the same
// changeset.
func declaredPKs(cs *changeset.Changeset) map[changeset.TableID]map[string]bool {
	out := make(map[changeset.TableID]map[string]bool)

	for _, rec := range cs.Records {
		if rec.Op == changeset.OpDelete {
			continue
		}

		after, err := session.DecodeValues(rec.AfterValues)
		if err != nil || after == nil {
			continue
		}

		set, ok := out[rec.Table]
		if !ok {
			set = make(map[string]bool)
			out[rec.Table] = set
		}

		table := library.Tables[rec.Table]
		if len(table.PK) == 1 {
			set[fmt.Sprint(after[table.PK[0]])] = true
		}
	}

	return out
}

func applyRecord(ctx context.Context, tx *sql.Tx, rec changeset.Record, declared map[changeset.TableID]map[string]bool) (bool, error) {
	switch rec.Op {
	case changeset.OpInsert:
		return applyInsert(ctx, tx, rec, declared)
	case changeset.OpUpdate:
		return applyUpdate(ctx, tx, rec, declared)
	case changeset.OpDelete:
		return applyDelete(ctx, tx, rec)
	default:
		return false, fmt.Errorf("unknown op %d", rec.Op)
	}
}

func applyInsert(ctx context.Context, tx *sql.Tx, rec changeset.Record, declared map[changeset.TableID]map[string]bool) (bool, error) {
	after, err := session.DecodeValues(rec.AfterValues)
	if err != nil {
		return false, err
	}

	pk, err := decodePK(rec.Table, rec.AfterPK, after)
	if err != nil {
		return false, err
	}

	existing, ok, err := library.GetRowTx(ctx, tx, rec.Table, pk)
	if err != nil {
		return false, err
	}

	if ok {
		// CONFLICT: PK collision. LWW on updated_hlc.
		if !incomingWins(after, existing) {
			return false, nil
		}
	}

	if !fkSatisfied(ctx, tx, rec.Table, after, declared) {
		return true, nil // FOREIGN_KEY: skip and flag
	}

	err = library.UpsertRowTx(ctx, tx, rec.Table, after)
	if err != nil {
		if isConstraintViolation(err) {
			return true, nil // CONSTRAINT: skip and flag
		}

		return false, err
	}

	return false, nil
}

func applyUpdate(ctx context.Context, tx *sql.Tx, rec changeset.Record, declared map[changeset.TableID]map[string]bool) (bool, error) {
	before, err := session.DecodeValues(rec.BeforeValues)
	if err != nil {
		return false, err
	}

	after, err := session.DecodeValues(rec.AfterValues)
	if err != nil {
		return false, err
	}

	pk, err := decodePK(rec.Table, rec.BeforePK, before)
	if err != nil {
		return false, err
	}

	existing, ok, err := library.GetRowTx(ctx, tx, rec.Table, pk)
	if err != nil {
		return false, err
	}

	if !ok {
		return false, nil // NOTFOUND: skip, row was deleted elsewhere
	}

	if !rowsEqual(existing, before) && !incomingWins(after, existing) {
		return false, nil // DATA conflict, local wins: skip
	}

	if !fkSatisfied(ctx, tx, rec.Table, after, declared) {
		return true, nil
	}

	err = library.UpsertRowTx(ctx, tx, rec.Table, after)
	if err != nil {
		if isConstraintViolation(err) {
			return true, nil
		}

		return false, err
	}

	return false, nil
}

func applyDelete(ctx context.Context, tx *sql.Tx, rec changeset.Record) (bool, error) {
	before, err := session.DecodeValues(rec.BeforeValues)
	if err != nil {
		return false, err
	}

	pk, err := decodePK(rec.Table, rec.BeforePK, before)
	if err != nil {
		return false, err
	}

	existing, ok, err := library.GetRowTx(ctx, tx, rec.Table, pk)
	if err != nil {
		return false, err
	}

	if !ok {
		return false, nil // NOTFOUND: already gone
	}

	if !rowsEqual(existing, before) {
		// Someone else touched this row since our snapshot; only delete if
		// we still win LWW against its current state. The delete record
		// carries no updated_hlc of its own beyond before_values, so use
		// that as the incoming stamp.
		if !incomingWins(before, existing) {
			return false, nil
		}
	}

	err = library.DeleteRowTx(ctx, tx, rec.Table, pk)
	if err != nil {
		return false, fmt.Errorf("delete: %w", err)
	}

	return false, nil
}

// incomingWins implements last-writer-wins: incoming beats existing iff its
// updated_hlc is strictly greater.
func incomingWins(incoming, existing map[string]any) bool {
	incomingHLC, err1 := hlc.Parse(fmt.Sprint(incoming["updated_hlc"]))
	existingHLC, err2 := hlc.Parse(fmt.Sprint(existing["updated_hlc"]))

	if err1 != nil || err2 != nil {
		// Can't compare: prefer not to clobber local state.
		return false
	}

	return existingHLC.Less(incomingHLC)
}

func fkSatisfied(ctx context.Context, tx *sql.Tx, table changeset.TableID, after map[string]any, declared map[changeset.TableID]map[string]bool) bool {
	for _, fk := range foreignKeys[table] {
		val := after[fk.column]
		if val == nil {
			if fk.nullable {
				continue
			}

			return false
		}

		key := fmt.Sprint(val)
		if declared[fk.refTable][key] {
			continue
		}

		_, ok, err := library.GetRowTx(ctx, tx, fk.refTable, map[string]any{fk.refColumn: val})
		if err != nil || !ok {
			return false
		}
	}

	return true
}

func decodePK(table changeset.TableID, pkBlob []byte, values map[string]any) (map[string]any, error) {
	t := library.Tables[table]
	if len(t.PK) == 1 && values != nil {
		if v, ok := values[t.PK[0]]; ok {
			return map[string]any{t.PK[0]: v}, nil
		}
	}

	return session.DecodeValues(pkBlob)
}

// rowsEqual compares two column maps after normalizing types that cross the
// SQL-driver/JSON boundary differently (int64 vs float64, []byte vs string).
func rowsEqual(a, b map[string]any) bool {
	// Different key sets can still describe the same logical row when one
	// side omits zero-value optional columns; only keys present in both
	// are compared.
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			continue
		}

		if fmt.Sprint(normalize(av)) != fmt.Sprint(normalize(bv)) {
			return false
		}
	}

	return true
}

func normalize(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case float64:
		return t
	case int64:
		return float64(t)
	default:
		return t
	}
}

func isConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error

	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}

	return false
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error

	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint &&
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}

	return false
}
