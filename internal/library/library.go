package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ariafm/aria/internal/changeset"
)

// ErrRowNotFound reports that GetRow found no row for the given primary key.
var ErrRowNotFound = errors.New("library: row not found")

// Writer is the single exported handle with exec access to the underlying
// database. It is obtained once at [Open] and is not safe to clone across
// goroutines without the caller's own serialization. The pool is capped
// to one connection so PRAGMA defer_foreign_keys (scoped per-connection)
// reliably applies to the transaction that set it.
type Writer struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite-backed library at path and
// ensures the replicated schema exists.
func Open(path string) (*Writer, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("library: open %q: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	err = createSchema(db)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("library: %w", err)
	}

	err = ensureDeviceState(db)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("library: %w", err)
	}

	return &Writer{db: db}, nil
}

// Close releases the underlying database handle.
func (w *Writer) Close() error {
	err := w.db.Close()
	if err != nil {
		return fmt.Errorf("library: close: %w", err)
	}

	return nil
}

// DB exposes the underlying connection for callers (internal/session,
// internal/apply) that need transactional control beyond the row helpers
// below. It is still subject to the single-connection pool cap.
func (w *Writer) DB() *sql.DB {
	return w.db
}

// GetRow reads the row identified by pk from table. ok is false if no row
// exists. Returned values are column name -> driver value (string, int64,
// float64, []byte, or nil).
func (w *Writer) GetRow(ctx context.Context, id changeset.TableID, pk map[string]any) (map[string]any, bool, error) {
	return getRow(ctx, w.db, id, pk)
}

func getRow(ctx context.Context, q querier, id changeset.TableID, pk map[string]any) (map[string]any, bool, error) {
	table, ok := Tables[id]
	if !ok {
		return nil, false, fmt.Errorf("library: get row: unknown table id %d", id)
	}

	where, args, err := pkWhere(table, pk)
	if err != nil {
		return nil, false, fmt.Errorf("library: get row: %w", err)
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s", strings.Join(table.Columns, ", "), table.Name, where)

	row := q.QueryRowContext(ctx, query, args...)

	values, err := scanRow(row, table.Columns)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("library: get row %s: %w", table.Name, err)
	}

	return values, true, nil
}

// UpsertRow inserts or replaces the row identified by pk with cols. cols
// must include every column in the table, including pk and the implicit
// updated_hlc/origin_node fields.
func (w *Writer) UpsertRow(ctx context.Context, id changeset.TableID, cols map[string]any) error {
	return upsertRow(ctx, w.db, id, cols)
}

func upsertRow(ctx context.Context, e execer, id changeset.TableID, cols map[string]any) error {
	table, ok := Tables[id]
	if !ok {
		return fmt.Errorf("library: upsert row: unknown table id %d", id)
	}

	placeholders := make([]string, len(table.Columns))
	args := make([]any, len(table.Columns))

	for i, col := range table.Columns {
		placeholders[i] = "?"
		args[i] = cols[col]
	}

	updateCols := nonPKColumns(table)
	setClauses := make([]string, len(updateCols))

	for i, col := range updateCols {
		setClauses[i] = fmt.Sprintf("%s = excluded.%s", col, col)
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table.Name,
		strings.Join(table.Columns, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(table.PK, ", "),
		strings.Join(setClauses, ", "),
	)

	_, err := e.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("library: upsert row %s: %w", table.Name, err)
	}

	return nil
}

// DeleteRow removes the row identified by pk from table. Deleting a row
// that doesn't exist is a success.
func (w *Writer) DeleteRow(ctx context.Context, id changeset.TableID, pk map[string]any) error {
	return deleteRow(ctx, w.db, id, pk)
}

func deleteRow(ctx context.Context, e execer, id changeset.TableID, pk map[string]any) error {
	table, ok := Tables[id]
	if !ok {
		return fmt.Errorf("library: delete row: unknown table id %d", id)
	}

	where, args, err := pkWhere(table, pk)
	if err != nil {
		return fmt.Errorf("library: delete row: %w", err)
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE %s", table.Name, where)

	_, err = e.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("library: delete row %s: %w", table.Name, err)
	}

	return nil
}

// ReleaseFileForTrack returns the release_files row referencing trackID,
// or ok=false if the track has no stored audio file.
func (w *Writer) ReleaseFileForTrack(ctx context.Context, trackID string) (map[string]any, bool, error) {
	table := Tables[changeset.TableReleaseFiles]

	query := fmt.Sprintf("SELECT %s FROM %s WHERE track_id = ? LIMIT 1", strings.Join(table.Columns, ", "), table.Name)

	row := w.db.QueryRowContext(ctx, query, trackID)

	values, err := scanRow(row, table.Columns)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("library: release file for track %q: %w", trackID, err)
	}

	return values, true, nil
}

// BeginApplyTx starts a transaction with foreign key checks deferred to
// COMMIT, so parent-then-child or child-then-parent writes within a single
// changeset both succeed. The caller must Commit or Rollback.
func (w *Writer) BeginApplyTx(ctx context.Context) (*sql.Tx, error) {
	_, err := w.db.ExecContext(ctx, "PRAGMA defer_foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("library: begin apply tx: set defer_foreign_keys: %w", err)
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("library: begin apply tx: %w", err)
	}

	return tx, nil
}

// GetRowTx is [Writer.GetRow] scoped to an open transaction, for callers
// (internal/apply) that must read and write within one deferred-FK
// transaction.
func GetRowTx(ctx context.Context, tx *sql.Tx, id changeset.TableID, pk map[string]any) (map[string]any, bool, error) {
	return getRow(ctx, tx, id, pk)
}

// UpsertRowTx is [Writer.UpsertRow] scoped to an open transaction.
func UpsertRowTx(ctx context.Context, tx *sql.Tx, id changeset.TableID, cols map[string]any) error {
	return upsertRow(ctx, tx, id, cols)
}

// DeleteRowTx is [Writer.DeleteRow] scoped to an open transaction.
func DeleteRowTx(ctx context.Context, tx *sql.Tx, id changeset.TableID, pk map[string]any) error {
	return deleteRow(ctx, tx, id, pk)
}

// querier is satisfied by *sql.DB and *sql.Tx for read paths.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// execer is satisfied by *sql.DB and *sql.Tx for write paths.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func nonPKColumns(table Table) []string {
	pk := make(map[string]bool, len(table.PK))
	for _, c := range table.PK {
		pk[c] = true
	}

	var out []string

	for _, c := range table.Columns {
		if !pk[c] {
			out = append(out, c)
		}
	}

	return out
}

func pkWhere(table Table, pk map[string]any) (string, []any, error) {
	clauses := make([]string, 0, len(table.PK))
	args := make([]any, 0, len(table.PK))

	for _, col := range table.PK {
		v, ok := pk[col]
		if !ok {
			return "", nil, fmt.Errorf("missing pk column %q for table %s", col, table.Name)
		}

		clauses = append(clauses, col+" = ?")
		args = append(args, v)
	}

	return strings.Join(clauses, " AND "), args, nil
}

func scanRow(row *sql.Row, columns []string) (map[string]any, error) {
	dest := make([]any, len(columns))
	ptrs := make([]any, len(columns))

	for i := range dest {
		ptrs[i] = &dest[i]
	}

	err := row.Scan(ptrs...)
	if err != nil {
		return nil, err //nolint:wrapcheck // caller wraps with table context
	}

	out := make(map[string]any, len(columns))
	for i, col := range columns {
		out[col] = dest[i]
	}

	return out, nil
}
