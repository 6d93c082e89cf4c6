package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ RecordStore = (*SQLiteStore)(nil)
var _ RunStore = (*SQLiteStore)(nil)

// SQLiteStore implements RecordStore and RunStore backed by a SQLite
// database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// run and change log tables and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id           TEXT PRIMARY KEY,
			report       TEXT NOT NULL,
			kind         TEXT NOT NULL,
			started_at   TEXT NOT NULL,
			completed_at TEXT,
			success      INTEGER,
			message      TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS changes (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id      TEXT NOT NULL,
			report      TEXT NOT NULL,
			record_key  TEXT NOT NULL,
			column_name TEXT NOT NULL,
			old_value   TEXT,
			new_value   TEXT,
			changed_at  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ix_changes_run ON changes(run_id)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrating: %w", err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// RecordStore implementation
// ---------------------------------------------------------------------------

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func sqlType(kind string) string {
	switch kind {
	case "hours":
		return "REAL"
	case "int":
		return "INTEGER"
	default:
		return "TEXT"
	}
}

// EnsureTable creates the report table and its natural key index.
func (s *SQLiteStore) EnsureTable(ctx context.Context, t *Table) error {
	cols := make([]string, 0, len(t.Columns)+1)
	cols = append(cols, "_rowid INTEGER PRIMARY KEY AUTOINCREMENT")
	for _, c := range t.Columns {
		cols = append(cols, quoteIdent(c.Name)+" "+sqlType(c.Kind))
	}
	create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(t.Name), strings.Join(cols, ", "))

	keys := make([]string, 0, len(t.Columns))
	for _, i := range t.keyIndexes() {
		keys = append(keys, fmt.Sprintf("COALESCE(%s, '')", quoteIdent(t.Columns[i].Name)))
	}
	index := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
		quoteIdent("ux_"+t.Name+"_key"), quoteIdent(t.Name), strings.Join(keys, ", "))

	for _, q := range []string{create, index} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("creating table %s: %w", t.Name, err)
		}
	}
	return nil
}

// Upsert writes rows in one transaction. Rows are matched on the natural
// key; a matched row is updated only in the columns whose canonical value
// changed.
func (s *SQLiteStore) Upsert(ctx context.Context, t *Table, runID string, rows [][]any) (*UpsertResult, error) {
	if err := s.EnsureTable(ctx, t); err != nil {
		return nil, err
	}

	names := make([]string, len(t.Columns))
	marks := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = quoteIdent(c.Name)
		marks[i] = "?"
	}
	keyIdx := t.keyIndexes()
	where := make([]string, len(keyIdx))
	for i, k := range keyIdx {
		where[i] = fmt.Sprintf("COALESCE(%s, '') = COALESCE(?, '')", names[k])
	}

	selectQ := fmt.Sprintf("SELECT _rowid, %s FROM %s WHERE %s",
		strings.Join(names, ", "), quoteIdent(t.Name), strings.Join(where, " AND "))
	insertQ := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(t.Name), strings.Join(names, ", "), strings.Join(marks, ", "))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	sel, err := tx.PrepareContext(ctx, selectQ)
	if err != nil {
		return nil, fmt.Errorf("preparing select: %w", err)
	}
	defer sel.Close()
	ins, err := tx.PrepareContext(ctx, insertQ)
	if err != nil {
		return nil, fmt.Errorf("preparing insert: %w", err)
	}
	defer ins.Close()
	logChange, err := tx.PrepareContext(ctx, `INSERT INTO changes
		(run_id, report, record_key, column_name, old_value, new_value, changed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("preparing change log: %w", err)
	}
	defer logChange.Close()

	now := s.now().UTC().Format(time.RFC3339Nano)
	res := &UpsertResult{}
	record := func(c ChangeRecord) error {
		res.Changes = append(res.Changes, c)
		_, err := logChange.ExecContext(ctx, c.RunID, t.Name, c.Key, c.Column, nullable(c.OldValue), nullable(c.NewValue), now)
		return err
	}

	for _, row := range rows {
		if len(row) != len(t.Columns) {
			return nil, fmt.Errorf("row has %d values, table %s has %d columns", len(row), t.Name, len(t.Columns))
		}
		key := t.RecordKey(row)
		args := make([]any, len(keyIdx))
		for i, k := range keyIdx {
			args[i] = row[k]
		}

		existing := make([]any, len(t.Columns)+1)
		ptrs := make([]any, len(existing))
		for i := range existing {
			ptrs[i] = &existing[i]
		}
		err := sel.QueryRowContext(ctx, args...).Scan(ptrs...)
		if errors.Is(err, sql.ErrNoRows) {
			if _, err := ins.ExecContext(ctx, row...); err != nil {
				return nil, fmt.Errorf("inserting %s: %w", key, err)
			}
			res.New++
			if err := record(ChangeRecord{RunID: runID, Key: key, Column: NewRowColumn, NewValue: NewRowValue}); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("looking up %s: %w", key, err)
		}

		var sets []string
		var setArgs []any
		for i, c := range t.Columns {
			old, cur := Canonical(existing[i+1]), Canonical(row[i])
			if old == cur {
				continue
			}
			sets = append(sets, names[i]+" = ?")
			setArgs = append(setArgs, row[i])
			if err := record(ChangeRecord{RunID: runID, Key: key, Column: c.Name, OldValue: old, NewValue: cur}); err != nil {
				return nil, err
			}
		}
		if len(sets) == 0 {
			res.Unchanged++
			continue
		}
		setArgs = append(setArgs, existing[0])
		q := fmt.Sprintf("UPDATE %s SET %s WHERE _rowid = ?", quoteIdent(t.Name), strings.Join(sets, ", "))
		if _, err := tx.ExecContext(ctx, q, setArgs...); err != nil {
			return nil, fmt.Errorf("updating %s: %w", key, err)
		}
		res.Updated++
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return res, nil
}

// CountRows returns the number of rows stored for the table.
func (s *SQLiteStore) CountRows(ctx context.Context, t *Table) (int, error) {
	if err := s.EnsureTable(ctx, t); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(t.Name)).Scan(&n)
	return n, err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ---------------------------------------------------------------------------
// RunStore implementation
// ---------------------------------------------------------------------------

// StartRun opens a run log entry with a fresh ULID.
func (s *SQLiteStore) StartRun(ctx context.Context, report, kind string) (*Run, error) {
	r := &Run{
		ID:        ulid.Make().String(),
		Report:    report,
		Kind:      kind,
		StartedAt: s.now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO runs (id, report, kind, started_at) VALUES (?, ?, ?, ?)`,
		r.ID, r.Report, r.Kind, r.StartedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("starting run: %w", err)
	}
	return r, nil
}

// FinishRun closes a run log entry.
func (s *SQLiteStore) FinishRun(ctx context.Context, id string, success bool, message string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET completed_at = ?, success = ?, message = ? WHERE id = ?`,
		s.now().UTC().Format(time.RFC3339Nano), success, message, id)
	if err != nil {
		return fmt.Errorf("finishing run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

const runColumns = `id, report, kind, started_at, completed_at, success, message`

// GetRun returns one run.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return r, err
}

// ListRuns returns the most recent runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ListChanges returns the changes recorded by a run in insertion order.
func (s *SQLiteStore) ListChanges(ctx context.Context, runID string, limit int) ([]ChangeRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, record_key, column_name,
		COALESCE(old_value, ''), COALESCE(new_value, '')
		FROM changes WHERE run_id = ? ORDER BY id LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChangeRecord
	for rows.Next() {
		var c ChangeRecord
		if err := rows.Scan(&c.RunID, &c.Key, &c.Column, &c.OldValue, &c.NewValue); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(sc rowScanner) (*Run, error) {
	var (
		r         Run
		started   string
		completed sql.NullString
		success   sql.NullBool
		message   sql.NullString
	)
	if err := sc.Scan(&r.ID, &r.Report, &r.Kind, &started, &completed, &success, &message); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, started)
	if err != nil {
		return nil, fmt.Errorf("run %s: bad started_at: %w", r.ID, err)
	}
	r.StartedAt = t
	if completed.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completed.String); err == nil {
			r.CompletedAt = &t
		}
	}
	if success.Valid {
		ok := success.Bool
		r.Success = &ok
	}
	r.Message = message.String
	return &r, nil
}
