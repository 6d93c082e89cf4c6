// Package store persists normalized report records, the run log and the
// change log.
package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"reportsync/internal/config"
)

// ErrNotFound is returned when a requested run does not exist.
var ErrNotFound = errors.New("store: not found")

// RecordStore upserts normalized rows keyed by a natural key.
type RecordStore interface {
	// Upsert inserts new rows and updates changed ones, returning one
	// ChangeRecord per inserted row or changed column.
	Upsert(ctx context.Context, t *Table, runID string, rows [][]any) (*UpsertResult, error)

	// CountRows returns the number of stored rows in the table.
	CountRows(ctx context.Context, t *Table) (int, error)
}

// RunStore records import and backfill runs and the changes they made.
type RunStore interface {
	StartRun(ctx context.Context, report, kind string) (*Run, error)
	FinishRun(ctx context.Context, id string, success bool, message string) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	ListChanges(ctx context.Context, runID string, limit int) ([]ChangeRecord, error)
}

// Column is one typed column of a report table.
type Column struct {
	Name string
	Kind string
}

// Table describes how one report is stored.
type Table struct {
	Name    string
	Columns []Column
	// Key names the natural key columns. Empty means every column.
	Key []string
}

// TableFor derives the table layout from a report definition.
func TableFor(r *config.Report) *Table {
	t := &Table{Name: r.Table, Key: append([]string(nil), r.NaturalKey...)}
	for _, f := range r.Fields {
		t.Columns = append(t.Columns, Column{Name: f.Name, Kind: f.Kind})
	}
	return t
}

// keyIndexes returns the column positions of the natural key.
func (t *Table) keyIndexes() []int {
	if len(t.Key) == 0 {
		idx := make([]int, len(t.Columns))
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	idx := make([]int, 0, len(t.Key))
	for _, k := range t.Key {
		for i, c := range t.Columns {
			if c.Name == k {
				idx = append(idx, i)
				break
			}
		}
	}
	return idx
}

// RecordKey renders the natural key of a row.
func (t *Table) RecordKey(row []any) string {
	parts := make([]string, 0, len(t.Key))
	for _, i := range t.keyIndexes() {
		parts = append(parts, Canonical(row[i]))
	}
	return strings.Join(parts, "|")
}

// Run is one entry of the run log.
type Run struct {
	ID          string     `json:"id"`
	Report      string     `json:"report"`
	Kind        string     `json:"kind"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Success     *bool      `json:"success,omitempty"`
	Message     string     `json:"message,omitempty"`
}

// Sentinel column names used in change records for inserted rows.
const (
	NewRowColumn = "*NEW*"
	NewRowValue  = "INSERTED"
)

// ChangeRecord is one observed change to a stored row.
type ChangeRecord struct {
	RunID    string `json:"run_id"`
	Key      string `json:"key"`
	Column   string `json:"column"`
	OldValue string `json:"old_value"`
	NewValue string `json:"new_value"`
}

// UpsertResult summarises an Upsert.
type UpsertResult struct {
	New       int
	Updated   int
	Unchanged int
	Changes   []ChangeRecord
}

// Canonical renders a value for comparison: nil is empty, text is trimmed,
// and anything numeric is printed with up to six decimals so "0" and "0.0"
// compare equal.
func Canonical(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return canonicalFloat(x)
	case []byte:
		return Canonical(string(x))
	case string:
		s := strings.TrimSpace(x)
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
			return canonicalFloat(f)
		}
		return s
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}

func canonicalFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', 6, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "-0" {
		s = "0"
	}
	return s
}
