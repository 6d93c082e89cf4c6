package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/parquet-go/parquet-go"
)

// ParquetStore writes columnar snapshots of normalized report records.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// SnapshotRecord is the Parquet schema for one normalized report row.
type SnapshotRecord struct {
	Day    string          `parquet:"day"`
	Key    string          `parquet:"key"`
	Fields []SnapshotField `parquet:"fields"`
}

// SnapshotField holds one typed value; at most one of Text, Number and Int
// is set, none for a null.
type SnapshotField struct {
	Name   string   `parquet:"name"`
	Text   *string  `parquet:"text,optional"`
	Number *float64 `parquet:"number,optional"`
	Int    *int64   `parquet:"int,optional"`
}

// Value returns the field as string, float64, int64 or nil.
func (f SnapshotField) Value() any {
	switch {
	case f.Int != nil:
		return *f.Int
	case f.Number != nil:
		return *f.Number
	case f.Text != nil:
		return *f.Text
	default:
		return nil
	}
}

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

// SnapshotPath returns the snapshot file for a report.
// Layout: <DataDir>/<table>.parquet
func (s *ParquetStore) SnapshotPath(t *Table) string {
	return filepath.Join(s.DataDir, t.Name+".parquet")
}

// WriteSnapshot replaces the report snapshot with rows, deduplicated by
// natural key with later rows winning, sorted by day then key.
func (s *ParquetStore) WriteSnapshot(_ context.Context, t *Table, rows [][]any) (string, error) {
	dayCol := -1
	for i, c := range t.Columns {
		if c.Kind == "day" {
			dayCol = i
			break
		}
	}

	records := make([]SnapshotRecord, 0, len(rows))
	for _, row := range rows {
		if len(row) != len(t.Columns) {
			return "", fmt.Errorf("row has %d values, table %s has %d columns", len(row), t.Name, len(t.Columns))
		}
		rec := SnapshotRecord{Key: t.RecordKey(row), Fields: make([]SnapshotField, len(row))}
		if dayCol >= 0 {
			rec.Day = Canonical(row[dayCol])
		}
		for i, v := range row {
			rec.Fields[i] = snapshotField(t.Columns[i].Name, v)
		}
		records = append(records, rec)
	}

	path := s.SnapshotPath(t)
	if err := writeParquetFile(path, dedupeSnapshotRecords(records)); err != nil {
		return "", fmt.Errorf("writing snapshot for %s: %w", t.Name, err)
	}
	return path, nil
}

// ReadSnapshot reads a report snapshot back.
func (s *ParquetStore) ReadSnapshot(_ context.Context, t *Table) ([]SnapshotRecord, error) {
	return readParquetFile[SnapshotRecord](s.SnapshotPath(t))
}

func snapshotField(name string, v any) SnapshotField {
	f := SnapshotField{Name: name}
	switch x := v.(type) {
	case int64:
		f.Int = &x
	case float64:
		f.Number = &x
	case string:
		f.Text = &x
	case nil:
	default:
		s := strings.TrimSpace(fmt.Sprint(x))
		f.Text = &s
	}
	return f
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, records); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// dedupeSnapshotRecords deduplicates records by key, preferring later
// records over earlier ones. Results are sorted by day, then key.
func dedupeSnapshotRecords(records []SnapshotRecord) []SnapshotRecord {
	seen := make(map[string]int, len(records))
	merged := make([]SnapshotRecord, 0, len(records))
	for _, r := range records {
		if i, ok := seen[r.Key]; ok {
			merged[i] = r
			continue
		}
		seen[r.Key] = len(merged)
		merged = append(merged, r)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Day != merged[j].Day {
			return merged[i].Day < merged[j].Day
		}
		return merged[i].Key < merged[j].Key
	})
	return merged
}
