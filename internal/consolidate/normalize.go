package consolidate

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"reportsync/internal/archive"
	"reportsync/internal/config"
	"reportsync/internal/util"
)

// ErrColumnCount is returned for a row whose field count differs from the
// header's.
var ErrColumnCount = errors.New("consolidate: column count does not match header")

// Normalizer converts master rows into typed values in configured field
// order. Values are string, float64, int64 or nil.
type Normalizer struct {
	fields  []config.Field
	columns []int // per field, index into the row; -1 when absent
	width   int
}

// NewNormalizer maps the configured fields onto the master header columns.
// Matching is case-insensitive; a field missing from the header always
// normalizes to nil.
func NewNormalizer(fields []config.Field, header string) (*Normalizer, error) {
	cols, err := splitRow(header)
	if err != nil {
		return nil, fmt.Errorf("parsing header: %w", err)
	}
	pos := make(map[string]int, len(cols))
	for i, c := range cols {
		pos[strings.ToLower(strings.TrimSpace(c))] = i
	}

	n := &Normalizer{fields: fields, columns: make([]int, len(fields)), width: len(cols)}
	for i, f := range fields {
		idx, ok := pos[strings.ToLower(f.Name)]
		if !ok {
			idx = -1
		}
		n.columns[i] = idx
	}
	return n, nil
}

// Row normalizes one raw CSV line. Field conversion failures become nil;
// only a structurally broken row is rejected.
func (n *Normalizer) Row(line string) ([]any, error) {
	raw, err := splitRow(line)
	if err != nil {
		return nil, err
	}
	if len(raw) != n.width {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrColumnCount, len(raw), n.width)
	}
	out := make([]any, len(n.fields))
	for i, f := range n.fields {
		if n.columns[i] < 0 {
			continue
		}
		out[i] = NormalizeValue(f.Kind, raw[n.columns[i]])
	}
	return out, nil
}

// NormalizeValue converts one raw field according to its kind.
func NormalizeValue(kind, raw string) any {
	s := strings.TrimSpace(raw)
	switch kind {
	case config.KindDay:
		if s == "" {
			return nil
		}
		if t, ok := util.ParseLooseDay(s); ok {
			return util.FormatDay(t)
		}
		return raw
	case config.KindHours:
		f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f
	case config.KindInt:
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
			return nil
		}
		return int64(f)
	default:
		if s == "" {
			return nil
		}
		return s
	}
}

func splitRow(line string) ([]string, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	rec, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("parsing row: %w", err)
	}
	return rec, nil
}

// Normalized is a master file converted to typed rows.
type Normalized struct {
	Rows [][]any
	// Rejected counts rows dropped for a broken structure.
	Rejected int
}

// NormalizeMaster reads a master file and normalizes every row.
func NormalizeMaster(path string, fields []config.Field) (*Normalized, error) {
	header, rows, err := ReadMaster(path)
	if err != nil {
		return nil, err
	}
	n, err := NewNormalizer(fields, header)
	if err != nil {
		return nil, err
	}
	out := &Normalized{Rows: make([][]any, 0, len(rows))}
	for _, line := range rows {
		vals, err := n.Row(line)
		if err != nil {
			out.Rejected++
			continue
		}
		out.Rows = append(out.Rows, vals)
	}
	return out, nil
}

// ReadMaster returns the header line and rows of a master file.
func ReadMaster(path string) (string, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var header string
	var rows []string
	first := true
	for sc.Scan() {
		line := sc.Text()
		if first {
			header = line
			first = false
			continue
		}
		if strings.TrimSpace(line) != "" {
			rows = append(rows, line)
		}
	}
	if err := sc.Err(); err != nil {
		return "", nil, fmt.Errorf("reading master %s: %w", path, err)
	}
	if first {
		return "", nil, fmt.Errorf("master %s: %w", path, archive.ErrEmpty)
	}
	return header, rows, nil
}
