// Package consolidate merges per-day archive files into one deduplicated
// master file and normalizes its rows for the structured store.
package consolidate

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"reportsync/internal/archive"
	"reportsync/internal/config"
)

// Master is the consolidated content of an archive.
type Master struct {
	Header string
	Rows   []string

	Files      int
	RowsRead   int
	Duplicates int
	// Skipped lists files that had no header line.
	Skipped []string
	// Mismatched lists files whose header names different columns than the
	// master header. Their rows are left out.
	Mismatched []string
}

// Bytes renders the master file: the header line, then one line per row.
func (m *Master) Bytes() []byte {
	var b bytes.Buffer
	b.WriteString(m.Header)
	b.WriteByte('\n')
	for _, r := range m.Rows {
		b.WriteString(r)
		b.WriteByte('\n')
	}
	return b.Bytes()
}

// Build merges records in ascending date order. Lines before each file's
// header are discarded, blank and repeated header lines are skipped, and a
// row already seen in any earlier file is dropped. The first file's header
// becomes the master header; a later file whose header lists other columns
// is excluded and listed in Mismatched.
func Build(records []archive.Record, headerToken string) (*Master, error) {
	sorted := append([]archive.Record(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	m := &Master{}
	var canonical string
	seen := make(map[string]struct{})

	for _, rec := range sorted {
		fileHeader, rows, err := readDataRows(rec.Path, headerToken)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", rec.Path, err)
		}
		if fileHeader == "" {
			m.Skipped = append(m.Skipped, rec.Path)
			continue
		}
		if m.Header == "" {
			m.Header = fileHeader
			canonical = headerKey(fileHeader)
		} else if headerKey(fileHeader) != canonical {
			m.Mismatched = append(m.Mismatched, rec.Path)
			continue
		}
		m.Files++
		for _, row := range rows {
			m.RowsRead++
			if _, dup := seen[row]; dup {
				m.Duplicates++
				continue
			}
			seen[row] = struct{}{}
			m.Rows = append(m.Rows, row)
		}
	}
	if m.Header == "" {
		m.Header = headerToken
	}
	return m, nil
}

// headerKey reduces a header line to its column names for comparison.
func headerKey(header string) string {
	cols, err := splitRow(header)
	if err != nil {
		return header
	}
	for i, c := range cols {
		cols[i] = strings.ToLower(strings.TrimSpace(c))
	}
	return strings.Join(cols, "\x00")
}

// MissingFields returns the configured fields that no column of header
// names. Those fields always normalize to nil.
func MissingFields(fields []config.Field, header string) []string {
	cols, _ := splitRow(header)
	have := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		have[strings.ToLower(strings.TrimSpace(c))] = struct{}{}
	}
	var missing []string
	for _, f := range fields {
		if _, ok := have[strings.ToLower(f.Name)]; !ok {
			missing = append(missing, f.Name)
		}
	}
	return missing
}

// readDataRows returns the header line and the data rows after it. An empty
// header means the token never appeared.
func readDataRows(path, token string) (string, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var header string
	var rows []string
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if header == "" {
			if archive.IsHeader(line, token) {
				header = strings.TrimPrefix(line, "\ufeff")
			}
			continue
		}
		if strings.TrimSpace(line) == "" || archive.IsHeader(line, token) {
			continue
		}
		rows = append(rows, line)
	}
	if err := sc.Err(); err != nil {
		return "", nil, err
	}
	return header, rows, nil
}

// Report summarises one consolidation run.
type Report struct {
	MasterPath string
	Earliest   time.Time
	Latest     time.Time
	Files      int
	Rows       int
	Duplicates int
	Gaps       []time.Time
	Invalid    []archive.Invalid
	// Mismatched lists archive files left out for a foreign header.
	Mismatched []string
	// MissingFields names configured fields absent from the master header.
	MissingFields []string
}

// Engine consolidates one report's archive.
type Engine struct {
	Archive *archive.Archive
	// Fields are checked against the master header after a rebuild.
	Fields []config.Field
	Logger *slog.Logger
}

// Gaps scans the archive and returns its diagnostics without writing.
func (e *Engine) Gaps() (*Report, *archive.Result, error) {
	res, err := e.Archive.Scan()
	if err != nil {
		return nil, nil, err
	}
	rep := &Report{Files: len(res.Records), Gaps: res.Coverage.Gaps(), Invalid: res.Invalid}
	rep.Earliest, _ = res.Coverage.Earliest()
	rep.Latest, _ = res.Coverage.Latest()
	return rep, res, nil
}

// Consolidate rebuilds the master file at path from scratch.
func (e *Engine) Consolidate(path string) (*Report, *Master, error) {
	log := e.Logger
	if log == nil {
		log = slog.Default()
	}

	rep, res, err := e.Gaps()
	if err != nil {
		return nil, nil, err
	}
	for _, inv := range res.Invalid {
		log.Warn("excluding archive file", "path", inv.Path, "error", inv.Err)
	}

	m, err := Build(res.Records, e.Archive.HeaderToken)
	if err != nil {
		return nil, nil, err
	}
	for _, p := range m.Mismatched {
		log.Warn("excluding archive file with a different header", "path", p, "master_header", m.Header)
	}
	rep.Mismatched = m.Mismatched
	if len(m.Rows) > 0 {
		rep.MissingFields = MissingFields(e.Fields, m.Header)
		if len(rep.MissingFields) > 0 {
			log.Warn("configured fields not in master header", "fields", rep.MissingFields, "master_header", m.Header)
		}
	}
	if err := archive.WriteFileAtomic(path, m.Bytes()); err != nil {
		return nil, nil, fmt.Errorf("writing master %s: %w", path, err)
	}

	rep.MasterPath = path
	rep.Rows = len(m.Rows)
	rep.Duplicates = m.Duplicates
	log.Info("master rebuilt", "path", path, "files", m.Files, "rows", len(m.Rows),
		"duplicates", m.Duplicates, "gaps", len(rep.Gaps))
	return rep, m, nil
}
