// Package archive maps a directory of per-day report files onto the set of
// calendar days it covers.
package archive

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Validation errors for individual archive files.
var (
	ErrEmpty    = errors.New("archive: empty file")
	ErrNoHeader = errors.New("archive: header token not found")
	ErrBadDate  = errors.New("archive: filename digits are not a calendar date")
)

const fileDateLayout = "20060102"

// Record is one physical file holding exactly one day of report data.
type Record struct {
	Date time.Time
	Path string
	Size int64
}

// Invalid describes a matching file excluded from coverage.
type Invalid struct {
	Path string
	Err  error
}

// Archive is a directory of <Prefix>_<YYYYMMDD>.csv files for one report.
type Archive struct {
	Dir         string
	Prefix      string
	HeaderToken string

	pattern *regexp.Regexp
}

// New returns an Archive rooted at dir. headerToken is the text the header
// line starts with; an empty token disables the header check.
func New(dir, prefix, headerToken string) *Archive {
	return &Archive{
		Dir:         dir,
		Prefix:      prefix,
		HeaderToken: headerToken,
		pattern:     regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `_(\d{8})\.csv$`),
	}
}

// FileName returns the archive file name for a day.
func (a *Archive) FileName(day time.Time) string {
	return a.Prefix + "_" + day.Format(fileDateLayout) + ".csv"
}

// PathFor returns the archive path for a day.
func (a *Archive) PathFor(day time.Time) string {
	return filepath.Join(a.Dir, a.FileName(day))
}

// ParseName extracts the day from a file name. ok is false when the name does
// not match the archive pattern. A matching name whose digits do not form a
// calendar date returns ErrBadDate.
func (a *Archive) ParseName(name string) (day time.Time, ok bool, err error) {
	m := a.pattern.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, false, nil
	}
	day, err = time.Parse(fileDateLayout, m[1])
	if err != nil {
		return time.Time{}, true, fmt.Errorf("%w: %s", ErrBadDate, name)
	}
	return day, true, nil
}

// Result is one scan of the archive directory.
type Result struct {
	// Records holds valid files in ascending date order.
	Records  []Record
	Coverage *Coverage
	Invalid  []Invalid
}

// Scan lists the directory and validates every matching file. It has no side
// effects. A missing directory scans as empty.
func (a *Archive) Scan() (*Result, error) {
	res := &Result{Coverage: NewCoverage()}

	entries, err := os.ReadDir(a.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return res, nil
		}
		return nil, fmt.Errorf("listing archive %s: %w", a.Dir, err)
	}

	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		day, ok, err := a.ParseName(e.Name())
		if !ok {
			continue
		}
		path := filepath.Join(a.Dir, e.Name())
		if err != nil {
			res.Invalid = append(res.Invalid, Invalid{Path: path, Err: err})
			continue
		}
		size, err := a.ValidateFile(path)
		if err != nil {
			res.Invalid = append(res.Invalid, Invalid{Path: path, Err: err})
			continue
		}
		res.Records = append(res.Records, Record{Date: day, Path: path, Size: size})
		res.Coverage.Add(day)
	}

	sort.Slice(res.Records, func(i, j int) bool {
		return res.Records[i].Date.Before(res.Records[j].Date)
	})
	return res, nil
}

// Lookup returns the record for day if a valid file exists for it.
func (a *Archive) Lookup(day time.Time) (Record, bool) {
	path := a.PathFor(day)
	size, err := a.ValidateFile(path)
	if err != nil {
		return Record{}, false
	}
	return Record{Date: day, Path: path, Size: size}, true
}

// Exists reports whether a valid file exists for day.
func (a *Archive) Exists(day time.Time) bool {
	_, ok := a.Lookup(day)
	return ok
}

// ValidateFile checks that path is non-empty and carries the header line.
// It returns the file size.
func (a *Archive) ValidateFile(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if info.Size() == 0 {
		return 0, ErrEmpty
	}
	if err := checkHeader(f, a.HeaderToken); err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Validate checks fetched bytes the same way ValidateFile checks a file.
func (a *Archive) Validate(data []byte) error {
	if len(data) == 0 {
		return ErrEmpty
	}
	return checkHeader(bytes.NewReader(data), a.HeaderToken)
}

func checkHeader(r io.Reader, token string) error {
	if token == "" {
		return nil
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if IsHeader(sc.Text(), token) {
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading archive file: %w", err)
	}
	return ErrNoHeader
}

// IsHeader reports whether line is a header line for token. A leading UTF-8
// byte order mark is ignored.
func IsHeader(line, token string) bool {
	return strings.HasPrefix(strings.TrimPrefix(line, "\ufeff"), token)
}
