package archive

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = "Report: SCHLabor\r\nGenerated 8/21/2025\r\nLoggedDate,COMNumber,ActualHours\r\n8/20/2025,C100,1.5\r\n"

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestScanIgnoresNonMatchingNames(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "SCHLabor_20250820.csv", sample)
	writeFile(t, dir, "SCHLabor_20250819.csv", sample)
	writeFile(t, dir, "SCHLabor_2025081.csv", sample)
	writeFile(t, dir, "SCHLabor_20250818.csv.bak", sample)
	writeFile(t, dir, "Other_20250817.csv", sample)
	writeFile(t, dir, "notes.txt", "x")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "SCHLabor_20250816.csv"), 0o755))

	res, err := New(dir, "SCHLabor", "LoggedDate").Scan()
	require.NoError(t, err)

	assert.Equal(t, []time.Time{day("2025-08-19"), day("2025-08-20")}, res.Coverage.Days())
	assert.Empty(t, res.Invalid)
	require.Len(t, res.Records, 2)
	assert.Equal(t, day("2025-08-19"), res.Records[0].Date)
	assert.Equal(t, int64(len(sample)), res.Records[0].Size)
}

func TestScanFailsClosedOnBadCalendarDigits(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "SCHLabor_20250230.csv", sample)
	writeFile(t, dir, "SCHLabor_20251301.csv", sample)
	writeFile(t, dir, "SCHLabor_20250228.csv", sample)

	res, err := New(dir, "SCHLabor", "LoggedDate").Scan()
	require.NoError(t, err)

	assert.Equal(t, []time.Time{day("2025-02-28")}, res.Coverage.Days())
	require.Len(t, res.Invalid, 2)
	for _, inv := range res.Invalid {
		assert.ErrorIs(t, inv.Err, ErrBadDate)
	}
}

func TestScanExcludesEmptyAndHeaderlessFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "SCHLabor_20250801.csv", "")
	writeFile(t, dir, "SCHLabor_20250802.csv", "<html>login</html>\n")
	writeFile(t, dir, "SCHLabor_20250803.csv", "\ufeffLoggedDate,COMNumber\n")

	res, err := New(dir, "SCHLabor", "LoggedDate").Scan()
	require.NoError(t, err)

	assert.Equal(t, []time.Time{day("2025-08-03")}, res.Coverage.Days())
	require.Len(t, res.Invalid, 2)
	errs := map[string]error{}
	for _, inv := range res.Invalid {
		errs[filepath.Base(inv.Path)] = inv.Err
	}
	assert.ErrorIs(t, errs["SCHLabor_20250801.csv"], ErrEmpty)
	assert.ErrorIs(t, errs["SCHLabor_20250802.csv"], ErrNoHeader)
}

func TestScanEmptyAndMissingDirectory(t *testing.T) {
	res, err := New(t.TempDir(), "SCHLabor", "LoggedDate").Scan()
	require.NoError(t, err)
	assert.True(t, res.Coverage.Empty())
	_, ok := res.Coverage.Earliest()
	assert.False(t, ok)
	assert.Nil(t, res.Coverage.Gaps())

	res, err = New(filepath.Join(t.TempDir(), "missing"), "SCHLabor", "LoggedDate").Scan()
	require.NoError(t, err)
	assert.True(t, res.Coverage.Empty())
}

func TestScanIsReadOnly(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "SCHLabor_20250820.csv", sample)
	before, err := os.ReadDir(dir)
	require.NoError(t, err)

	a := New(dir, "SCHLabor", "LoggedDate")
	_, err = a.Scan()
	require.NoError(t, err)
	_, err = a.Scan()
	require.NoError(t, err)

	after, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))
}

func TestPrefixIsMatchedLiterally(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "SCH.Labor_20250820.csv", sample)
	writeFile(t, dir, "SCHxLabor_20250821.csv", sample)

	res, err := New(dir, "SCH.Labor", "LoggedDate").Scan()
	require.NoError(t, err)
	assert.Equal(t, []time.Time{day("2025-08-20")}, res.Coverage.Days())
}

func TestGapDetection(t *testing.T) {
	c := NewCoverage()
	for d := day("2025-08-01"); !d.After(day("2025-08-10")); d = d.AddDate(0, 0, 1) {
		if d.Equal(day("2025-08-05")) || d.Equal(day("2025-08-06")) {
			continue
		}
		c.Add(d)
	}

	earliest, _ := c.Earliest()
	latest, _ := c.Latest()
	assert.Equal(t, day("2025-08-01"), earliest)
	assert.Equal(t, day("2025-08-10"), latest)
	assert.Equal(t, []time.Time{day("2025-08-05"), day("2025-08-06")}, c.Gaps())
}

func TestCoverageNormalizesDays(t *testing.T) {
	c := NewCoverage(time.Date(2025, 8, 20, 15, 4, 5, 0, time.UTC))
	assert.True(t, c.Contains(day("2025-08-20")))
	assert.Equal(t, 1, c.Len())

	u := c.Union(NewCoverage(day("2025-08-18")))
	assert.Equal(t, 2, u.Len())
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, []time.Time{day("2025-08-19")}, u.Gaps())
}

func TestCoverageKeepsYearOne(t *testing.T) {
	_, ok := NewCoverage().Earliest()
	assert.False(t, ok)

	only := NewCoverage(day("0001-01-01"))
	earliest, ok := only.Earliest()
	require.True(t, ok)
	assert.True(t, earliest.IsZero())
	latest, ok := only.Latest()
	require.True(t, ok)
	assert.Equal(t, earliest, latest)

	dir := t.TempDir()
	writeFile(t, dir, "SCHLabor_0001-01-01.csv", sample)
	writeFile(t, dir, "SCHLabor_2025-08-01.csv", sample)
	res, err := New(dir, "SCHLabor", "LoggedDate").Scan()
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	earliest, ok = res.Coverage.Earliest()
	require.True(t, ok)
	assert.Equal(t, day("0001-01-01"), earliest)
	latest, _ = res.Coverage.Latest()
	assert.Equal(t, day("2025-08-01"), latest)
}

func TestWriteIsAtomicAndValidated(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "archive")
	a := New(dir, "SCHLabor", "LoggedDate")

	_, err := a.Write(day("2025-08-19"), []byte("<html>error</html>"))
	require.True(t, errors.Is(err, ErrNoHeader), "got %v", err)
	assert.False(t, a.Exists(day("2025-08-19")))

	rec, err := a.Write(day("2025-08-19"), []byte(sample))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "SCHLabor_20250819.csv"), rec.Path)
	assert.True(t, a.Exists(day("2025-08-19")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not remain")

	got, ok := a.Lookup(day("2025-08-19"))
	require.True(t, ok)
	assert.Equal(t, int64(len(sample)), got.Size)
}
