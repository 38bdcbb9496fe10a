package utils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) *FileManager {
	t.Helper()
	root := t.TempDir()
	fm := NewFileManager(
		filepath.Join(root, "input"),
		filepath.Join(root, "output"),
		filepath.Join(root, "input_archive"),
		filepath.Join(root, "output_archive"),
	)
	require.NoError(t, fm.EnsureDirectories())
	return fm
}

func touch(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDiscoverInputFiles(t *testing.T) {
	fm := newManager(t)
	touch(t, filepath.Join(fm.InputDir, "Sales.XML"), "<a/>")
	touch(t, filepath.Join(fm.InputDir, "ledgers.xml"), "<a/>")
	touch(t, filepath.Join(fm.InputDir, "notes.txt"), "x")
	require.NoError(t, os.Mkdir(filepath.Join(fm.InputDir, "dir.xml"), 0o755))

	files, err := fm.DiscoverInputFiles("")
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(fm.InputDir, "Sales.XML"),
		filepath.Join(fm.InputDir, "ledgers.xml"),
	}, files)
}

func TestMatchesAny(t *testing.T) {
	ok, err := MatchesAny("/in/Sundry_Debtors_2024.xml", []string{"*customer*.xml", "*debtor*.xml"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = MatchesAny("stock.xml", []string{"*customer*.xml"})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = MatchesAny("x.xml", []string{"[bad"})
	assert.Error(t, err)
}

func TestArchiveInputFile(t *testing.T) {
	fm := newManager(t)
	first := filepath.Join(fm.InputDir, "sales.xml")
	touch(t, first, "one")

	archived, err := fm.ArchiveInputFile(first)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(fm.InputArchiveDir, "sales.xml"), archived)
	assert.False(t, FileExists(first))

	touch(t, first, "two")
	archived, err = fm.ArchiveInputFile(first)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(fm.InputArchiveDir, "sales_1.xml"), archived)

	data, err := os.ReadFile(archived)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

func TestArchiveTimestampSubdirs(t *testing.T) {
	fm := newManager(t)
	fm.UseTimestampSubdirs = true
	fm.now = func() time.Time { return time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC) }

	out := filepath.Join(fm.OutputDir, "sales.json")
	touch(t, out, "{}")

	archived, err := fm.ArchiveOutputFile(out)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(fm.OutputArchiveDir, "2024", "01", "15", "sales.json"), archived)
	assert.True(t, FileExists(out))
}

func TestArchiveDisabled(t *testing.T) {
	fm := newManager(t)
	fm.ArchiveOnSuccess = false
	path := filepath.Join(fm.InputDir, "x.xml")
	touch(t, path, "x")

	got, err := fm.ArchiveInputFile(path)
	require.NoError(t, err)
	assert.Equal(t, path, got)
	assert.True(t, FileExists(path))
}

func TestGenerateOutputFileName(t *testing.T) {
	name := GenerateOutputFileName("{entity}_{original}_{uuid}", map[string]string{
		"entity":   "payments",
		"original": "receipts",
	})
	assert.True(t, strings.HasPrefix(name, "payments_receipts_"))
	assert.True(t, strings.HasSuffix(name, ".json"))
	assert.NotContains(t, name, "{")
	assert.Len(t, name, len("payments_receipts_")+36+len(".json"))
}

func TestWriteErrorLog(t *testing.T) {
	dir := t.TempDir()

	path, err := WriteErrorLog(nil, dir)
	require.NoError(t, err)
	assert.Empty(t, path)

	path, err = WriteErrorLog([]ErrorLogEntry{{
		Timestamp:    time.Now(),
		FileName:     "ledgers.xml",
		Entity:       "customers",
		ErrorType:    "entity_dropped",
		ErrorMessage: "identity is blank",
		Position:     4,
		FieldName:    "name",
	}}, dir)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "Total Errors: 1")
	assert.Contains(t, text, "Error Type: entity_dropped")
	assert.Contains(t, text, "Position:   4")
	assert.NotContains(t, text, "Row:")
}

func TestWriteSummaryLog(t *testing.T) {
	start := time.Now()
	path, err := WriteSummaryLog(ProcessingSummary{
		StartTime:       start,
		EndTime:         start.Add(2 * time.Second),
		TotalFiles:      2,
		SuccessfulFiles: 1,
		FailedFiles:     1,
		TotalRecords:    5,
		ProcessedFiles:  []ProcessedFileInfo{{InputFile: "a.xml", Entity: "customers", Records: 5}},
		FailedFilesList: []FailedFileInfo{{InputFile: "b.xml", ErrorType: "recovery", ErrorMessage: "line 3"}},
	}, t.TempDir())
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "Duration:    2s")
	assert.Contains(t, text, "Records:          5")
	assert.Contains(t, text, "Entity:       customers")
	assert.Contains(t, text, "Type:  recovery")
}
