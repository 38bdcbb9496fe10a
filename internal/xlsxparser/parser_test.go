package xlsxparser

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/ginjaninja78/tallysync/internal/config"
)

func TestWriteAndParseTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vouchers.xlsx")

	want := &Template{
		Fields: []config.FieldRule{
			{Key: "narration", Path: "./NARRATION", Type: config.TypeString},
			{Key: "round_off", Path: ".//ROUNDOFF/AMOUNT", Fallback: "0", Type: config.TypeDecimal, Required: true},
			{Key: "guid", Path: ".", Attr: "GUID", Type: config.TypeString},
		},
		Collections: map[string][]config.FieldRule{
			"items": {{Key: "godown", Path: ".//GODOWNNAME", Fallback: "Main Location", Type: config.TypeString}},
		},
	}
	require.NoError(t, WriteTemplate(path, want))

	got, err := Parse(path)
	require.NoError(t, err)
	assert.Equal(t, path, got.TemplateFile)
	assert.Equal(t, want.Fields, got.Fields)
	assert.Equal(t, want.Collections, got.Collections)
}

func TestParseFindsColumnsByHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledgers.xlsx")

	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	rows := [][]any{
		{"Required", "Data Type", "Field", "XPath", "Default"},
		{"Y", "money", "credit_limit", ".//CREDITLIMIT", "0"},
		{},
		{"", "", "email", ".//EMAIL", ""},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, cell, &row))
	}
	notes, err := f.NewSheet("_notes")
	require.NoError(t, err)
	require.NoError(t, f.SetCellValue("_notes", "A1", "ignored"))
	f.SetActiveSheet(notes)
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	got, err := Parse(path)
	require.NoError(t, err)
	assert.Equal(t, []config.FieldRule{
		{Key: "credit_limit", Path: ".//CREDITLIMIT", Fallback: "0", Type: config.TypeDecimal, Required: true},
		{Key: "email", Path: ".//EMAIL", Type: config.TypeString},
	}, got.Fields)
	assert.Empty(t, got.Collections)
}

func TestParseRejectsIncompleteRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.xlsx")
	require.NoError(t, WriteTemplate(path, &Template{
		Fields: []config.FieldRule{{Key: "orphan"}},
	}))

	_, err := Parse(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no path")
}

func TestParseMissingFile(t *testing.T) {
	_, err := Parse(filepath.Join(t.TempDir(), "missing.xlsx"))
	assert.Error(t, err)
}

func TestNormalizers(t *testing.T) {
	assert.True(t, normalizeRequired("Mandatory"))
	assert.False(t, normalizeRequired(""))
	assert.Equal(t, config.TypeDecimal, normalizeDataType("Amount"))
	assert.Equal(t, config.TypeString, normalizeDataType("varchar"))
}

func TestApply(t *testing.T) {
	configs, err := config.BuiltinEntityConfigs()
	require.NoError(t, err)
	base := configs["sales_invoices"]

	path := filepath.Join(t.TempDir(), "sales.xlsx")
	require.NoError(t, WriteTemplate(path, &Template{
		Fields: []config.FieldRule{{Key: "narration", Path: "./NARRATION", Type: config.TypeString}},
		Collections: map[string][]config.FieldRule{
			"items": {{Key: "godown", Path: ".//GODOWNNAME", Type: config.TypeString}},
		},
	}))

	cfg := *base
	cfg.FieldsTemplate = path
	merged, err := Apply(&cfg)
	require.NoError(t, err)

	assert.Len(t, merged.Fields, len(base.Fields)+1)
	assert.Equal(t, "narration", merged.Fields[len(merged.Fields)-1].Key)
	items := merged.Collections[0].Fields
	assert.Equal(t, "godown", items[len(items)-1].Key)

	assert.Len(t, base.Collections[0].Fields, len(items)-1, "base config must not change")
}

func TestApplyWithoutTemplate(t *testing.T) {
	cfg := &config.EntityConfig{Name: "x"}
	got, err := Apply(cfg)
	require.NoError(t, err)
	assert.Same(t, cfg, got)
}

func TestApplyUnknownCollection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.xlsx")
	require.NoError(t, WriteTemplate(path, &Template{
		Collections: map[string][]config.FieldRule{"lines": {{Key: "a", Path: "./A"}}},
	}))

	_, err := Apply(&config.EntityConfig{Name: "customers", FieldsTemplate: path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "names no collection")
}
