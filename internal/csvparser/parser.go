// =============================================================================
// tallysync - CSV Reference Tables
// =============================================================================
//
// Offline runs cannot ask ERPNext which invoice a payment allocation refers
// to. Instead the operator exports a two column CSV from ERPNext and passes
// it with --refs:
//
//   ref_no,document_id
//   12,ACC-SINV-2024-00001
//   13,ACC-SINV-2024-00002
//
// The table then answers reference lookups for the extractor. Files saved by
// spreadsheet tools often start with a BOM or are UTF-16, so the reader
// decodes those before parsing.
//
// =============================================================================

package csvparser

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strings"

	xunicode "golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/ginjaninja78/tallysync/internal/extractor"
)

// Default column names of a reference table.
const (
	RefColumn      = "ref_no"
	DocumentColumn = "document_id"
)

// Settings controls CSV parsing.
type Settings struct {
	// Delimiter is ",", ";", "|" or "tab". Empty means comma.
	Delimiter string
}

// CSVData holds a parsed CSV file.
type CSVData struct {
	// Headers are the cleaned header names in column order.
	Headers []string

	// Rows maps header to value for each non-empty data row.
	Rows []map[string]string

	SourceFile string
}

// Parse reads a CSV file with a single header row.
//
// RETURNS:
//   - The parsed data.
//   - An error if the file cannot be read or has no header.
func Parse(filePath string, settings Settings) (*CSVData, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	decoder := xunicode.BOMOverride(xunicode.UTF8.NewDecoder())
	csvReader := csv.NewReader(transform.NewReader(bufio.NewReader(file), decoder))
	configureReader(csvReader, settings)

	allRows, err := csvReader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV: %w", err)
	}
	if len(allRows) == 0 {
		return nil, fmt.Errorf("CSV file is empty")
	}

	headers := cleanHeaders(allRows[0])
	return &CSVData{
		Headers:    headers,
		Rows:       extractDataRows(allRows[1:], headers),
		SourceFile: filePath,
	}, nil
}

// configureReader applies the delimiter and relaxes quoting rules.
func configureReader(reader *csv.Reader, settings Settings) {
	switch settings.Delimiter {
	case "\\t", "tab", "TAB":
		reader.Comma = '\t'
	case "|", "pipe", "PIPE":
		reader.Comma = '|'
	case ";", "semicolon":
		reader.Comma = ';'
	default:
		if len(settings.Delimiter) > 0 {
			reader.Comma = rune(settings.Delimiter[0])
		} else {
			reader.Comma = ','
		}
	}

	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
}

// cleanHeaders trims and lowercases header names. Empty headers get a
// positional name.
func cleanHeaders(headers []string) []string {
	cleaned := make([]string, len(headers))
	for i, header := range headers {
		header = strings.ToLower(strings.TrimSpace(header))
		if header == "" {
			header = fmt.Sprintf("column_%d", i+1)
		}
		cleaned[i] = header
	}
	return cleaned
}

func extractDataRows(rows [][]string, headers []string) []map[string]string {
	dataRows := make([]map[string]string, 0, len(rows))
	for _, row := range rows {
		if isRowEmpty(row) {
			continue
		}

		rowMap := make(map[string]string, len(headers))
		for colIndex, header := range headers {
			if colIndex < len(row) {
				rowMap[header] = strings.TrimSpace(row[colIndex])
			} else {
				rowMap[header] = ""
			}
		}
		dataRows = append(dataRows, rowMap)
	}
	return dataRows
}

// isRowEmpty checks if a row contains only empty values.
func isRowEmpty(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// =============================================================================
// REFERENCE TABLE
// =============================================================================

// ReferenceTable maps source reference numbers to destination document ids.
// It implements extractor.ReferenceResolver.
type ReferenceTable struct {
	ids        map[string]string
	SourceFile string
}

// LoadReferenceTable reads a ref_no,document_id CSV file.
func LoadReferenceTable(filePath string, settings Settings) (*ReferenceTable, error) {
	data, err := Parse(filePath, settings)
	if err != nil {
		return nil, err
	}
	return NewReferenceTable(data)
}

// NewReferenceTable builds a table from parsed CSV data. Later rows win when
// a reference number repeats.
func NewReferenceTable(data *CSVData) (*ReferenceTable, error) {
	if !hasHeader(data.Headers, RefColumn) || !hasHeader(data.Headers, DocumentColumn) {
		return nil, fmt.Errorf("%s: reference table needs columns %q and %q, got %v",
			data.SourceFile, RefColumn, DocumentColumn, data.Headers)
	}

	table := &ReferenceTable{ids: make(map[string]string, len(data.Rows)), SourceFile: data.SourceFile}
	for _, row := range data.Rows {
		ref, id := row[RefColumn], row[DocumentColumn]
		if ref == "" || id == "" {
			continue
		}
		table.ids[ref] = id
	}
	return table, nil
}

// Len returns the number of references in the table.
func (t *ReferenceTable) Len() int {
	return len(t.ids)
}

// ResolveReferenceNumber returns the document id for ref, or
// extractor.ErrReferenceNotFound.
func (t *ReferenceTable) ResolveReferenceNumber(_ context.Context, ref string) (string, error) {
	id, ok := t.ids[strings.TrimSpace(ref)]
	if !ok {
		return "", extractor.ErrReferenceNotFound
	}
	return id, nil
}

func hasHeader(headers []string, name string) bool {
	for _, h := range headers {
		if h == name {
			return true
		}
	}
	return false
}
