// =============================================================================
// tallysync - Record Export
// =============================================================================
//
// Offline runs write their results to disk instead of ERPNext:
//
//   JSON      One document per input file. Every record is listed together
//             with the payload it would have been sent as.
//   Workbook  Optional XLSX copy for people who review imports in a
//             spreadsheet. Sheet "Records" has one row per record, sheet
//             "LineItems" one row per nested row.
//
// LINE NUMBERING:
//   Line items in the workbook are numbered globally (1, 2, 3 ... across
//   all records) unless LineItemNumberingGlobal is switched off, in which
//   case the per-record row index is used.
//
// =============================================================================

package export

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/ginjaninja78/tallysync/internal/mapping"
	"github.com/ginjaninja78/tallysync/internal/types"
)

// =============================================================================
// EXPORT OPTIONS
// =============================================================================

// Options controls export formatting.
type Options struct {
	// Indent is the JSON indentation. Empty writes compact JSON.
	Indent string

	// LineItemNumberingGlobal numbers workbook line items across records.
	LineItemNumberingGlobal bool
}

// DefaultOptions returns two-space JSON and global line numbering.
func DefaultOptions() Options {
	return Options{Indent: "  ", LineItemNumberingGlobal: true}
}

// =============================================================================
// DOCUMENT
// =============================================================================

// Entry pairs a record with its destination payload.
type Entry struct {
	Record  types.Record    `json:"record"`
	Payload mapping.Payload `json:"payload,omitempty"`
}

// Document is the exported content of one input file.
type Document struct {
	Entity      string    `json:"entity"`
	Source      string    `json:"source"`
	RunID       string    `json:"run_id"`
	GeneratedAt time.Time `json:"generated_at"`
	Count       int       `json:"count"`
	Records     []Entry   `json:"records"`
}

// NewDocument creates a document with a fresh run id.
func NewDocument(entity, source string, entries []Entry) *Document {
	if entries == nil {
		entries = []Entry{}
	}
	return &Document{
		Entity:      entity,
		Source:      source,
		RunID:       uuid.NewString(),
		GeneratedAt: time.Now().UTC(),
		Count:       len(entries),
		Records:     entries,
	}
}

// =============================================================================
// JSON
// =============================================================================

// EncodeJSON writes doc as JSON to w.
func EncodeJSON(w io.Writer, doc *Document, opts Options) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if opts.Indent != "" {
		enc.SetIndent("", opts.Indent)
	}
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode %s export: %w", doc.Entity, err)
	}
	return nil
}

// WriteJSON writes doc to path.
func WriteJSON(path string, doc *Document, opts Options) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}

	if err := EncodeJSON(file, doc, opts); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// =============================================================================
// WORKBOOK
// =============================================================================

const (
	recordsSheet   = "Records"
	lineItemsSheet = "LineItems"
)

// WriteWorkbook writes doc as an XLSX workbook. fieldKeys fixes the record
// column order. When empty, the union of record fields is used in
// alphabetical order.
func WriteWorkbook(path string, doc *Document, fieldKeys []string, opts Options) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), recordsSheet); err != nil {
		return err
	}
	if _, err := f.NewSheet(lineItemsSheet); err != nil {
		return err
	}

	if len(fieldKeys) == 0 {
		fieldKeys = unionKeys(doc.Records, func(e Entry) []map[string]string {
			return []map[string]string{e.Record.Fields}
		})
	}
	if err := writeRecords(f, doc, fieldKeys); err != nil {
		return fmt.Errorf("failed to write records sheet: %w", err)
	}
	if err := writeLineItems(f, doc, opts); err != nil {
		return fmt.Errorf("failed to write line items sheet: %w", err)
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save workbook: %w", err)
	}
	return nil
}

func writeRecords(f *excelize.File, doc *Document, fieldKeys []string) error {
	header := []any{"#", "Key"}
	for _, k := range fieldKeys {
		header = append(header, k)
	}
	header = append(header, "Gaps")
	if err := setRow(f, recordsSheet, 1, header); err != nil {
		return err
	}

	for i, entry := range doc.Records {
		rec := entry.Record
		row := []any{rec.Position, rec.Key}
		for _, k := range fieldKeys {
			row = append(row, rec.Fields[k])
		}
		row = append(row, strings.Join(rec.Gaps, ", "))
		if err := setRow(f, recordsSheet, i+2, row); err != nil {
			return err
		}
	}
	return nil
}

func writeLineItems(f *excelize.File, doc *Document, opts Options) error {
	itemKeys := unionKeys(doc.Records, func(e Entry) []map[string]string {
		var all []map[string]string
		for _, items := range e.Record.Collections {
			for _, item := range items {
				all = append(all, item.Fields)
			}
		}
		return all
	})

	header := []any{"Line", "Record", "Collection", "Row"}
	for _, k := range itemKeys {
		header = append(header, k)
	}
	if err := setRow(f, lineItemsSheet, 1, header); err != nil {
		return err
	}

	line, sheetRow := 1, 2
	for _, entry := range doc.Records {
		rec := entry.Record
		for _, coll := range sortedCollections(rec) {
			for _, item := range rec.Collections[coll] {
				n := item.Index
				if opts.LineItemNumberingGlobal {
					n = line
				}
				row := []any{n, rec.Key, coll, item.Index}
				for _, k := range itemKeys {
					row = append(row, item.Fields[k])
				}
				if err := setRow(f, lineItemsSheet, sheetRow, row); err != nil {
					return err
				}
				line++
				sheetRow++
			}
		}
	}
	return nil
}

func setRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &values)
}

func unionKeys(entries []Entry, maps func(Entry) []map[string]string) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, e := range entries {
		for _, m := range maps(e) {
			for k := range m {
				if !seen[k] {
					seen[k] = true
					keys = append(keys, k)
				}
			}
		}
	}
	sort.Strings(keys)
	return keys
}

func sortedCollections(rec types.Record) []string {
	names := make([]string, 0, len(rec.Collections))
	for name := range rec.Collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
