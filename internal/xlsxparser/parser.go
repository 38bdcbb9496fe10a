// =============================================================================
// tallysync - XLSX Field Template Parser
// =============================================================================
//
// Entity configs may point at an XLSX "fields template" so that accountants
// can add extraction fields without editing YAML. The first sheet lists
// entity-level fields. Any further sheet named after a collection key
// (e.g. "items") lists row fields for that collection.
//
// TEMPLATE STRUCTURE:
//
//   | Key        | Path                      | Fallback | Type    | Required | Attr |
//   |------------|---------------------------|----------|---------|----------|------|
//   | narration  | ./NARRATION               |          | string  | no       |      |
//   | round_off  | .//ROUNDOFF/AMOUNT        | 0        | decimal | optional |      |
//   | guid       | .                         |          |         |          | GUID |
//
// Columns are located by header name. When the header row does not name a
// column, the default position is used.
//
// =============================================================================

package xlsxparser

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/ginjaninja78/tallysync/internal/config"
)

// Template is a parsed fields template.
type Template struct {
	// TemplateFile is the path the template was read from.
	TemplateFile string

	// Fields are entity-level field rules from the first sheet.
	Fields []config.FieldRule

	// Collections maps a collection key to its extra row field rules.
	Collections map[string][]config.FieldRule
}

// =============================================================================
// TEMPLATE COLUMN CONFIGURATION
// =============================================================================

// TemplateColumns gives the 0-based column of each attribute.
type TemplateColumns struct {
	KeyColumn      int
	PathColumn     int
	FallbackColumn int
	TypeColumn     int
	RequiredColumn int
	AttrColumn     int

	// HeaderRow and DataStartRow are 0-based row indexes.
	HeaderRow    int
	DataStartRow int
}

// DefaultTemplateColumns returns the A..F layout shown above.
func DefaultTemplateColumns() TemplateColumns {
	return TemplateColumns{
		KeyColumn:      0,
		PathColumn:     1,
		FallbackColumn: 2,
		TypeColumn:     3,
		RequiredColumn: 4,
		AttrColumn:     5,
		HeaderRow:      0,
		DataStartRow:   1,
	}
}

// Header names written by WriteTemplate and recognised by Parse.
var templateHeaders = []string{"Key", "Path", "Fallback", "Type", "Required", "Attr"}

// =============================================================================
// PARSER FUNCTIONS
// =============================================================================

// Parse reads a fields template.
//
// RETURNS:
//   - The template with entity and collection field rules.
//   - An error if the file cannot be read or a row is incomplete.
func Parse(templatePath string) (*Template, error) {
	return ParseWithConfig(templatePath, DefaultTemplateColumns())
}

// ParseWithConfig reads a fields template using explicit default columns.
func ParseWithConfig(templatePath string, columns TemplateColumns) (*Template, error) {
	f, err := excelize.OpenFile(templatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open template file: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("template file has no sheets")
	}

	tmpl := &Template{
		TemplateFile: templatePath,
		Collections:  make(map[string][]config.FieldRule),
	}

	for i, sheetName := range sheets {
		// Sheets starting with "_" hold notes for humans.
		if strings.HasPrefix(sheetName, "_") {
			continue
		}

		rules, err := parseSheet(f, sheetName, columns)
		if err != nil {
			return nil, fmt.Errorf("error parsing sheet '%s': %w", sheetName, err)
		}

		if i == 0 {
			tmpl.Fields = rules
			continue
		}
		tmpl.Collections[sheetName] = rules
	}

	return tmpl, nil
}

// parseSheet reads the field rules of one sheet.
func parseSheet(f *excelize.File, sheetName string, columns TemplateColumns) ([]config.FieldRule, error) {
	rows, err := f.GetRows(sheetName)
	if err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}

	if columns.HeaderRow < len(rows) {
		columns = columnsFromHeader(rows[columns.HeaderRow], columns)
	}

	var rules []config.FieldRule
	for i := columns.DataStartRow; i < len(rows); i++ {
		row := rows[i]
		if len(row) == 0 || isRowEmpty(row) {
			continue
		}

		rule, err := parseRow(row, columns)
		if err != nil {
			return nil, fmt.Errorf("error parsing row %d: %w", i+1, err)
		}
		rules = append(rules, rule)
	}

	return rules, nil
}

// columnsFromHeader overrides column positions with those named in the
// header row.
func columnsFromHeader(header []string, columns TemplateColumns) TemplateColumns {
	for i, cell := range header {
		switch strings.ToLower(strings.TrimSpace(cell)) {
		case "key", "field":
			columns.KeyColumn = i
		case "path", "xpath":
			columns.PathColumn = i
		case "fallback", "default":
			columns.FallbackColumn = i
		case "type", "data type":
			columns.TypeColumn = i
		case "required":
			columns.RequiredColumn = i
		case "attr", "attribute":
			columns.AttrColumn = i
		}
	}
	return columns
}

// parseRow extracts a FieldRule from a single row.
func parseRow(row []string, columns TemplateColumns) (config.FieldRule, error) {
	getCell := func(index int) string {
		if index < len(row) {
			return strings.TrimSpace(row[index])
		}
		return ""
	}

	rule := config.FieldRule{
		Key:      getCell(columns.KeyColumn),
		Path:     getCell(columns.PathColumn),
		Fallback: getCell(columns.FallbackColumn),
		Type:     normalizeDataType(getCell(columns.TypeColumn)),
		Required: normalizeRequired(getCell(columns.RequiredColumn)),
		Attr:     getCell(columns.AttrColumn),
	}

	if rule.Key == "" {
		return rule, fmt.Errorf("key is empty")
	}
	if rule.Path == "" {
		return rule, fmt.Errorf("field '%s' has no path", rule.Key)
	}
	return rule, nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// isRowEmpty checks if a row contains only empty cells.
func isRowEmpty(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// normalizeRequired accepts the spellings accountants actually use.
func normalizeRequired(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "required", "req", "r", "yes", "y", "true", "1", "mandatory":
		return true
	default:
		return false
	}
}

// normalizeDataType maps the template's type names onto field types.
func normalizeDataType(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "decimal", "dec", "numeric", "number", "amount", "money", "currency", "float":
		return config.TypeDecimal
	default:
		return config.TypeString
	}
}

// =============================================================================
// TEMPLATE GENERATION
// =============================================================================

// WriteTemplate writes tmpl as an XLSX fields template. The output can be
// read back with Parse.
func WriteTemplate(path string, tmpl *Template) error {
	f := excelize.NewFile()
	defer f.Close()

	first := f.GetSheetName(0)
	if err := f.SetSheetName(first, "Fields"); err != nil {
		return err
	}
	if err := writeSheet(f, "Fields", tmpl.Fields); err != nil {
		return err
	}

	for name, rules := range tmpl.Collections {
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("failed to add sheet '%s': %w", name, err)
		}
		if err := writeSheet(f, name, rules); err != nil {
			return err
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save template: %w", err)
	}
	return nil
}

func writeSheet(f *excelize.File, sheet string, rules []config.FieldRule) error {
	header := make([]any, len(templateHeaders))
	for i, h := range templateHeaders {
		header[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}

	for i, rule := range rules {
		required := "no"
		if rule.Required {
			required = "yes"
		}
		row := []any{rule.Key, rule.Path, rule.Fallback, rule.Type, required, rule.Attr}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// CONFIG MERGING
// =============================================================================

// Apply returns cfg with the fields of its fields template appended. cfg is
// not modified. A config without a template is returned as is.
func Apply(cfg *config.EntityConfig) (*config.EntityConfig, error) {
	if cfg.FieldsTemplate == "" {
		return cfg, nil
	}

	tmpl, err := Parse(cfg.FieldsTemplate)
	if err != nil {
		return nil, fmt.Errorf("entity %q: fields template: %w", cfg.Name, err)
	}

	merged := *cfg
	merged.Fields = append(append([]config.FieldRule(nil), cfg.Fields...), tmpl.Fields...)

	merged.Collections = make([]config.CollectionRule, len(cfg.Collections))
	copy(merged.Collections, cfg.Collections)
	for name, rules := range tmpl.Collections {
		i := indexOfCollection(merged.Collections, name)
		if i < 0 {
			return nil, fmt.Errorf("entity %q: fields template sheet '%s' names no collection", cfg.Name, name)
		}
		c := &merged.Collections[i]
		c.Fields = append(append([]config.FieldRule(nil), c.Fields...), rules...)
	}

	return &merged, nil
}

func indexOfCollection(collections []config.CollectionRule, key string) int {
	for i, c := range collections {
		if c.Key == key {
			return i
		}
	}
	return -1
}
