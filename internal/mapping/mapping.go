// =============================================================================
// tallysync - Destination Mapping
// =============================================================================
//
// Mapping turns an extracted record into the JSON document ERPNext expects
// for a doctype. Everything is driven by the entity config's destination
// section: field renames, child tables, constants and the list of fields
// that must be sent as numbers.
//
// NUMBERS:
//   Records carry numbers as the exact source text. Numeric payload fields
//   are parsed with shopspring/decimal and emitted as json.Number, so no
//   value ever passes through float64.
//
// =============================================================================

package mapping

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ginjaninja78/tallysync/internal/config"
	"github.com/ginjaninja78/tallysync/internal/types"
)

// Payload is one ERPNext document ready to be sent.
type Payload map[string]any

// NaturalKey returns the value of the mapping's natural key field.
func (p Payload) NaturalKey(m config.DestinationMapping) string {
	if v, ok := p[m.NaturalKey]; ok {
		return fmt.Sprint(v)
	}
	return ""
}

// Build maps rec onto the destination schema described by m.
//
// RETURNS:
//   - The payload.
//   - An error when a numeric field holds text that is not a decimal number.
func Build(rec types.Record, m config.DestinationMapping) (Payload, error) {
	numeric := make(map[string]bool, len(m.NumericFields))
	for _, f := range m.NumericFields {
		numeric[f] = true
	}

	payload := make(Payload)

	if len(m.Fields) == 0 {
		for k, v := range rec.Fields {
			if err := set(payload, k, v, numeric); err != nil {
				return nil, err
			}
		}
	}
	for _, fm := range m.Fields {
		v, ok := rec.Fields[fm.From]
		if !ok {
			continue
		}
		if err := set(payload, fm.To, v, numeric); err != nil {
			return nil, err
		}
	}

	for _, cm := range m.Collections {
		rows, err := buildRows(rec, cm, m.StaticFields, numeric)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", cm.To, err)
		}
		payload[cm.To] = rows
	}

	for _, sf := range m.StaticFields {
		if sf.Parent != "" && sf.Parent != config.ParentDocument {
			continue
		}
		payload[sf.Key] = sf.Value
	}

	return payload, nil
}

// buildRows maps one record collection into a child table. A row field
// missing from the row falls back to the record field of the same name, so
// header values such as a schedule date can be repeated on every row.
func buildRows(rec types.Record, cm config.CollectionMap, statics []config.StaticField, numeric map[string]bool) ([]map[string]any, error) {
	items := rec.Collections[cm.From]
	rows := make([]map[string]any, 0, len(items))

	for _, item := range items {
		row := make(Payload)

		if len(cm.Fields) == 0 {
			for k, v := range item.Fields {
				if err := set(row, k, v, numeric); err != nil {
					return nil, fmt.Errorf("row %d: %w", item.Index, err)
				}
			}
		}
		for _, fm := range cm.Fields {
			v, ok := item.Fields[fm.From]
			if !ok {
				v, ok = rec.Fields[fm.From]
			}
			if !ok {
				continue
			}
			if err := set(row, fm.To, v, numeric); err != nil {
				return nil, fmt.Errorf("row %d: %w", item.Index, err)
			}
		}

		for _, sf := range statics {
			if sf.Parent == cm.To {
				row[sf.Key] = sf.Value
			}
		}

		rows = append(rows, row)
	}

	return rows, nil
}

func set(p Payload, key, value string, numeric map[string]bool) error {
	if !numeric[key] {
		p[key] = value
		return nil
	}
	if value == "" {
		return nil
	}

	n, err := Number(value)
	if err != nil {
		return fmt.Errorf("field %s: %w", key, err)
	}
	p[key] = n
	return nil
}

// Number converts decimal text to a JSON number without rounding.
func Number(value string) (json.Number, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return "", fmt.Errorf("%q is not a decimal number", value)
	}
	return json.Number(d.String()), nil
}
