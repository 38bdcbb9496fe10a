package extractor

import (
	"fmt"
	"strings"
)

// DiagnosticKind classifies a problem found while extracting.
type DiagnosticKind string

const (
	// EntityDropped: the entity produced no record (missing identity,
	// missing required field, invalid required number, empty required
	// collection).
	EntityDropped DiagnosticKind = "entity_dropped"

	// LookupGap: an optional field found nothing and took its fallback.
	LookupGap DiagnosticKind = "lookup_gap"

	// VocabularyGap: a value had no entry in the field's rewrite table.
	VocabularyGap DiagnosticKind = "vocabulary_gap"

	// RowSkipped: a collection row lacked a required field.
	RowSkipped DiagnosticKind = "row_skipped"

	// ReferenceUnresolved: a collection row's reference could not be
	// resolved and the row was skipped.
	ReferenceUnresolved DiagnosticKind = "reference_unresolved"

	// InvalidNumber: an optional decimal field did not parse and took its
	// fallback.
	InvalidNumber DiagnosticKind = "invalid_number"
)

// Diagnostic is one entity- or field-level issue. Diagnostics never stop
// extraction.
type Diagnostic struct {
	Kind DiagnosticKind `json:"kind"`

	// Entity is the entity kind name.
	Entity string `json:"entity"`

	// Position is the 1-based index of the entity element in the document.
	Position int `json:"position"`

	// Key is the entity identity, when known.
	Key string `json:"key,omitempty"`

	Field      string `json:"field,omitempty"`
	Collection string `json:"collection,omitempty"`
	Row        int    `json:"row,omitempty"`
	Value      string `json:"value,omitempty"`
	Message    string `json:"message"`
}

func (d Diagnostic) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s #%d", d.Kind, d.Entity, d.Position)
	if d.Key != "" {
		fmt.Fprintf(&b, " (%s)", d.Key)
	}
	if d.Collection != "" {
		fmt.Fprintf(&b, " %s[%d]", d.Collection, d.Row)
	}
	if d.Field != "" {
		fmt.Fprintf(&b, " field '%s'", d.Field)
	}
	fmt.Fprintf(&b, ": %s", d.Message)
	if d.Value != "" {
		fmt.Fprintf(&b, " (value: '%s')", d.Value)
	}
	return b.String()
}

// Count returns how many diagnostics have the given kind.
func Count(diags []Diagnostic, kind DiagnosticKind) int {
	n := 0
	for _, d := range diags {
		if d.Kind == kind {
			n++
		}
	}
	return n
}
