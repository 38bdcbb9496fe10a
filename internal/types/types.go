// =============================================================================
// tallysync - Shared Types
// =============================================================================
//
// This package contains the record types shared by the extractor, the
// mapping layer, the exporters and the pipeline. Keeping them here avoids
// import cycles between those packages.
//
// =============================================================================

package types

// =============================================================================
// RECORD TYPES
// =============================================================================

// Record is one business entity extracted from an export document.
// It is built once by the extractor and never modified afterwards.
type Record struct {
	// Entity is the entity kind name, e.g. "customers".
	Entity string `json:"entity"`

	// Key is the identity value (ledger name, item name, voucher number).
	Key string `json:"key"`

	// Position is the 1-based index of the entity element in the document.
	Position int `json:"position"`

	// Fields holds every resolved field, including the identity.
	Fields map[string]string `json:"fields"`

	// Collections holds nested rows by collection key ("items",
	// "references").
	Collections map[string][]LineItem `json:"collections,omitempty"`

	// Gaps names the fields whose source value had no rewrite entry.
	Gaps []string `json:"gaps,omitempty"`
}

// LineItem is one nested row of a record.
type LineItem struct {
	// Index is the 1-based position among the rows that survived
	// extraction.
	Index int `json:"index"`

	Fields map[string]string `json:"fields"`
}

// Get returns a field value, or "" if the field is not set.
func (r Record) Get(key string) string {
	return r.Fields[key]
}

// Items returns the rows of one collection.
func (r Record) Items(collection string) []LineItem {
	return r.Collections[collection]
}

// HasGaps reports whether any field hit a vocabulary gap.
func (r Record) HasGaps() bool {
	return len(r.Gaps) > 0
}
