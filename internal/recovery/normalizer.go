// =============================================================================
// tallysync - Recovery Normalizer
// =============================================================================
//
// Tally's XML export is not XML. Attribute values come out unquoted, numeric
// elements carry units glued to the number, and control characters appear in
// free text. The Normalizer applies an ordered list of text repairs and then
// insists on a strict parse. Either the caller gets a well-formed document or
// a *Error describing where parsing failed. There is no partial document.
//
// PIPELINE:
//   raw bytes -> charset decoding -> Rule 1 ... Rule N -> strict parse
//
// =============================================================================

package recovery

import (
	"encoding/xml"
	"errors"
	"io"
	"strings"

	"github.com/beevik/etree"
	"go.uber.org/zap"
	xunicode "golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Document is a repaired, well-formed export document.
type Document struct {
	// Text is the repaired XML exactly as it was parsed.
	Text string

	// Tree is the parsed element tree.
	Tree *etree.Document
}

// Root returns the document element.
func (d *Document) Root() *etree.Element {
	return d.Tree.Root()
}

// Normalizer repairs raw export bytes. It holds no per-document state and is
// safe for concurrent use.
type Normalizer struct {
	rules []Rule
	log   *zap.Logger
}

// NewNormalizer creates a Normalizer applying rules in the given order.
// A nil logger disables logging.
func NewNormalizer(rules []Rule, log *zap.Logger) *Normalizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Normalizer{rules: rules, log: log}
}

// Rules returns the names of the configured rules, in order.
func (n *Normalizer) Rules() []string {
	names := make([]string, len(n.rules))
	for i, r := range n.rules {
		names[i] = r.Name
	}
	return names
}

// Repair decodes raw and runs every rule over it. The result is not
// guaranteed to parse.
func (n *Normalizer) Repair(raw []byte) string {
	text := decode(raw)
	for _, rule := range n.rules {
		before := len(text)
		text = rule.Apply(text)
		if len(text) != before {
			n.log.Debug("Repair rule changed document",
				zap.String("rule", rule.Name),
				zap.Int("delta", len(text)-before))
		}
	}
	return text
}

// Normalize repairs raw and parses the result.
//
// RETURNS:
//   - The repaired document.
//   - A *Error when the repaired text is still not well-formed XML or has no
//     root element.
func (n *Normalizer) Normalize(raw []byte) (*Document, error) {
	text := n.Repair(raw)

	if err := checkWellFormed(text); err != nil {
		return nil, err
	}

	tree := etree.NewDocument()
	if err := tree.ReadFromString(text); err != nil {
		return nil, &Error{Msg: err.Error(), Err: err}
	}
	if tree.Root() == nil {
		return nil, &Error{Msg: "document has no root element"}
	}

	return &Document{Text: text, Tree: tree}, nil
}

// decode converts UTF-16 (with byte order mark) and BOM-prefixed UTF-8 to
// plain UTF-8. Invalid sequences become U+FFFD, which the character rule
// removes later.
func decode(raw []byte) string {
	t := xunicode.BOMOverride(xunicode.UTF8.NewDecoder())
	out, _, err := transform.Bytes(t, raw)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

// checkWellFormed runs a strict token pass and reports the first syntax
// error with its line number.
func checkWellFormed(text string) error {
	dec := xml.NewDecoder(strings.NewReader(text))
	dec.Strict = true

	roots, depth := 0, 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var syn *xml.SyntaxError
			if errors.As(err, &syn) {
				return &Error{Line: syn.Line, Msg: syn.Msg, Err: err}
			}
			return &Error{Msg: err.Error(), Err: err}
		}

		switch tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				roots++
			}
			depth++
		case xml.EndElement:
			depth--
		}
	}

	switch {
	case roots == 0:
		return &Error{Msg: "document has no root element"}
	case roots > 1:
		return &Error{Msg: "document has more than one root element"}
	}
	return nil
}
