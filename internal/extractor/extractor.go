// =============================================================================
// tallysync - Record Extractor
// =============================================================================
//
// The extractor walks a repaired document with a compiled Schema and yields
// one types.Record per entity subtree, in document order.
//
// POLICY:
//   - Blank or missing identity: entity dropped, logged, extraction goes on.
//   - Optional field not found: fallback value, never an error.
//   - Required field not found, or required decimal that does not parse:
//     entity dropped.
//   - Value without a rewrite entry: kept as found, listed in Record.Gaps and
//     reported as a VocabularyGap.
//   - Collection row missing a required field or an unresolvable reference:
//     row skipped. Required collection with no rows left: entity dropped.
//
// USAGE:
//   stream := extractor.New(log).Extract(ctx, doc, schema)
//   for stream.Next() {
//       rec := stream.Record()
//   }
//   if err := stream.Err(); err != nil { ... }
//
// =============================================================================

package extractor

import (
	"context"
	"errors"
	"strings"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ginjaninja78/tallysync/internal/config"
	"github.com/ginjaninja78/tallysync/internal/recovery"
	"github.com/ginjaninja78/tallysync/internal/types"
)

// ErrReferenceNotFound is returned by a ReferenceResolver when no
// destination document carries the reference number.
var ErrReferenceNotFound = errors.New("reference not found")

// ReferenceResolver maps a source reference number (an invoice number on a
// payment allocation) to a destination document identifier.
type ReferenceResolver interface {
	ResolveReferenceNumber(ctx context.Context, ref string) (string, error)
}

// ResolverFunc adapts a function to ReferenceResolver.
type ResolverFunc func(ctx context.Context, ref string) (string, error)

func (f ResolverFunc) ResolveReferenceNumber(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// Extractor turns repaired documents into records. It keeps no state between
// calls.
type Extractor struct {
	log      *zap.Logger
	resolver ReferenceResolver
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithResolver sets the resolver used by collections that declare a resolve
// rule. Without one, every such row is skipped.
func WithResolver(r ReferenceResolver) Option {
	return func(x *Extractor) {
		x.resolver = r
	}
}

// New creates an Extractor. A nil logger disables logging.
func New(log *zap.Logger, opts ...Option) *Extractor {
	if log == nil {
		log = zap.NewNop()
	}
	x := &Extractor{log: log}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Extract returns a lazy stream over the entities of doc. The stream can be
// consumed once.
func (x *Extractor) Extract(ctx context.Context, doc *recovery.Document, schema *Schema) *Stream {
	return &Stream{
		ctx:      ctx,
		x:        x,
		schema:   schema,
		entities: doc.Tree.FindElementsPath(schema.entities),
		log:      x.log.With(zap.String("entity", schema.Name)),
	}
}

// =============================================================================
// STREAM
// =============================================================================

// Stream yields records one at a time. Only context cancellation ends it
// early with an error.
type Stream struct {
	ctx      context.Context
	x        *Extractor
	schema   *Schema
	entities []*etree.Element
	log      *zap.Logger

	next    int
	current types.Record
	diags   []Diagnostic
	err     error
}

// Next advances to the next record. It returns false when the document is
// exhausted or the context is done.
func (s *Stream) Next() bool {
	for s.next < len(s.entities) {
		if err := s.ctx.Err(); err != nil {
			s.err = err
			return false
		}

		el := s.entities[s.next]
		s.next++

		rec, ok := s.extractEntity(el, s.next)
		if ok {
			s.current = rec
			return true
		}
	}
	return false
}

// Record returns the record produced by the last successful Next.
func (s *Stream) Record() types.Record {
	return s.current
}

// Diagnostics returns the diagnostics collected so far.
func (s *Stream) Diagnostics() []Diagnostic {
	return s.diags
}

// Err returns the error that ended the stream early, if any.
func (s *Stream) Err() error {
	return s.err
}

// Total returns the number of entity elements in the document.
func (s *Stream) Total() int {
	return len(s.entities)
}

// Collect drains a stream.
func Collect(s *Stream) ([]types.Record, error) {
	var records []types.Record
	for s.Next() {
		records = append(records, s.Record())
	}
	return records, s.Err()
}

// =============================================================================
// ENTITY EXTRACTION
// =============================================================================

// entityScope carries the identity of the entity being extracted so that
// diagnostics can name it.
type entityScope struct {
	position int
	key      string
	gaps     []string
}

func (s *Stream) extractEntity(el *etree.Element, position int) (types.Record, bool) {
	scope := &entityScope{position: position}

	key, res := s.resolveField(el, &s.schema.identity)
	if res != resolved {
		s.drop(scope, s.schema.identity.rule.Key, "missing or blank identity")
		return types.Record{}, false
	}
	scope.key = key

	fields := map[string]string{s.schema.identity.rule.Key: key}

	for i := range s.schema.fields {
		f := &s.schema.fields[i]
		value, res := s.resolveField(el, f)

		switch res {
		case resolved:
			value = s.rewrite(scope, f, value, "", 0)
		case notFound:
			if f.rule.Required {
				s.drop(scope, f.rule.Key, "required field not found")
				return types.Record{}, false
			}
			s.note(scope, Diagnostic{Kind: LookupGap, Field: f.rule.Key, Message: "not found, using fallback"})
		case invalidNumber:
			if f.rule.Required {
				s.dropValue(scope, f.rule.Key, value, "required field is not a decimal number")
				return types.Record{}, false
			}
			s.note(scope, Diagnostic{Kind: InvalidNumber, Field: f.rule.Key, Value: value, Message: "not a decimal number, using fallback"})
			value = f.rule.Fallback
		}

		fields[f.rule.Key] = value
	}

	var collections map[string][]types.LineItem
	for i := range s.schema.collections {
		c := &s.schema.collections[i]
		rows := s.extractRows(el, c, scope)

		if len(rows) == 0 && c.rule.Required {
			s.drop(scope, "", "no valid rows in "+c.rule.Key)
			return types.Record{}, false
		}

		if collections == nil {
			collections = make(map[string][]types.LineItem)
		}
		collections[c.rule.Key] = rows
	}

	return types.Record{
		Entity:      s.schema.Name,
		Key:         key,
		Position:    position,
		Fields:      fields,
		Collections: collections,
		Gaps:        scope.gaps,
	}, true
}

func (s *Stream) extractRows(el *etree.Element, c *collection, scope *entityScope) []types.LineItem {
	var rows []types.LineItem

	for i, rowEl := range el.FindElementsPath(c.path) {
		row := i + 1
		fields := make(map[string]string, len(c.fields)+1)
		skip := false

		for j := range c.fields {
			f := &c.fields[j]
			value, res := s.resolveField(rowEl, f)

			if res == resolved {
				fields[f.rule.Key] = s.rewrite(scope, f, value, c.rule.Key, row)
				continue
			}
			if f.rule.Required {
				s.note(scope, Diagnostic{
					Kind:       RowSkipped,
					Collection: c.rule.Key,
					Row:        row,
					Field:      f.rule.Key,
					Value:      value,
					Message:    rowReason(res),
				})
				skip = true
				break
			}
			if res == invalidNumber {
				s.note(scope, Diagnostic{
					Kind:       InvalidNumber,
					Collection: c.rule.Key,
					Row:        row,
					Field:      f.rule.Key,
					Value:      value,
					Message:    "not a decimal number, using fallback",
				})
			}
			fields[f.rule.Key] = f.rule.Fallback
		}
		if skip {
			continue
		}

		if r := c.rule.Resolve; r != nil {
			id, ok := s.resolveReference(scope, c.rule.Key, row, fields[r.Field])
			if !ok {
				continue
			}
			fields[r.Into] = id
		}

		rows = append(rows, types.LineItem{Index: len(rows) + 1, Fields: fields})
	}

	return rows
}

func (s *Stream) resolveReference(scope *entityScope, coll string, row int, ref string) (string, bool) {
	diag := Diagnostic{Kind: ReferenceUnresolved, Collection: coll, Row: row, Value: ref}

	if s.x.resolver == nil {
		diag.Message = "no reference resolver configured"
		s.note(scope, diag)
		return "", false
	}

	id, err := s.x.resolver.ResolveReferenceNumber(s.ctx, ref)
	switch {
	case errors.Is(err, ErrReferenceNotFound):
		diag.Message = "reference not found"
	case err != nil:
		diag.Message = "resolver failed: " + err.Error()
	case strings.TrimSpace(id) == "":
		diag.Message = "resolver returned an empty identifier"
	default:
		return id, true
	}

	s.note(scope, diag)
	return "", false
}

// =============================================================================
// FIELD RESOLUTION
// =============================================================================

type resolution int

const (
	resolved resolution = iota
	notFound
	invalidNumber
)

func rowReason(res resolution) string {
	if res == invalidNumber {
		return "required field is not a decimal number"
	}
	return "required field not found"
}

// resolveField looks up one field. On notFound the fallback is returned. On
// invalidNumber the offending text is returned so it can be reported.
func (s *Stream) resolveField(el *etree.Element, f *field) (string, resolution) {
	var values []string
	for _, m := range el.FindElementsPath(f.path) {
		var v string
		if f.rule.Attr != "" {
			v = m.SelectAttrValue(f.rule.Attr, "")
		} else {
			v = m.Text()
		}
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}

	if len(values) == 0 {
		return f.rule.Fallback, notFound
	}

	var value string
	switch {
	case f.rule.Multi:
		value = strings.Join(values, f.rule.Join)
	case strings.EqualFold(f.rule.Pick, "last"):
		value = values[len(values)-1]
	default:
		value = values[0]
	}

	value = strings.TrimSpace(applyActions(value, f.actions))
	if value == "" {
		return f.rule.Fallback, notFound
	}

	if f.rule.Type == config.TypeDecimal {
		if _, err := decimal.NewFromString(value); err != nil {
			return value, invalidNumber
		}
	}

	return value, resolved
}

// rewrite applies the field's vocabulary table. A value without an entry is
// kept and recorded as a gap.
func (s *Stream) rewrite(scope *entityScope, f *field, value, coll string, row int) string {
	if len(f.rule.Rewrite) == 0 {
		return value
	}
	if mapped, ok := f.rule.Rewrite[value]; ok {
		return mapped
	}

	gap := f.rule.Key
	if coll != "" {
		gap = coll + "." + f.rule.Key
	}
	scope.gaps = append(scope.gaps, gap)

	s.note(scope, Diagnostic{
		Kind:       VocabularyGap,
		Field:      f.rule.Key,
		Collection: coll,
		Row:        row,
		Value:      value,
		Message:    "value has no mapping",
	})
	return value
}

// =============================================================================
// DIAGNOSTICS
// =============================================================================

func (s *Stream) drop(scope *entityScope, field, reason string) {
	s.dropValue(scope, field, "", reason)
}

func (s *Stream) dropValue(scope *entityScope, field, value, reason string) {
	s.note(scope, Diagnostic{Kind: EntityDropped, Field: field, Value: value, Message: reason})
}

func (s *Stream) note(scope *entityScope, d Diagnostic) {
	d.Entity = s.schema.Name
	d.Position = scope.position
	d.Key = scope.key
	s.diags = append(s.diags, d)

	fields := []zap.Field{
		zap.Int("position", d.Position),
		zap.String("key", d.Key),
		zap.String("field", d.Field),
		zap.String("reason", d.Message),
	}
	if d.Collection != "" {
		fields = append(fields, zap.String("collection", d.Collection), zap.Int("row", d.Row))
	}
	if d.Value != "" {
		fields = append(fields, zap.String("value", d.Value))
	}

	switch d.Kind {
	case EntityDropped:
		s.log.Warn("Dropping entity", fields...)
	case VocabularyGap:
		s.log.Warn("Unmapped value", fields...)
	case LookupGap:
		s.log.Debug("Using fallback", fields...)
	default:
		s.log.Info("Skipping", append(fields, zap.String("kind", string(d.Kind)))...)
	}
}
