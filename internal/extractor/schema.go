package extractor

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"

	"github.com/ginjaninja78/tallysync/internal/config"
)

// Schema is a compiled entity config. Every path and action has been
// checked, so extraction itself cannot fail on configuration.
type Schema struct {
	// Name is the entity kind, copied onto every record.
	Name string

	// EntityTag is the element name of one entity subtree.
	EntityTag string

	entities    etree.Path
	identity    field
	fields      []field
	collections []collection
}

type field struct {
	rule    config.FieldRule
	path    etree.Path
	actions []action
}

type collection struct {
	rule   config.CollectionRule
	path   etree.Path
	fields []field
}

// Compile validates an entity config and prepares it for extraction.
func Compile(cfg *config.EntityConfig) (*Schema, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("entity config has no name")
	}
	if cfg.EntityTag == "" {
		return nil, fmt.Errorf("entity %q: entity_tag is required", cfg.Name)
	}

	entities, err := etree.CompilePath(".//" + cfg.EntityTag)
	if err != nil {
		return nil, fmt.Errorf("entity %q: invalid entity_tag %q: %w", cfg.Name, cfg.EntityTag, err)
	}

	s := &Schema{
		Name:      cfg.Name,
		EntityTag: cfg.EntityTag,
		entities:  entities,
	}

	identity := cfg.Identity
	identity.Required = true
	if s.identity, err = compileField(identity); err != nil {
		return nil, fmt.Errorf("entity %q: identity: %w", cfg.Name, err)
	}

	seen := map[string]bool{identity.Key: true}
	for _, rule := range cfg.Fields {
		if seen[rule.Key] {
			return nil, fmt.Errorf("entity %q: duplicate field %q", cfg.Name, rule.Key)
		}
		seen[rule.Key] = true

		f, err := compileField(rule)
		if err != nil {
			return nil, fmt.Errorf("entity %q: field %q: %w", cfg.Name, rule.Key, err)
		}
		s.fields = append(s.fields, f)
	}

	for _, rule := range cfg.Collections {
		c, err := compileCollection(rule)
		if err != nil {
			return nil, fmt.Errorf("entity %q: collection %q: %w", cfg.Name, rule.Key, err)
		}
		s.collections = append(s.collections, c)
	}

	return s, nil
}

// NeedsResolver reports whether any collection resolves references.
func (s *Schema) NeedsResolver() bool {
	for _, c := range s.collections {
		if c.rule.Resolve != nil {
			return true
		}
	}
	return false
}

// FieldKeys returns the record field names in declaration order.
func (s *Schema) FieldKeys() []string {
	keys := []string{s.identity.rule.Key}
	for _, f := range s.fields {
		keys = append(keys, f.rule.Key)
	}
	return keys
}

// CollectionKeys returns the collection names in declaration order.
func (s *Schema) CollectionKeys() []string {
	keys := make([]string, 0, len(s.collections))
	for _, c := range s.collections {
		keys = append(keys, c.rule.Key)
	}
	return keys
}

func compileField(rule config.FieldRule) (field, error) {
	if rule.Key == "" {
		return field{}, fmt.Errorf("key is required")
	}
	if rule.Path == "" {
		return field{}, fmt.Errorf("path is required")
	}

	path, err := etree.CompilePath(rule.Path)
	if err != nil {
		return field{}, fmt.Errorf("invalid path %q: %w", rule.Path, err)
	}

	switch rule.Type {
	case "", config.TypeString, config.TypeDecimal:
	default:
		return field{}, fmt.Errorf("unknown type %q", rule.Type)
	}

	switch strings.ToLower(rule.Pick) {
	case "", "first", "last":
	default:
		return field{}, fmt.Errorf("pick must be first or last, got %q", rule.Pick)
	}

	f := field{rule: rule, path: path}
	for _, a := range rule.Actions {
		c, err := compileAction(a)
		if err != nil {
			return field{}, err
		}
		f.actions = append(f.actions, c)
	}

	return f, nil
}

func compileCollection(rule config.CollectionRule) (collection, error) {
	if rule.Key == "" {
		return collection{}, fmt.Errorf("key is required")
	}

	path, err := etree.CompilePath(rule.Path)
	if rule.Path == "" || err != nil {
		return collection{}, fmt.Errorf("invalid path %q: %v", rule.Path, err)
	}

	if len(rule.Fields) == 0 {
		return collection{}, fmt.Errorf("at least one field is required")
	}

	c := collection{rule: rule, path: path}
	seen := make(map[string]bool)
	for _, fr := range rule.Fields {
		if seen[fr.Key] {
			return collection{}, fmt.Errorf("duplicate field %q", fr.Key)
		}
		seen[fr.Key] = true

		f, err := compileField(fr)
		if err != nil {
			return collection{}, fmt.Errorf("field %q: %w", fr.Key, err)
		}
		c.fields = append(c.fields, f)
	}

	if r := rule.Resolve; r != nil {
		if !seen[r.Field] {
			return collection{}, fmt.Errorf("resolve field %q is not declared", r.Field)
		}
		if r.Into == "" {
			return collection{}, fmt.Errorf("resolve needs an into field")
		}
	}

	return c, nil
}
