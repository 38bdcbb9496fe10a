// =============================================================================
// tallysync - Configuration Validation
// =============================================================================
//
// Checks the main config and every entity config before a run, so mistakes
// in YAML surface as a list of readable problems instead of a failure half
// way through a sync.
//
// CHECKS PER ENTITY:
//   - The extraction schema compiles (paths, types, actions, collections),
//     including fields added by an XLSX fields template
//   - The Tally request is complete for its kind
//   - File matching patterns are valid globs
//   - The destination mapping only reads declared fields and collections
//   - The natural key is produced by the mapping
//   - Static fields target the document or a mapped child table
//   - Reference lookups run after the entity that creates the referenced
//     doctype
//
// ERROR HANDLING:
//   - Problems are collected, never returned early
//   - Severity "error" blocks a run, "warning" is informational
//
// =============================================================================

package validation

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ginjaninja78/tallysync/internal/config"
	"github.com/ginjaninja78/tallysync/internal/extractor"
	"github.com/ginjaninja78/tallysync/internal/xlsxparser"
)

// Severity levels.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// =============================================================================
// VALIDATION ERROR TYPES
// =============================================================================

// ValidationError is one configuration problem.
type ValidationError struct {
	Severity string

	// Entity is the entity config concerned, empty for main config problems.
	Entity string

	// Rule names the check that failed, e.g. "schema" or "natural_key".
	Rule string

	Message string
}

func (e *ValidationError) Error() string {
	scope := "config"
	if e.Entity != "" {
		scope = "entity " + e.Entity
	}
	return fmt.Sprintf("[%s] %s: %s: %s", strings.ToUpper(e.Severity), scope, e.Rule, e.Message)
}

// =============================================================================
// VALIDATION RESULT
// =============================================================================

// ValidationResult collects everything found.
type ValidationResult struct {
	// IsValid is true if there are no errors. Warnings do not count.
	IsValid bool

	Errors []*ValidationError

	ErrorCount   int
	WarningCount int

	// EntitiesValidated is the number of entity configs checked.
	EntitiesValidated int
}

func (r *ValidationResult) add(severity, entity, rule, format string, args ...any) {
	r.Errors = append(r.Errors, &ValidationError{
		Severity: severity,
		Entity:   entity,
		Rule:     rule,
		Message:  fmt.Sprintf(format, args...),
	})
	if severity == SeverityError {
		r.ErrorCount++
		r.IsValid = false
	} else {
		r.WarningCount++
	}
}

// =============================================================================
// VALIDATOR
// =============================================================================

// ValidationOptions tunes the validator.
type ValidationOptions struct {
	// TreatWarningsAsErrors makes any warning invalidate the result.
	TreatWarningsAsErrors bool

	// RequireDestination reports a missing ERPNext configuration as an
	// error. Sync runs need it, offline runs do not.
	RequireDestination bool
}

// Validator checks configurations.
type Validator struct {
	options ValidationOptions
}

// NewValidator creates a validator with the given options.
func NewValidator(options ValidationOptions) *Validator {
	return &Validator{options: options}
}

// Validate checks main and the entity configs selected by it.
func (v *Validator) Validate(main *config.MainConfig, entities map[string]*config.EntityConfig) *ValidationResult {
	result := &ValidationResult{IsValid: true}

	v.validateMain(result, main, entities)

	names := make([]string, 0, len(entities))
	for name := range entities {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		v.ValidateEntity(result, entities[name], entities)
		result.EntitiesValidated++
	}

	if v.options.TreatWarningsAsErrors && result.WarningCount > 0 {
		result.IsValid = false
	}
	return result
}

func (v *Validator) validateMain(result *ValidationResult, main *config.MainConfig, entities map[string]*config.EntityConfig) {
	if main == nil {
		return
	}

	for _, name := range main.Entities {
		if _, ok := entities[name]; !ok {
			result.add(SeverityError, "", "entities", "unknown entity %q", name)
		}
	}

	if main.Source.URL == "" {
		result.add(SeverityWarning, "", "source", "no Tally url configured, only offline commands will work")
	}
	if !main.Destination.Configured() {
		severity := SeverityWarning
		if v.options.RequireDestination {
			severity = SeverityError
		}
		result.add(severity, "", "destination", "ERPNext url, api key and api secret must all be set")
	}
}

// ValidateEntity checks one entity config. all is used to check reference
// lookups against the other entities.
func (v *Validator) ValidateEntity(result *ValidationResult, cfg *config.EntityConfig, all map[string]*config.EntityConfig) {
	name := cfg.Name

	merged, err := xlsxparser.Apply(cfg)
	if err != nil {
		result.add(SeverityError, name, "fields_template", "%v", err)
		merged = cfg
	}
	if _, err := extractor.Compile(merged); err != nil {
		result.add(SeverityError, name, "schema", "%v", err)
	}

	validateRequest(result, cfg)
	validatePatterns(result, cfg)
	validateDestination(result, merged)
	validateResolves(result, merged, all)
}

func validateRequest(result *ValidationResult, cfg *config.EntityConfig) {
	req := cfg.Request
	switch req.Kind {
	case config.RequestCollection:
		if req.CollectionType == "" {
			result.add(SeverityError, cfg.Name, "request", "collection requests need collection_type")
		}
	case config.RequestVoucherRegister:
		if req.VoucherType == "" {
			result.add(SeverityError, cfg.Name, "request", "voucher_register requests need voucher_type")
		}
	case "":
		result.add(SeverityWarning, cfg.Name, "request", "no request kind, entity can only be extracted offline")
	default:
		result.add(SeverityError, cfg.Name, "request", "unknown request kind %q", req.Kind)
	}
}

func validatePatterns(result *ValidationResult, cfg *config.EntityConfig) {
	if len(cfg.FileMatchingPatterns) == 0 {
		result.add(SeverityWarning, cfg.Name, "file_matching_patterns", "no patterns, offline extract will never pick this entity")
	}
	for _, p := range cfg.FileMatchingPatterns {
		if _, err := filepath.Match(p, ""); err != nil {
			result.add(SeverityError, cfg.Name, "file_matching_patterns", "invalid pattern %q", p)
		}
	}
}

func validateDestination(result *ValidationResult, cfg *config.EntityConfig) {
	dest := cfg.Destination
	if dest.Doctype == "" {
		result.add(SeverityError, cfg.Name, "destination", "doctype is required")
	}

	fieldKeys := map[string]bool{cfg.Identity.Key: true}
	for _, f := range cfg.Fields {
		fieldKeys[f.Key] = true
	}
	collections := make(map[string]config.CollectionRule, len(cfg.Collections))
	for _, c := range cfg.Collections {
		collections[c.Key] = c
	}

	targets := make(map[string]bool)
	for _, fm := range dest.Fields {
		if !fieldKeys[fm.From] {
			result.add(SeverityError, cfg.Name, "destination", "field mapping reads undeclared field %q", fm.From)
		}
		targets[fm.To] = true
	}
	if len(dest.Fields) == 0 {
		for k := range fieldKeys {
			targets[k] = true
		}
	}

	childTables := make(map[string]bool)
	for _, cm := range dest.Collections {
		childTables[cm.To] = true
		coll, ok := collections[cm.From]
		if !ok {
			result.add(SeverityError, cfg.Name, "destination", "collection mapping reads undeclared collection %q", cm.From)
			continue
		}

		rowKeys := make(map[string]bool)
		for _, f := range coll.Fields {
			rowKeys[f.Key] = true
		}
		if coll.Resolve != nil {
			rowKeys[coll.Resolve.Into] = true
		}
		for _, fm := range cm.Fields {
			targets[fm.To] = true
			if !rowKeys[fm.From] && !fieldKeys[fm.From] {
				result.add(SeverityError, cfg.Name, "destination", "%s mapping reads undeclared field %q", cm.To, fm.From)
			}
		}
	}

	if dest.NaturalKey == "" {
		result.add(SeverityError, cfg.Name, "natural_key", "natural_key is required")
	} else if !targets[dest.NaturalKey] {
		result.add(SeverityError, cfg.Name, "natural_key", "natural key %q is not produced by the field mapping", dest.NaturalKey)
	}

	for _, sf := range dest.StaticFields {
		if sf.Parent != "" && sf.Parent != config.ParentDocument && !childTables[sf.Parent] {
			result.add(SeverityError, cfg.Name, "static_fields", "static field %q targets unknown table %q", sf.Key, sf.Parent)
		}
	}

	for _, n := range dest.NumericFields {
		if !targets[n] {
			result.add(SeverityWarning, cfg.Name, "numeric_fields", "numeric field %q is never mapped", n)
		}
	}
}

// validateResolves checks that referenced documents are created by an
// earlier stage.
func validateResolves(result *ValidationResult, cfg *config.EntityConfig, all map[string]*config.EntityConfig) {
	for _, c := range cfg.Collections {
		r := c.Resolve
		if r == nil {
			continue
		}
		if r.Doctype == "" || r.By == "" {
			result.add(SeverityError, cfg.Name, "resolve", "%s: resolve needs doctype and by", c.Key)
			continue
		}

		var producer *config.EntityConfig
		for _, other := range all {
			if other.Destination.Doctype == r.Doctype {
				producer = other
				break
			}
		}
		switch {
		case producer == nil:
			result.add(SeverityWarning, cfg.Name, "resolve", "%s: no entity creates %s documents", c.Key, r.Doctype)
		case producer.Stage >= cfg.Stage:
			result.add(SeverityError, cfg.Name, "resolve",
				"%s: resolves %s but %s runs in stage %d, not before stage %d",
				c.Key, r.Doctype, producer.Name, producer.Stage, cfg.Stage)
		}
	}
}

// =============================================================================
// REPORTING
// =============================================================================

// FormatErrors renders problems one per line, errors first.
func FormatErrors(errors []*ValidationError) string {
	if len(errors) == 0 {
		return "No problems found."
	}

	sorted := make([]*ValidationError, len(errors))
	copy(sorted, errors)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Severity == SeverityError && sorted[j].Severity != SeverityError
	})

	var b strings.Builder
	for _, e := range sorted {
		b.WriteString(e.Error())
		b.WriteByte('\n')
	}
	return b.String()
}
