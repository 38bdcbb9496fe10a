// =============================================================================
// tallysync - Entity Configuration
// =============================================================================
//
// An EntityConfig describes one kind of business object in a Tally export:
// how to ask Tally for it, which repairs its documents need, which fields to
// pull out of each entity subtree, and how the resulting record maps onto an
// ERPNext doctype.
//
// EXAMPLE (abridged):
//
//   name: customers
//   entity_tag: LEDGER
//   identity:
//     key: name
//     path: .//NAME
//   fields:
//     - key: gst
//       path: .//LEDGSTREGDETAILS.LIST/GSTREGISTRATIONTYPE
//       fallback: Unregistered
//       rewrite:
//         Regular: Registered Regular
//
// Paths use the etree path syntax (a small XPath subset). They are compiled
// once when the schema is built, so a bad path is a configuration error and
// never a runtime panic.
//
// =============================================================================

package config

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed schemas/*.yaml
var builtinSchemas embed.FS

// Field value types.
const (
	TypeString  = "string"
	TypeDecimal = "decimal"
)

// Request kinds understood by the Tally client.
const (
	RequestCollection      = "collection"
	RequestVoucherRegister = "voucher_register"
)

// Static field parent for document-level values.
const ParentDocument = "document"

// =============================================================================
// ENTITY CONFIGURATION STRUCTURE
// =============================================================================

// EntityConfig holds everything needed to fetch, repair, extract and map one
// entity kind.
type EntityConfig struct {
	// Name is the unique key of this entity kind, e.g. "customers".
	Name string `yaml:"name"`

	// Description is free text shown by the validate command.
	Description string `yaml:"description"`

	// Stage orders sync runs. Lower stages finish before higher ones start;
	// kinds within one stage run concurrently. Parties and items are stage 0,
	// vouchers 1, payments 2.
	Stage int `yaml:"stage"`

	// EntityTag is the element name of one entity subtree (LEDGER, STOCKITEM,
	// VOUCHER). Matched at any depth.
	EntityTag string `yaml:"entity_tag"`

	// FileMatchingPatterns are glob patterns (matched against the base file
	// name) used by the extract command to pick this config for a file.
	FileMatchingPatterns []string `yaml:"file_matching_patterns"`

	Request  RequestSettings  `yaml:"request"`
	Recovery RecoverySettings `yaml:"recovery"`

	// Identity is the required field that names the entity.
	Identity FieldRule `yaml:"identity"`

	// Fields are resolved independently of each other.
	Fields []FieldRule `yaml:"fields"`

	// Collections are nested row sets (voucher line items, payment
	// allocations).
	Collections []CollectionRule `yaml:"collections"`

	// FieldsTemplate optionally names an XLSX file with additional field
	// rules. Relative paths are resolved against the schemas directory.
	FieldsTemplate string `yaml:"fields_template"`

	Destination DestinationMapping `yaml:"destination"`
}

// RequestSettings selects what the Tally export request asks for.
type RequestSettings struct {
	// Kind is "collection" or "voucher_register".
	Kind string `yaml:"kind"`

	// CollectionType is the TDL object type for collections (Ledger,
	// StockItem).
	CollectionType string `yaml:"collection_type"`

	// Parent filters a collection by parent group, e.g. "Sundry Debtors".
	Parent string `yaml:"parent"`

	// VoucherType filters a voucher register, e.g. "Sales", "Receipt".
	VoucherType string `yaml:"voucher_type"`
}

// RecoverySettings parameterizes the repair rules for this entity kind.
type RecoverySettings struct {
	// ExtraPermittedChars are punctuation characters kept in addition to the
	// default set when stripping illegal characters.
	ExtraPermittedChars string `yaml:"extra_permitted_chars"`

	// UnitSuffixTags name numeric elements whose text may carry a glued unit
	// such as "12.5 Nos" or "450.00/no".
	UnitSuffixTags []string `yaml:"unit_suffix_tags"`

	// LeadingZeroTags name identifier elements whose text is stripped of
	// zero padding.
	LeadingZeroTags []string `yaml:"leading_zero_tags"`
}

// =============================================================================
// FIELD RULES
// =============================================================================

// FieldRule declares how one output field is looked up in an entity subtree
// and what happens when the lookup finds nothing.
type FieldRule struct {
	// Key is the record field name.
	Key string `yaml:"key"`

	// Path is an etree path relative to the entity element.
	Path string `yaml:"path"`

	// Attr reads an attribute of the matched element instead of its text.
	Attr string `yaml:"attr,omitempty"`

	// Fallback is used when the path matches nothing or only blank text.
	Fallback string `yaml:"fallback,omitempty"`

	// Multi collects every match. Values are joined with Join.
	Multi bool   `yaml:"multi,omitempty"`
	Join  string `yaml:"join,omitempty"`

	// Pick selects "first" (default) or "last" match when Multi is false.
	Pick string `yaml:"pick,omitempty"`

	// Type is "string" (default) or "decimal". Decimal values must parse
	// as an exact decimal number after actions run.
	Type string `yaml:"type,omitempty"`

	// Required drops the entity (or the row, inside a collection) when the
	// field resolves to nothing usable.
	Required bool `yaml:"required,omitempty"`

	// Actions run in order on the found value, before the rewrite table.
	Actions []TransformationAction `yaml:"actions,omitempty"`

	// Rewrite maps source vocabulary to destination vocabulary. A found
	// value without an entry is a vocabulary gap.
	Rewrite map[string]string `yaml:"rewrite,omitempty"`
}

// TransformationAction is one step in a field's value clean-up chain.
type TransformationAction struct {
	// Type selects the action: trim, uppercase, lowercase, prepend_string,
	// append_string, replace, regex_replace, remove_leading_zeros,
	// strip_sign, format_date, if_empty_use_default, normalize_whitespace.
	Type string `yaml:"type"`

	// Value is the action argument. For format_date it is "in|out" using Go
	// reference-time layouts.
	Value string `yaml:"value,omitempty"`

	// Find is the search string or pattern for replace actions.
	Find string `yaml:"find,omitempty"`
}

// CollectionRule declares a nested row set inside each entity.
type CollectionRule struct {
	// Key names the collection on the record, e.g. "items".
	Key string `yaml:"key"`

	// Path selects row elements relative to the entity element.
	Path string `yaml:"path"`

	// Required drops the entity when no row survives.
	Required bool `yaml:"required"`

	Fields []FieldRule `yaml:"fields"`

	// Resolve maps a row field through the reference resolver.
	Resolve *ResolveRule `yaml:"resolve,omitempty"`
}

// ResolveRule turns a source reference number into a destination document
// identifier.
type ResolveRule struct {
	// Field is the row field holding the reference number.
	Field string `yaml:"field"`

	// Into is the row field that receives the resolved identifier.
	Into string `yaml:"into"`

	// Doctype and By describe the destination lookup, e.g. Sales Invoice
	// by custom_ref_no.
	Doctype string `yaml:"doctype"`
	By      string `yaml:"by"`
}

// =============================================================================
// DESTINATION MAPPING
// =============================================================================

// DestinationMapping describes how a record becomes an ERPNext payload.
type DestinationMapping struct {
	// Doctype is the ERPNext resource, e.g. "Sales Invoice".
	Doctype string `yaml:"doctype"`

	// NaturalKey is the payload field used for the exists check.
	NaturalKey string `yaml:"natural_key"`

	// Submit sends a docstatus=1 update after creation.
	Submit bool `yaml:"submit"`

	// Fields maps record fields to payload fields. One record field may feed
	// several payload fields. Empty means every record field is copied as is.
	Fields []FieldMap `yaml:"fields"`

	// Collections maps record collections (by key) to payload child tables.
	Collections []CollectionMap `yaml:"collections"`

	// StaticFields are constant payload values.
	StaticFields []StaticField `yaml:"static_fields"`

	// NumericFields are payload fields emitted as JSON numbers, at the
	// document level and in every child row.
	NumericFields []string `yaml:"numeric_fields"`
}

// FieldMap copies one record field into one payload field.
type FieldMap struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// CollectionMap copies one record collection into one payload child table.
type CollectionMap struct {
	From   string     `yaml:"from"`
	To     string     `yaml:"to"`
	Fields []FieldMap `yaml:"fields"`
}

// StaticField adds a constant to the payload.
type StaticField struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`

	// Parent is "document" (default) or a payload child table name.
	Parent string `yaml:"parent,omitempty"`
}

// AllFields returns the identity followed by the declared fields.
func (c *EntityConfig) AllFields() []FieldRule {
	fields := make([]FieldRule, 0, len(c.Fields)+1)
	fields = append(fields, c.Identity)
	return append(fields, c.Fields...)
}

// =============================================================================
// LOADING
// =============================================================================

// LoadEntityConfigs returns the built-in entity configs overlaid with any
// *.yaml / *.yml files found in schemasDir. A missing directory only yields
// the built-ins.
//
// RETURNS:
//   - A map keyed by entity name.
//   - An error if any file fails to read or parse.
func LoadEntityConfigs(schemasDir string) (map[string]*EntityConfig, error) {
	configs, err := loadBuiltinConfigs()
	if err != nil {
		return nil, err
	}

	if schemasDir == "" {
		return configs, nil
	}
	if _, err := os.Stat(schemasDir); os.IsNotExist(err) {
		return configs, nil
	}

	files, err := filepath.Glob(filepath.Join(schemasDir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to list schema files: %w", err)
	}
	ymlFiles, err := filepath.Glob(filepath.Join(schemasDir, "*.yml"))
	if err != nil {
		return nil, fmt.Errorf("failed to list schema files: %w", err)
	}
	files = append(files, ymlFiles...)

	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		config, err := ParseEntityConfig(data)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", file, err)
		}
		if config.Name == "" {
			config.Name = strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
		}
		if config.FieldsTemplate != "" && !filepath.IsAbs(config.FieldsTemplate) {
			config.FieldsTemplate = filepath.Join(schemasDir, config.FieldsTemplate)
		}
		configs[config.Name] = config
	}

	return configs, nil
}

// BuiltinEntityConfigs returns only the embedded defaults.
func BuiltinEntityConfigs() (map[string]*EntityConfig, error) {
	return loadBuiltinConfigs()
}

func loadBuiltinConfigs() (map[string]*EntityConfig, error) {
	configs := make(map[string]*EntityConfig)

	entries, err := fs.Glob(builtinSchemas, "schemas/*.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to list built-in schemas: %w", err)
	}

	for _, entry := range entries {
		data, err := builtinSchemas.ReadFile(entry)
		if err != nil {
			return nil, fmt.Errorf("failed to read built-in schema %s: %w", entry, err)
		}
		config, err := ParseEntityConfig(data)
		if err != nil {
			return nil, fmt.Errorf("built-in schema %s: %w", entry, err)
		}
		configs[config.Name] = config
	}

	return configs, nil
}

// ParseEntityConfig parses one entity config document and applies defaults.
func ParseEntityConfig(data []byte) (*EntityConfig, error) {
	var config EntityConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse entity config: %w", err)
	}

	applyEntityConfigDefaults(&config)
	return &config, nil
}

func applyEntityConfigDefaults(config *EntityConfig) {
	if config.Identity.Key == "" {
		config.Identity.Key = "name"
	}
	config.Identity.Required = true

	identity := []FieldRule{config.Identity}
	defaultFields(identity)
	config.Identity = identity[0]

	defaultFields(config.Fields)
	for i := range config.Collections {
		defaultFields(config.Collections[i].Fields)
	}

	for i := range config.Destination.StaticFields {
		if config.Destination.StaticFields[i].Parent == "" {
			config.Destination.StaticFields[i].Parent = ParentDocument
		}
	}
}

func defaultFields(fields []FieldRule) {
	for i := range fields {
		if fields[i].Type == "" {
			fields[i].Type = TypeString
		}
		if fields[i].Pick == "" {
			fields[i].Pick = "first"
		}
		if fields[i].Multi && fields[i].Join == "" {
			fields[i].Join = ", "
		}
	}
}

// Stages groups entity configs by stage, in ascending stage order. Names
// within a stage are sorted so runs are reproducible.
func Stages(configs []*EntityConfig) [][]*EntityConfig {
	byStage := make(map[int][]*EntityConfig)
	var stages []int
	for _, c := range configs {
		if _, ok := byStage[c.Stage]; !ok {
			stages = append(stages, c.Stage)
		}
		byStage[c.Stage] = append(byStage[c.Stage], c)
	}
	sort.Ints(stages)

	result := make([][]*EntityConfig, 0, len(stages))
	for _, s := range stages {
		group := byStage[s]
		sort.Slice(group, func(i, j int) bool { return group[i].Name < group[j].Name })
		result = append(result, group)
	}
	return result
}

// Select returns the configs named in names, or all configs when names is
// empty. Unknown names are an error.
func Select(configs map[string]*EntityConfig, names []string) ([]*EntityConfig, error) {
	if len(names) == 0 {
		all := make([]*EntityConfig, 0, len(configs))
		for _, c := range configs {
			all = append(all, c)
		}
		sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
		return all, nil
	}

	selected := make([]*EntityConfig, 0, len(names))
	for _, name := range names {
		c, ok := configs[name]
		if !ok {
			return nil, fmt.Errorf("unknown entity %q", name)
		}
		selected = append(selected, c)
	}
	return selected, nil
}
