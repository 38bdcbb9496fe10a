// =============================================================================
// tallysync - Configuration Module
// =============================================================================
//
// This module loads the main application configuration and the per-entity
// extraction schemas.
//
// CONFIGURATION FILES:
//   1. Main Config (config.yaml): directories, source/destination endpoints,
//      logging and concurrency settings
//   2. Entity Configs (schemas/*.yaml): one file per entity kind (customers,
//      items, sales invoices, ...). Built-in defaults are embedded in the
//      binary and can be overridden file by file from SchemasDir.
//
// SECRETS:
//   API credentials are never read from YAML when the environment provides
//   them. See applyEnvOverrides.
//
// =============================================================================

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override values from config.yaml.
const (
	EnvSourceURL         = "TALLYSYNC_TALLY_URL"
	EnvDestinationURL    = "TALLYSYNC_ERP_URL"
	EnvDestinationKey    = "TALLYSYNC_ERP_API_KEY"
	EnvDestinationSecret = "TALLYSYNC_ERP_API_SECRET"
)

// =============================================================================
// MAIN CONFIGURATION STRUCTURE
// =============================================================================

// MainConfig holds the global application configuration.
// This is loaded from the main config.yaml file.
type MainConfig struct {
	// =========================================================================
	// DIRECTORY SETTINGS
	// =========================================================================

	// InputDir is scanned by the extract command for saved export files.
	// Default: "./input"
	InputDir string `yaml:"input_dir"`

	// OutputDir receives extracted records, error logs and summaries.
	// Default: "./output"
	OutputDir string `yaml:"output_dir"`

	// InputArchiveDir receives export files after successful extraction.
	// Default: "./input_archive"
	InputArchiveDir string `yaml:"input_archive_dir"`

	// OutputArchiveDir receives a copy of every written output file.
	// Default: "./output_archive"
	OutputArchiveDir string `yaml:"output_archive_dir"`

	// SchemasDir holds entity config overrides. Files here replace the
	// built-in schema with the same name. Missing directory is not an error.
	// Default: "./schemas"
	SchemasDir string `yaml:"schemas_dir"`

	// =========================================================================
	// OUTPUT SETTINGS
	// =========================================================================

	// OutputNameFormat is the file name pattern for extracted records.
	// Placeholders: {uuid}, {timestamp}, {date}, {time}, {entity}, {original}.
	// Default: "{entity}_{uuid}.json"
	OutputNameFormat string `yaml:"output_name_format"`

	// WriteWorkbook additionally writes an XLSX workbook next to each JSON
	// output (one sheet for records, one for line items).
	WriteWorkbook bool `yaml:"write_workbook"`

	// =========================================================================
	// LOGGING
	// =========================================================================

	// LogLevel is one of debug, info, warn, error. Default: "info"
	LogLevel string `yaml:"log_level"`

	// LogFormat is "console" or "json". Default: "console"
	LogFormat string `yaml:"log_format"`

	// =========================================================================
	// PROCESSING
	// =========================================================================

	// MaxConcurrency bounds how many documents are processed at once.
	// Default: 4
	MaxConcurrency int `yaml:"max_concurrency"`

	// ForwardVocabularyGaps sends records with unmapped enumerated values to
	// the destination anyway. By default they are held back and reported.
	ForwardVocabularyGaps bool `yaml:"forward_vocabulary_gaps"`

	// Entities lists the entity kinds the sync command runs, by name.
	// Empty means every loaded entity config.
	Entities []string `yaml:"entities"`

	// =========================================================================
	// ENDPOINTS
	// =========================================================================

	Source      SourceConfig      `yaml:"source"`
	Destination DestinationConfig `yaml:"destination"`
}

// SourceConfig describes the Tally HTTP export interface.
type SourceConfig struct {
	// URL of the Tally gateway, e.g. http://localhost:9000
	URL string `yaml:"url"`

	// Company restricts exports to one loaded company. Optional.
	Company string `yaml:"company"`

	// Timeout per request. Default: 60s
	Timeout time.Duration `yaml:"timeout"`
}

// DestinationConfig describes the ERPNext REST API.
type DestinationConfig struct {
	URL       string        `yaml:"url"`
	APIKey    string        `yaml:"api_key"`
	APISecret string        `yaml:"api_secret"`
	Timeout   time.Duration `yaml:"timeout"`

	// RetryCount applies to network errors and 5xx responses. Default: 2
	RetryCount int `yaml:"retry_count"`
}

// Configured reports whether enough settings exist to talk to ERPNext.
func (d DestinationConfig) Configured() bool {
	return d.URL != "" && d.APIKey != "" && d.APISecret != ""
}

// =============================================================================
// CONFIGURATION LOADING
// =============================================================================

// LoadMainConfig loads the main configuration from a YAML file.
//
// PARAMETERS:
//   - configPath: Path to the config.yaml file.
//
// RETURNS:
//   - A pointer to the loaded MainConfig.
//   - An error if the file cannot be read or parsed.
func LoadMainConfig(configPath string) (*MainConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseMainConfig(data)
}

// ParseMainConfig parses YAML content into a MainConfig, then applies
// defaults and environment overrides.
func ParseMainConfig(data []byte) (*MainConfig, error) {
	var config MainConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyMainConfigDefaults(&config)
	applyEnvOverrides(&config)

	if err := validateMainConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// applyMainConfigDefaults sets default values for any unset configuration fields.
func applyMainConfigDefaults(config *MainConfig) {
	if config.InputDir == "" {
		config.InputDir = "./input"
	}
	if config.OutputDir == "" {
		config.OutputDir = "./output"
	}
	if config.InputArchiveDir == "" {
		config.InputArchiveDir = "./input_archive"
	}
	if config.OutputArchiveDir == "" {
		config.OutputArchiveDir = "./output_archive"
	}
	if config.SchemasDir == "" {
		config.SchemasDir = "./schemas"
	}
	if config.OutputNameFormat == "" {
		config.OutputNameFormat = "{entity}_{uuid}.json"
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.LogFormat == "" {
		config.LogFormat = "console"
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 4
	}
	if config.Source.Timeout == 0 {
		config.Source.Timeout = 60 * time.Second
	}
	if config.Destination.Timeout == 0 {
		config.Destination.Timeout = 30 * time.Second
	}
	if config.Destination.RetryCount == 0 {
		config.Destination.RetryCount = 2
	}
}

// applyEnvOverrides replaces endpoint settings with environment values when
// present. The .env file, if any, has already been loaded into the process
// environment by main.
func applyEnvOverrides(config *MainConfig) {
	if v := os.Getenv(EnvSourceURL); v != "" {
		config.Source.URL = v
	}
	if v := os.Getenv(EnvDestinationURL); v != "" {
		config.Destination.URL = v
	}
	if v := os.Getenv(EnvDestinationKey); v != "" {
		config.Destination.APIKey = v
	}
	if v := os.Getenv(EnvDestinationSecret); v != "" {
		config.Destination.APISecret = v
	}
}

// validateMainConfig checks values that cannot be defaulted.
// Directories are created lazily by the file manager, not here.
func validateMainConfig(config *MainConfig) error {
	switch strings.ToLower(config.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", config.LogLevel)
	}

	switch config.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log_format %q", config.LogFormat)
	}

	if !strings.HasSuffix(strings.ToLower(config.OutputNameFormat), ".json") {
		return fmt.Errorf("output_name_format must end in .json, got %q", config.OutputNameFormat)
	}

	return nil
}
