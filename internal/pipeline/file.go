package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ginjaninja78/tallysync/internal/config"
	"github.com/ginjaninja78/tallysync/internal/export"
	"github.com/ginjaninja78/tallysync/internal/extractor"
	"github.com/ginjaninja78/tallysync/internal/recovery"
	"github.com/ginjaninja78/tallysync/pkg/utils"
)

// ErrNoEntityMatch is returned by MatchEntity when no entity config claims
// a file.
var ErrNoEntityMatch = errors.New("no entity config matches file")

// MatchEntity returns the first config, by name, whose file matching
// patterns match the base name of path.
func MatchEntity(path string, configs map[string]*config.EntityConfig) (*config.EntityConfig, error) {
	var match *config.EntityConfig
	for _, cfg := range configs {
		ok, err := utils.MatchesAny(path, cfg.FileMatchingPatterns)
		if err != nil {
			return nil, fmt.Errorf("entity %q: %w", cfg.Name, err)
		}
		if ok && (match == nil || cfg.Name < match.Name) {
			match = cfg
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), ErrNoEntityMatch)
	}
	return match, nil
}

// FileOptions controls where offline output goes.
type FileOptions struct {
	Files *utils.FileManager

	// NameFormat is passed to utils.GenerateOutputFileName.
	NameFormat string

	WriteWorkbook bool
	Export        export.Options
}

// FileResult is the outcome of processing one saved export file.
type FileResult struct {
	FilePath     string
	Entity       string
	OutputFile   string
	WorkbookFile string
	ArchivePath  string

	Success bool

	// ErrorType classifies Error for the error log: "match", "read",
	// "schema", "recovery", "extract" or "write".
	ErrorType string
	Error     error

	Stats       Stats
	Diagnostics []extractor.Diagnostic
	Failures    []Failure
	Duration    time.Duration
}

// ProcessFile runs the offline pipeline on one file: repair, extract, map,
// write the export and archive the input.
func (p *Pipeline) ProcessFile(ctx context.Context, path string, cfg *config.EntityConfig, fo FileOptions) FileResult {
	start := time.Now()
	result := FileResult{FilePath: path, Entity: cfg.Name}
	log := p.log.With(zap.String("file", filepath.Base(path)), zap.String("entity", cfg.Name))

	fail := func(errorType string, err error) FileResult {
		result.ErrorType = errorType
		result.Error = err
		result.Duration = time.Since(start)
		log.Error("File failed", zap.String("type", errorType), zap.Error(err))
		return result
	}

	log.Info("Processing file")

	schema, err := BuildSchema(cfg)
	if err != nil {
		return fail("schema", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return fail("read", fmt.Errorf("failed to read input file: %w", err))
	}

	batch, err := p.Extract(ctx, cfg, schema, raw)
	if batch != nil {
		result.Stats = batch.Stats
		result.Diagnostics = batch.Diagnostics
		result.Failures = batch.Failures
	}
	var recErr *recovery.Error
	if errors.As(err, &recErr) {
		return fail("recovery", err)
	}
	if err != nil {
		return fail("extract", err)
	}

	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	name := utils.GenerateOutputFileName(fo.NameFormat, map[string]string{
		"entity":   cfg.Name,
		"original": stem,
	})
	doc := export.NewDocument(cfg.Name, filepath.Base(path), batch.Entries)

	result.OutputFile = filepath.Join(fo.Files.OutputDir, name)
	if err := export.WriteJSON(result.OutputFile, doc, fo.Export); err != nil {
		return fail("write", err)
	}
	if _, err := fo.Files.ArchiveOutputFile(result.OutputFile); err != nil {
		log.Warn("Failed to archive output file", zap.Error(err))
	}

	if fo.WriteWorkbook {
		result.WorkbookFile = strings.TrimSuffix(result.OutputFile, filepath.Ext(result.OutputFile)) + ".xlsx"
		if err := export.WriteWorkbook(result.WorkbookFile, doc, schema.FieldKeys(), fo.Export); err != nil {
			return fail("write", err)
		}
	}

	archived, err := fo.Files.ArchiveInputFile(path)
	if err != nil {
		log.Warn("Failed to archive input file", zap.Error(err))
	}
	result.ArchivePath = archived

	result.Success = true
	result.Duration = time.Since(start)
	log.Info("File processed",
		zap.String("output", filepath.Base(result.OutputFile)),
		zap.Int("records", result.Stats.Extracted),
		zap.Int("dropped", result.Stats.Dropped),
		zap.Duration("duration", result.Duration))
	return result
}

// ErrorLogEntries turns a file result into error log entries: one for a
// failed file, otherwise one per diagnostic other than lookup gaps and one
// per record failure.
func (r FileResult) ErrorLogEntries() []utils.ErrorLogEntry {
	now := time.Now()
	file := filepath.Base(r.FilePath)

	var entries []utils.ErrorLogEntry
	if r.Error != nil {
		entries = append(entries, utils.ErrorLogEntry{
			Timestamp:    now,
			FileName:     file,
			Entity:       r.Entity,
			ErrorType:    r.ErrorType,
			ErrorMessage: r.Error.Error(),
		})
	}
	for _, d := range r.Diagnostics {
		if d.Kind == extractor.LookupGap {
			continue
		}
		entries = append(entries, utils.ErrorLogEntry{
			Timestamp:    now,
			FileName:     file,
			Entity:       d.Entity,
			ErrorType:    string(d.Kind),
			ErrorMessage: d.Message,
			Position:     d.Position,
			Key:          d.Key,
			FieldName:    d.Field,
			FieldValue:   d.Value,
			Row:          d.Row,
		})
	}
	for _, f := range r.Failures {
		entries = append(entries, utils.ErrorLogEntry{
			Timestamp:    now,
			FileName:     file,
			Entity:       r.Entity,
			ErrorType:    "mapping_failed",
			ErrorMessage: f.Err.Error(),
			Position:     f.Position,
			Key:          f.Key,
		})
	}
	return entries
}
