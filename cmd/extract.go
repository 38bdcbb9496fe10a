// =============================================================================
// tallysync - Extract Command
// =============================================================================
//
// This file defines the 'extract' command, the offline counterpart of sync.
// It works on export files saved from Tally instead of asking Tally directly.
//
// COMMAND USAGE:
//   tallysync extract [flags]
//
// FLAGS:
//   --file   : Process a single file instead of scanning input_dir
//   --entity : Use this entity kind instead of matching file names
//   --refs   : CSV reference table (ref_no,document_id) for payment
//              allocations. Without it, ERPNext is asked when configured.
//
// PROCESSING PIPELINE:
//   1. Load configuration files
//   2. Discover XML files in the input directory
//   3. Match each file to an entity config by file_matching_patterns
//   4. For each file (concurrently, bounded by max_concurrency):
//      a. Repair the export
//      b. Extract and map the records
//      c. Write the JSON output (and the XLSX workbook if enabled)
//      d. Archive the input file
//   5. Write the error log and the processing summary
//
// =============================================================================

package cmd

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ginjaninja78/tallysync/internal/config"
	"github.com/ginjaninja78/tallysync/internal/csvparser"
	"github.com/ginjaninja78/tallysync/internal/erpnext"
	"github.com/ginjaninja78/tallysync/internal/export"
	"github.com/ginjaninja78/tallysync/internal/pipeline"
	"github.com/ginjaninja78/tallysync/pkg/utils"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	extractFile   string
	extractEntity string
	extractRefs   string
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract records from saved Tally export files",
	Long: `The extract command scans the input directory for saved Tally exports,
matches each file to an entity kind and writes the extracted records, with
their ERPNext payloads, as JSON to the output directory.

Each file is processed independently, and errors in one file do not affect
the processing of others.

On success:
  - The JSON output (and optional XLSX workbook) is placed in output_dir
  - The input file is moved to input_archive_dir

On error:
  - The problem is recorded in an error log in output_dir
  - The input file stays where it is`,

	RunE: func(cmd *cobra.Command, args []string) error {
		return runExtract(cmd)
	},
}

func init() {
	rootCmd.AddCommand(extractCmd)

	extractCmd.Flags().StringVar(&extractFile, "file", "",
		"Process only this file")
	extractCmd.Flags().StringVar(&extractEntity, "entity", "",
		"Entity kind to use for every file (default: match file names)")
	extractCmd.Flags().StringVar(&extractRefs, "refs", "",
		"CSV file mapping ref_no to document_id for payment references")
}

// =============================================================================
// MAIN PROCESSING FUNCTION
// =============================================================================

func runExtract(cmd *cobra.Command) error {
	ctx := cmd.Context()
	startTime := time.Now()

	// =========================================================================
	// STEP 1: LOAD CONFIGURATION
	// =========================================================================

	env, err := loadEnvironment(cmd)
	if err != nil {
		return err
	}
	defer env.log.Sync()
	log := env.log

	fm := utils.NewFileManager(env.main.InputDir, env.main.OutputDir, env.main.InputArchiveDir, env.main.OutputArchiveDir)
	if err := fm.EnsureDirectories(); err != nil {
		return err
	}

	opts := pipeline.Options{ForwardVocabularyGaps: env.main.ForwardVocabularyGaps}
	var dest pipeline.Destination
	switch {
	case extractRefs != "":
		table, err := csvparser.LoadReferenceTable(extractRefs, csvparser.Settings{})
		if err != nil {
			return fmt.Errorf("failed to load reference table: %w", err)
		}
		log.Info("Loaded reference table", zap.String("file", extractRefs), zap.Int("references", table.Len()))
		opts.Resolver = table
	case env.main.Destination.Configured():
		client, err := erpnext.NewClient(env.main.Destination, log)
		if err != nil {
			return err
		}
		dest = client
	}
	p := pipeline.New(nil, dest, log, opts)

	// =========================================================================
	// STEP 2: DISCOVER INPUT FILES
	// =========================================================================

	inputFiles := []string{extractFile}
	if extractFile == "" {
		inputFiles, err = fm.DiscoverInputFiles("")
		if err != nil {
			return fmt.Errorf("failed to discover input files: %w", err)
		}
	}
	if len(inputFiles) == 0 {
		fmt.Println("No XML files found in the input directory.")
		return nil
	}
	fmt.Printf("Found %d file(s) to process\n", len(inputFiles))

	// =========================================================================
	// STEP 3: PROCESS FILES CONCURRENTLY
	// =========================================================================

	fo := pipeline.FileOptions{
		Files:         fm,
		NameFormat:    env.main.OutputNameFormat,
		WriteWorkbook: env.main.WriteWorkbook,
		Export:        export.DefaultOptions(),
	}

	results := make([]pipeline.FileResult, len(inputFiles))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(env.main.MaxConcurrency)
	for i, file := range inputFiles {
		i, file := i, file
		g.Go(func() error {
			cfg, err := matchFile(env, file)
			if err != nil {
				results[i] = pipeline.FileResult{FilePath: file, ErrorType: "match", Error: err}
				return nil
			}
			results[i] = p.ProcessFile(gctx, file, cfg, fo)
			return nil
		})
	}
	g.Wait()

	// =========================================================================
	// STEP 4: ERROR LOG AND SUMMARY
	// =========================================================================

	summary := utils.ProcessingSummary{
		StartTime:  startTime,
		TotalFiles: len(inputFiles),
	}
	var logEntries []utils.ErrorLogEntry

	for _, r := range results {
		logEntries = append(logEntries, r.ErrorLogEntries()...)
		summary.Diagnostics += len(r.Diagnostics)
		summary.DroppedEntities += r.Stats.Dropped

		if !r.Success {
			summary.FailedFiles++
			summary.FailedFilesList = append(summary.FailedFilesList, utils.FailedFileInfo{
				InputFile:    r.FilePath,
				ErrorMessage: r.Error.Error(),
				ErrorType:    r.ErrorType,
			})
			fmt.Printf("  ✗ %s: %v\n", filepath.Base(r.FilePath), r.Error)
			continue
		}

		summary.SuccessfulFiles++
		summary.TotalRecords += r.Stats.Extracted
		summary.TotalLineItems += r.Stats.LineItems
		summary.ProcessedFiles = append(summary.ProcessedFiles, utils.ProcessedFileInfo{
			InputFile:   r.FilePath,
			OutputFile:  r.OutputFile,
			ArchivePath: r.ArchivePath,
			Entity:      r.Entity,
			Records:     r.Stats.Extracted,
			LineItems:   r.Stats.LineItems,
			ProcessTime: r.Duration,
		})
		fmt.Printf("  ✓ %s -> %s (%d records)\n", filepath.Base(r.FilePath), filepath.Base(r.OutputFile), r.Stats.Extracted)
	}
	summary.EndTime = time.Now()

	if path, err := utils.WriteErrorLog(logEntries, fm.OutputDir); err != nil {
		log.Error("Failed to write error log", zap.Error(err))
	} else if path != "" {
		fmt.Printf("\nProblems have been logged to %s\n", path)
	}
	if path, err := utils.WriteSummaryLog(summary, fm.OutputDir); err != nil {
		log.Error("Failed to write summary", zap.Error(err))
	} else {
		log.Debug("Summary written", zap.String("path", path))
	}

	fmt.Println("\n=== Extraction Complete ===")
	fmt.Printf("Total files:     %d\n", summary.TotalFiles)
	fmt.Printf("Successful:      %d\n", summary.SuccessfulFiles)
	fmt.Printf("Errors:          %d\n", summary.FailedFiles)
	fmt.Printf("Records:         %d\n", summary.TotalRecords)
	fmt.Printf("Time elapsed:    %s\n", summary.EndTime.Sub(startTime).Round(time.Millisecond))

	if summary.FailedFiles > 0 {
		return fmt.Errorf("%d file(s) failed", summary.FailedFiles)
	}
	return nil
}

// matchFile picks the entity config for a file: --entity when given,
// otherwise by file name.
func matchFile(env *environment, file string) (*config.EntityConfig, error) {
	if extractEntity != "" {
		return env.entity(extractEntity)
	}
	cfg, err := pipeline.MatchEntity(file, env.entities)
	if errors.Is(err, pipeline.ErrNoEntityMatch) {
		return nil, fmt.Errorf("%w (use --entity)", err)
	}
	return cfg, err
}
