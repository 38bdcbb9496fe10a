// =============================================================================
// tallysync - File Manager Utility
// =============================================================================
//
// File handling for offline runs:
//   - Discovering export files in the input directory
//   - Matching files to entity kinds by name pattern
//   - Archiving processed inputs and outputs
//   - Output file naming
//   - Error log and run summary files
//
// ARCHIVAL STRATEGY:
//   - Input files are moved to input_archive after successful processing
//   - Output files are copied to output_archive
//   - Failed files stay where they are so the next run retries them
//   - An archived name that already exists gets a numeric suffix
//
// =============================================================================

package utils

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// FILE MANAGER
// =============================================================================

// FileManager handles file operations for offline runs.
type FileManager struct {
	InputDir         string
	OutputDir        string
	InputArchiveDir  string
	OutputArchiveDir string

	// UseTimestampSubdirs creates date-based subdirectories in archives.
	// Example: input_archive/2024/01/15/sales.xml
	UseTimestampSubdirs bool

	// ArchiveOnSuccess determines whether to archive files after successful processing.
	ArchiveOnSuccess bool

	now func() time.Time
}

// NewFileManager creates a new FileManager with the specified directories.
func NewFileManager(inputDir, outputDir, inputArchiveDir, outputArchiveDir string) *FileManager {
	return &FileManager{
		InputDir:         inputDir,
		OutputDir:        outputDir,
		InputArchiveDir:  inputArchiveDir,
		OutputArchiveDir: outputArchiveDir,
		ArchiveOnSuccess: true,
		now:              time.Now,
	}
}

// =============================================================================
// DIRECTORY MANAGEMENT
// =============================================================================

// EnsureDirectories creates all required directories if they don't exist.
func (fm *FileManager) EnsureDirectories() error {
	for _, dir := range []string{fm.InputDir, fm.OutputDir, fm.InputArchiveDir, fm.OutputArchiveDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// =============================================================================
// FILE DISCOVERY
// =============================================================================

// DiscoverInputFiles lists the files in the input directory matching the
// glob pattern, "*.xml" by default. Matching ignores case.
func (fm *FileManager) DiscoverInputFiles(pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*.xml"
	}

	entries, err := os.ReadDir(fm.InputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan input directory: %w", err)
	}

	var result []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ok, err := MatchesAny(entry.Name(), []string{pattern})
		if err != nil {
			return nil, err
		}
		if ok {
			result = append(result, filepath.Join(fm.InputDir, entry.Name()))
		}
	}
	return result, nil
}

// MatchesAny reports whether the base name of path matches one of the glob
// patterns, ignoring case.
func MatchesAny(path string, patterns []string) (bool, error) {
	name := strings.ToLower(filepath.Base(path))
	for _, pattern := range patterns {
		ok, err := filepath.Match(strings.ToLower(pattern), name)
		if err != nil {
			return false, fmt.Errorf("invalid file pattern %q: %w", pattern, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// =============================================================================
// FILE ARCHIVAL
// =============================================================================

// ArchiveInputFile moves an input file to the archive directory.
//
// RETURNS:
//   - The path to the archived file.
//   - An error if archival fails.
func (fm *FileManager) ArchiveInputFile(filePath string) (string, error) {
	if !fm.ArchiveOnSuccess {
		return filePath, nil
	}

	archivePath, err := fm.archivePath(fm.InputArchiveDir, filePath)
	if err != nil {
		return "", err
	}

	if err := os.Rename(filePath, archivePath); err != nil {
		// Rename fails across devices, so fall back to copy and delete.
		if err := copyFile(filePath, archivePath); err != nil {
			return "", fmt.Errorf("failed to copy file to archive: %w", err)
		}
		if err := os.Remove(filePath); err != nil {
			return "", fmt.Errorf("failed to remove original file: %w", err)
		}
	}
	return archivePath, nil
}

// ArchiveOutputFile copies an output file to the archive directory. The
// original stays in the output directory.
func (fm *FileManager) ArchiveOutputFile(filePath string) (string, error) {
	if !fm.ArchiveOnSuccess {
		return filePath, nil
	}

	archivePath, err := fm.archivePath(fm.OutputArchiveDir, filePath)
	if err != nil {
		return "", err
	}
	if err := copyFile(filePath, archivePath); err != nil {
		return "", fmt.Errorf("failed to copy file to archive: %w", err)
	}
	return archivePath, nil
}

// archivePath picks a free path for filePath under archiveDir and creates
// its directory.
func (fm *FileManager) archivePath(archiveDir, filePath string) (string, error) {
	dir := archiveDir
	if fm.UseTimestampSubdirs {
		now := fm.now()
		dir = filepath.Join(archiveDir,
			fmt.Sprintf("%d", now.Year()),
			fmt.Sprintf("%02d", now.Month()),
			fmt.Sprintf("%02d", now.Day()),
		)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}

	base := filepath.Base(filePath)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	candidate := filepath.Join(dir, base)
	for n := 1; FileExists(candidate); n++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, n, ext))
	}
	return candidate, nil
}

// =============================================================================
// OUTPUT FILE NAMING
// =============================================================================

// GenerateOutputFileName expands a file name format.
//
// Placeholders:
//   {uuid}      - A random UUID
//   {timestamp} - Current timestamp (YYYYMMDD_HHMMSS)
//   {date}      - Current date (YYYYMMDD)
//   {time}      - Current time (HHMMSS)
//   {entity}    - Entity kind, from params
//   {original}  - Input file name without extension, from params
//
// The result always ends in ".json".
//
// EXAMPLE:
//   format: "{entity}_{date}_{uuid}.json"
//   params: {"entity": "sales_invoices"}
//   output: "sales_invoices_20240115_a1b2c3d4-e5f6-7890-abcd-ef1234567890.json"
func GenerateOutputFileName(format string, params map[string]string) string {
	now := time.Now()

	replacements := map[string]string{
		"{uuid}":      uuid.New().String(),
		"{timestamp}": now.Format("20060102_150405"),
		"{date}":      now.Format("20060102"),
		"{time}":      now.Format("150405"),
	}
	for key, value := range params {
		replacements["{"+key+"}"] = value
	}

	result := format
	for placeholder, value := range replacements {
		result = strings.ReplaceAll(result, placeholder, value)
	}

	if !strings.HasSuffix(strings.ToLower(result), ".json") {
		result += ".json"
	}
	return result
}

// =============================================================================
// ERROR LOG GENERATION
// =============================================================================

// ErrorLogEntry is one problem found while processing a file: a failed file
// or a single extraction diagnostic.
type ErrorLogEntry struct {
	Timestamp    time.Time
	FileName     string
	Entity       string
	ErrorType    string
	ErrorMessage string
	Position     int
	Key          string
	FieldName    string
	FieldValue   string
	Row          int
}

// WriteErrorLog writes error entries to a log file in outputDir. Nothing is
// written for an empty list.
//
// RETURNS:
//   - The path to the error log file, or "" when there was nothing to write.
//   - An error if writing fails.
func WriteErrorLog(entries []ErrorLogEntry, outputDir string) (string, error) {
	if len(entries) == 0 {
		return "", nil
	}

	logPath := filepath.Join(outputDir, fmt.Sprintf("error_log_%s.txt", time.Now().Format("20060102_150405")))
	file, err := os.Create(logPath)
	if err != nil {
		return "", fmt.Errorf("failed to create error log: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)

	fmt.Fprintf(w, "tallysync - Error Log\n"+
		"Generated: %s\n"+
		"Total Errors: %d\n"+
		"================================================================================\n\n",
		time.Now().Format("2006-01-02 15:04:05"), len(entries))

	for i, entry := range entries {
		fmt.Fprintf(w, "Error #%d\n"+
			"  Timestamp:  %s\n"+
			"  File:       %s\n"+
			"  Error Type: %s\n"+
			"  Message:    %s\n",
			i+1,
			entry.Timestamp.Format("2006-01-02 15:04:05"),
			entry.FileName,
			entry.ErrorType,
			entry.ErrorMessage)

		if entry.Entity != "" {
			fmt.Fprintf(w, "  Entity:     %s\n", entry.Entity)
		}
		if entry.Position > 0 {
			fmt.Fprintf(w, "  Position:   %d\n", entry.Position)
		}
		if entry.Key != "" {
			fmt.Fprintf(w, "  Key:        %s\n", entry.Key)
		}
		if entry.FieldName != "" {
			fmt.Fprintf(w, "  Field:      %s\n", entry.FieldName)
		}
		if entry.FieldValue != "" {
			fmt.Fprintf(w, "  Value:      %s\n", entry.FieldValue)
		}
		if entry.Row > 0 {
			fmt.Fprintf(w, "  Row:        %d\n", entry.Row)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprint(w, "================================================================================\n"+
		"End of Error Log\n")

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("failed to flush error log: %w", err)
	}
	return logPath, nil
}

// =============================================================================
// PROCESSING SUMMARY
// =============================================================================

// ProcessingSummary describes one offline run.
type ProcessingSummary struct {
	StartTime       time.Time
	EndTime         time.Time
	TotalFiles      int
	SuccessfulFiles int
	FailedFiles     int
	TotalRecords    int
	TotalLineItems  int
	DroppedEntities int
	Diagnostics     int
	ProcessedFiles  []ProcessedFileInfo
	FailedFilesList []FailedFileInfo
}

// ProcessedFileInfo describes a successfully processed file.
type ProcessedFileInfo struct {
	InputFile   string
	OutputFile  string
	ArchivePath string
	Entity      string
	Records     int
	LineItems   int
	ProcessTime time.Duration
}

// FailedFileInfo describes a file that could not be processed.
type FailedFileInfo struct {
	InputFile    string
	ErrorMessage string
	ErrorType    string
}

// WriteSummaryLog writes a run summary to outputDir.
func WriteSummaryLog(summary ProcessingSummary, outputDir string) (string, error) {
	summaryPath := filepath.Join(outputDir, fmt.Sprintf("processing_summary_%s.txt", time.Now().Format("20060102_150405")))
	file, err := os.Create(summaryPath)
	if err != nil {
		return "", fmt.Errorf("failed to create summary file: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)

	fmt.Fprintf(w, "tallysync - Processing Summary\n"+
		"================================================================================\n\n"+
		"Run Information:\n"+
		"  Start Time:  %s\n"+
		"  End Time:    %s\n"+
		"  Duration:    %s\n\n"+
		"Statistics:\n"+
		"  Total Files:      %d\n"+
		"  Successful:       %d\n"+
		"  Failed:           %d\n"+
		"  Records:          %d\n"+
		"  Line Items:       %d\n"+
		"  Dropped Entities: %d\n"+
		"  Diagnostics:      %d\n\n",
		summary.StartTime.Format("2006-01-02 15:04:05"),
		summary.EndTime.Format("2006-01-02 15:04:05"),
		summary.EndTime.Sub(summary.StartTime).String(),
		summary.TotalFiles,
		summary.SuccessfulFiles,
		summary.FailedFiles,
		summary.TotalRecords,
		summary.TotalLineItems,
		summary.DroppedEntities,
		summary.Diagnostics)

	if len(summary.ProcessedFiles) > 0 {
		fmt.Fprint(w, "Successful Files:\n"+
			"--------------------------------------------------------------------------------\n")
		for _, pf := range summary.ProcessedFiles {
			fmt.Fprintf(w, "  Input:        %s\n", pf.InputFile)
			fmt.Fprintf(w, "  Entity:       %s\n", pf.Entity)
			fmt.Fprintf(w, "  Output:       %s\n", pf.OutputFile)
			fmt.Fprintf(w, "  Records:      %d\n", pf.Records)
			fmt.Fprintf(w, "  Line Items:   %d\n", pf.LineItems)
			fmt.Fprintf(w, "  Process Time: %s\n\n", pf.ProcessTime.String())
		}
	}

	if len(summary.FailedFilesList) > 0 {
		fmt.Fprint(w, "Failed Files:\n"+
			"--------------------------------------------------------------------------------\n")
		for _, ff := range summary.FailedFilesList {
			fmt.Fprintf(w, "  File:  %s\n", ff.InputFile)
			fmt.Fprintf(w, "  Type:  %s\n", ff.ErrorType)
			fmt.Fprintf(w, "  Error: %s\n\n", ff.ErrorMessage)
		}
	}

	fmt.Fprint(w, "================================================================================\n"+
		"End of Summary\n")

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("failed to flush summary file: %w", err)
	}
	return summaryPath, nil
}

// =============================================================================
// UTILITY FUNCTIONS
// =============================================================================

// copyFile copies a file from src to dst.
func copyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	destFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer destFile.Close()

	if _, err := io.Copy(destFile, sourceFile); err != nil {
		return err
	}
	return destFile.Sync()
}

// FileExists checks if a file exists.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}
