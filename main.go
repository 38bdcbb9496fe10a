// =============================================================================
// tallysync - Main Entry Point
// =============================================================================
//
// USAGE:
//   tallysync sync        - Sync entities from Tally into ERPNext
//   tallysync extract     - Extract records from saved export files
//   tallysync normalize   - Repair one export file
//   tallysync template    - Write an XLSX fields template for an entity
//   tallysync validate    - Validate configuration files
//   tallysync version     - Display the application version
//
// ARCHITECTURE:
//   - cmd/           : CLI command definitions (Cobra)
//   - internal/      : Recovery, extraction, mapping and the HTTP adapters
//   - pkg/           : Shared file utilities
//
// A .env file in the working directory, if present, is loaded into the
// environment before anything else so credentials can live outside
// config.yaml.
//
// =============================================================================

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"

	"github.com/ginjaninja78/tallysync/cmd"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Error: failed to load .env: %v\n", err)
		os.Exit(1)
	}
	cmd.Execute()
}
