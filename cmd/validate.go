// =============================================================================
// tallysync - Validate Command
// =============================================================================
//
// COMMAND USAGE:
//   tallysync validate [--strict]
//
// Loads config.yaml and every entity config (built-in and from schemas_dir),
// compiles the extraction schemas and checks the destination mappings.
// Nothing is fetched or sent.
//
// =============================================================================

package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ginjaninja78/tallysync/internal/validation"
)

var validateStrict bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration files without syncing",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnvironment(cmd)
		if err != nil {
			return err
		}
		defer env.log.Sync()

		names := make([]string, 0, len(env.entities))
		for name := range env.entities {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Printf("Loaded %d entity configuration(s)\n", len(names))
		for _, name := range names {
			cfg := env.entities[name]
			fmt.Printf("  stage %d  %-18s %s\n", cfg.Stage, name, cfg.Description)
		}
		fmt.Println()

		v := validation.NewValidator(validation.ValidationOptions{TreatWarningsAsErrors: validateStrict})
		result := v.Validate(env.main, env.entities)
		fmt.Print(validation.FormatErrors(result.Errors))

		if !result.IsValid {
			return fmt.Errorf("validation failed: %d error(s), %d warning(s)", result.ErrorCount, result.WarningCount)
		}
		fmt.Printf("\nConfiguration is valid (%d warning(s))\n", result.WarningCount)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateStrict, "strict", false, "Treat warnings as errors")
}
