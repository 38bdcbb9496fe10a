// =============================================================================
// tallysync - Sync Command
// =============================================================================
//
// COMMAND USAGE:
//   tallysync sync [flags]
//
// FLAGS:
//   --entities : Comma separated entity kinds to sync (default: all)
//   --dry-run  : Fetch, repair, extract and map without touching ERPNext
//
// PROCESSING PIPELINE:
//   1. Load and validate configuration
//   2. Connect the Tally source and the ERPNext destination
//   3. Run the entity kinds stage by stage. Kinds in one stage run
//      concurrently, bounded by max_concurrency. A stage starts only after
//      the previous one finished, so payments see the invoices created
//      before them.
//   4. Print a summary per entity kind
//
// =============================================================================

package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ginjaninja78/tallysync/internal/config"
	"github.com/ginjaninja78/tallysync/internal/erpnext"
	"github.com/ginjaninja78/tallysync/internal/pipeline"
	"github.com/ginjaninja78/tallysync/internal/tally"
	"github.com/ginjaninja78/tallysync/internal/validation"
)

var (
	syncDryRun   bool
	syncEntities []string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync entities from Tally into ERPNext",
	Long: `The sync command asks Tally for each configured entity kind, repairs the
export, extracts records and creates the matching ERPNext documents.

Documents that already exist (by natural key) are skipped, so running sync
twice is safe. Records with unmapped enumerated values are held back and
reported unless forward_vocabulary_gaps is set.`,

	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(cmd)
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false,
		"Stop after mapping, do not contact ERPNext")
	syncCmd.Flags().StringSliceVar(&syncEntities, "entities", nil,
		"Entity kinds to sync (default: entities from config, or all)")
}

func runSync(cmd *cobra.Command) error {
	ctx := cmd.Context()
	startTime := time.Now()

	// =========================================================================
	// STEP 1: CONFIGURATION
	// =========================================================================

	env, err := loadEnvironment(cmd)
	if err != nil {
		return err
	}
	defer env.log.Sync()

	selected, err := env.selectEntities(syncEntities)
	if err != nil {
		return err
	}

	check := validation.NewValidator(validation.ValidationOptions{RequireDestination: !syncDryRun})
	if result := check.Validate(env.main, env.entities); !result.IsValid {
		fmt.Print(validation.FormatErrors(result.Errors))
		return fmt.Errorf("configuration has %d error(s)", result.ErrorCount)
	}

	// =========================================================================
	// STEP 2: ENDPOINTS
	// =========================================================================

	source, err := tally.NewClient(env.main.Source, env.log)
	if err != nil {
		return err
	}

	var dest pipeline.Destination
	if env.main.Destination.Configured() {
		client, err := erpnext.NewClient(env.main.Destination, env.log)
		if err != nil {
			return err
		}
		dest = client
	}

	p := pipeline.New(source, dest, env.log, pipeline.Options{
		DryRun:                syncDryRun,
		ForwardVocabularyGaps: env.main.ForwardVocabularyGaps,
	})

	// =========================================================================
	// STEP 3: RUN STAGES
	// =========================================================================

	var all []pipeline.Result
	for _, stage := range config.Stages(selected) {
		results := make([]pipeline.Result, len(stage))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(env.main.MaxConcurrency)
		for i, cfg := range stage {
			i, cfg := i, cfg
			g.Go(func() error {
				results[i] = p.Run(gctx, cfg)
				return nil
			})
		}
		g.Wait()

		all = append(all, results...)
		if err := ctx.Err(); err != nil {
			break
		}
	}

	// =========================================================================
	// STEP 4: SUMMARY
	// =========================================================================

	failed := printSyncSummary(all, time.Since(startTime))
	if failed > 0 {
		return fmt.Errorf("%d entity kind(s) failed", failed)
	}
	return ctx.Err()
}

func printSyncSummary(results []pipeline.Result, elapsed time.Duration) int {
	failed := 0

	fmt.Println("\n=== Sync Complete ===")
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Printf("  ✗ %-18s %v\n", r.Entity, r.Err)
			continue
		}
		s := r.Stats
		fmt.Printf("  ✓ %-18s extracted %d, dropped %d, held %d, skipped %d, created %d, failed %d\n",
			r.Entity, s.Extracted, s.Dropped, s.Held, s.Skipped, s.Created, s.Failed)
		for _, f := range r.Failures {
			fmt.Printf("      %s\n", f.Error())
		}
	}
	fmt.Printf("Time elapsed: %s\n", elapsed.Round(time.Millisecond))

	return failed
}
