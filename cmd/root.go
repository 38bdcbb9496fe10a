// =============================================================================
// tallysync - Root Command
// =============================================================================
//
// This file defines the root command for the Cobra CLI. The root command is
// the base command that all other commands are attached to.
//
// COBRA CLI STRUCTURE:
//   rootCmd (tallysync)
//   ├── syncCmd      (tallysync sync)
//   ├── extractCmd   (tallysync extract)
//   ├── normalizeCmd (tallysync normalize)
//   ├── templateCmd  (tallysync template)
//   ├── validateCmd  (tallysync validate)
//   └── versionCmd   (tallysync version)
//
// The root command owns the global flags and the shared start-up sequence:
// load config.yaml, load entity configs, build the logger.
//
// =============================================================================

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ginjaninja78/tallysync/internal/config"
	"github.com/ginjaninja78/tallysync/internal/logging"
)

// =============================================================================
// GLOBAL VARIABLES
// =============================================================================

// cfgFile holds the path to the main configuration file.
var cfgFile string

// verbose forces debug logging.
var verbose bool

// =============================================================================
// ROOT COMMAND DEFINITION
// =============================================================================

var rootCmd = &cobra.Command{
	Use:   "tallysync",
	Short: "tallysync - Repair Tally exports and sync them into ERPNext",
	Long: `tallysync pulls ledgers, stock items and vouchers out of a running Tally
instance, repairs Tally's malformed XML export, extracts typed records and
creates the matching documents in ERPNext.

Key Features:
  - Ordered, per-entity repair rules for Tally's quasi-XML
  - Declarative extraction schemas (YAML, optionally XLSX field templates)
  - Idempotent sync: existing documents are skipped by natural key
  - Offline mode for saved export files, with JSON and XLSX output

Example Usage:
  tallysync sync                          # Sync every entity kind
  tallysync sync --entities customers     # Sync one entity kind
  tallysync sync --dry-run                # Fetch, extract and map only
  tallysync extract --refs refs.csv       # Process saved exports in input_dir
  tallysync validate                      # Check configuration`,

	SilenceUsage: true,

	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// =============================================================================
// EXECUTE FUNCTION
// =============================================================================

// Execute runs the CLI. It is called by main.main(). Interrupts cancel the
// running command through its context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile,
		"config",
		"config.yaml",
		"Path to the main configuration file",
	)

	rootCmd.PersistentFlags().BoolVarP(
		&verbose,
		"verbose",
		"v",
		false,
		"Enable debug logging",
	)
}

// =============================================================================
// START-UP
// =============================================================================

// environment is everything a command needs after start-up.
type environment struct {
	main     *config.MainConfig
	entities map[string]*config.EntityConfig
	log      *zap.Logger
}

// loadEnvironment loads config.yaml and the entity configs and builds the
// logger. A missing config.yaml is only an error when --config was given
// explicitly; otherwise defaults and environment variables are used.
func loadEnvironment(cmd *cobra.Command) (*environment, error) {
	mainConfig, err := config.LoadMainConfig(cfgFile)
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		mainConfig, err = config.ParseMainConfig(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load main config: %w", err)
	}

	log, err := logging.New(logging.Options{
		Level:   mainConfig.LogLevel,
		Format:  mainConfig.LogFormat,
		Verbose: verbose,
	})
	if err != nil {
		return nil, err
	}

	entities, err := config.LoadEntityConfigs(mainConfig.SchemasDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load entity configs: %w", err)
	}

	log.Debug("Configuration loaded",
		zap.String("config", cfgFile),
		zap.String("schemas_dir", mainConfig.SchemasDir),
		zap.Int("entities", len(entities)))

	return &environment{main: mainConfig, entities: entities, log: log}, nil
}

// selectEntities returns the configs named by names, or by config.yaml's
// entities list when names is empty, or all of them.
func (env *environment) selectEntities(names []string) ([]*config.EntityConfig, error) {
	if len(names) == 0 {
		names = env.main.Entities
	}
	if len(names) == 0 {
		for name := range env.entities {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	selected := make([]*config.EntityConfig, 0, len(names))
	for _, name := range names {
		cfg, ok := env.entities[name]
		if !ok {
			return nil, fmt.Errorf("unknown entity %q", name)
		}
		selected = append(selected, cfg)
	}
	return selected, nil
}

// entity returns one config by name.
func (env *environment) entity(name string) (*config.EntityConfig, error) {
	cfg, ok := env.entities[name]
	if !ok {
		return nil, fmt.Errorf("unknown entity %q", name)
	}
	return cfg, nil
}
