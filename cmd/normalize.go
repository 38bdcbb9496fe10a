package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ginjaninja78/tallysync/internal/config"
	"github.com/ginjaninja78/tallysync/internal/pipeline"
	"github.com/ginjaninja78/tallysync/internal/recovery"
)

var (
	normalizeEntity string
	normalizeOutput string
)

// normalizeCmd writes the repaired form of one export file. Useful when a
// new Tally build produces a malformation the rules do not know yet.
var normalizeCmd = &cobra.Command{
	Use:   "normalize FILE",
	Short: "Repair one Tally export file and print the well-formed XML",
	Long: `The normalize command applies the repair rules of an entity kind to one
file and writes the result to stdout (or --output). If the repaired text is
still not well-formed, the line of the first syntax error is reported and
the repaired text is written anyway so it can be inspected.`,
	Args: cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		return runNormalize(cmd, args[0])
	},
}

func init() {
	rootCmd.AddCommand(normalizeCmd)

	normalizeCmd.Flags().StringVar(&normalizeEntity, "entity", "",
		"Entity kind whose repair rules to use (default: match file name)")
	normalizeCmd.Flags().StringVarP(&normalizeOutput, "output", "o", "",
		"Write the repaired XML to this file instead of stdout")
}

func runNormalize(cmd *cobra.Command, path string) error {
	env, err := loadEnvironment(cmd)
	if err != nil {
		return err
	}
	defer env.log.Sync()

	var settings config.RecoverySettings
	switch cfg, err := pickNormalizeEntity(env, path); {
	case err == nil:
		settings = cfg.Recovery
		env.log.Debug("Using repair rules", zap.String("entity", cfg.Name))
	case errors.Is(err, pipeline.ErrNoEntityMatch):
		env.log.Warn("No entity matches file, using default repair rules", zap.String("file", path))
	default:
		return err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}

	n := recovery.NewNormalizer(recovery.DefaultRules(settings), env.log)
	var text string
	doc, parseErr := n.Normalize(raw)
	if parseErr == nil {
		text = doc.Text
	} else {
		text = n.Repair(raw)
	}

	if normalizeOutput == "" {
		fmt.Println(text)
	} else if err := os.WriteFile(normalizeOutput, []byte(text), 0o644); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	if parseErr != nil {
		return fmt.Errorf("repaired document is still not well-formed: %w", parseErr)
	}
	return nil
}

func pickNormalizeEntity(env *environment, path string) (*config.EntityConfig, error) {
	if normalizeEntity != "" {
		return env.entity(normalizeEntity)
	}
	return pipeline.MatchEntity(path, env.entities)
}
