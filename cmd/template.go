package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ginjaninja78/tallysync/internal/config"
	"github.com/ginjaninja78/tallysync/internal/xlsxparser"
)

var templateOutput string

// templateCmd writes an entity's current field rules as an XLSX fields
// template, a starting point for accountants who extend a schema.
var templateCmd = &cobra.Command{
	Use:   "template ENTITY",
	Short: "Write an entity's field rules as an XLSX fields template",
	Long: `The template command writes the field rules of an entity kind to an XLSX
workbook: entity fields on the first sheet, one sheet per collection.

Edit the workbook, keep only the rows you add, and reference it from the
entity config with fields_template.`,
	Args: cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnvironment(cmd)
		if err != nil {
			return err
		}
		defer env.log.Sync()

		cfg, err := env.entity(args[0])
		if err != nil {
			return err
		}

		tmpl := &xlsxparser.Template{
			Fields:      cfg.Fields,
			Collections: make(map[string][]config.FieldRule, len(cfg.Collections)),
		}
		for _, c := range cfg.Collections {
			tmpl.Collections[c.Key] = c.Fields
		}

		path := templateOutput
		if path == "" {
			path = cfg.Name + "_fields.xlsx"
		}
		if err := xlsxparser.WriteTemplate(path, tmpl); err != nil {
			return err
		}
		fmt.Printf("Wrote %s (%d fields, %d collections)\n", path, len(tmpl.Fields), len(tmpl.Collections))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(templateCmd)

	templateCmd.Flags().StringVarP(&templateOutput, "output", "o", "",
		"Output file (default: <entity>_fields.xlsx)")
}
