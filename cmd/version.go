// =============================================================================
// tallysync - Version Command
// =============================================================================
//
// COMMAND USAGE:
//   tallysync version [--short]
//
// OUTPUT:
//   tallysync
//   Version:    0.3.0
//   Build Date: 2024-01-01
//   Go Version: go1.24.0
//   Entities:   customers, items, payments, ...
//
// =============================================================================

package cmd

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ginjaninja78/tallysync/internal/config"
)

// These variables are set at build time using ldflags:
//   go build -ldflags "-X 'github.com/ginjaninja78/tallysync/cmd.Version=0.3.0'"
var (
	Version   = "0.3.0"
	BuildDate = "unknown"
)

var versionShort bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display the application version",
	Long:  `Display the application version, build date, Go runtime version and the built-in entity kinds.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if versionShort {
			fmt.Println(Version)
			return nil
		}

		builtins, err := config.BuiltinEntityConfigs()
		if err != nil {
			return err
		}
		names := make([]string, 0, len(builtins))
		for name := range builtins {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Println("tallysync")
		fmt.Printf("Version:    %s\n", Version)
		fmt.Printf("Build Date: %s\n", BuildDate)
		fmt.Printf("Go Version: %s\n", runtime.Version())
		fmt.Printf("Entities:   %s\n", strings.Join(names, ", "))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)

	versionCmd.Flags().BoolVar(&versionShort, "short", false, "Print only the version number")
}
