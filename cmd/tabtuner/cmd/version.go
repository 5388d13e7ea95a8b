package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tabtuner/tabtuner/internal/version"
)

var versionJSON bool

// versionCmd prints the full build description; --version on the root
// command prints the short form.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print the version, commit, and build date of tabtuner.",
	Run: func(cmd *cobra.Command, args []string) {
		out := version.String()
		if versionJSON {
			out = version.JSON()
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "print as JSON")
	rootCmd.AddCommand(versionCmd)
}
