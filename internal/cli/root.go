// Package cli provides the cobra command tree for the tagbuild binary.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags; it defaults to "dev".
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:     "tagbuild",
	Short:   "A tag-driven, incremental build orchestrator",
	Version: Version,
	Long: `tagbuild scans a source tree, matches files against registered
action factories by tag, and drives every triggered action to
completion, re-running only what a change actually invalidates.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}
	return 0
}
