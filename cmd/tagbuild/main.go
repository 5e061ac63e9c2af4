// Command tagbuild is the CLI for the tag-driven incremental build
// orchestrator: it scans a source tree, matches files against registered
// action factories by tag, and drives every triggered action to
// completion.
package main

import (
	"os"

	"tagbuild/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
