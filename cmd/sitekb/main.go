// Command sitekb is the entry point for the sitekb website knowledge-base
// ingester. It provides a CLI interface (via Cobra) for crawling sites,
// ingesting discovered pages, and searching the resulting index, plus an
// optional HTTP status server.
package main

import (
	"fmt"
	"os"

	"github.com/lhoofs/sitekb/cmd/sitekb/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
