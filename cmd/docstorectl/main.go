package main

import (
	"os"

	"github.com/docsplus/docstore/cmd/docstorectl/commands"
)

// Build-time variables injected via ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := commands.Execute(version, commit, date); err != nil {
		os.Exit(1)
	}
}
