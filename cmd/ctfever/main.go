// Package main is the entry point for the ctfever command.
package main

import (
	"os"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := NewRootCommand(version, commit, date).Execute(); err != nil {
		os.Exit(1)
	}
}
