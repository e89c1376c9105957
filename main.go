package main

import (
	"fmt"
	"os"

	"github.com/forcedaq/forcedaq/cmd"
	"github.com/forcedaq/forcedaq/internal/buildinfo"
)

// Set at build time with -ldflags "-X main.version=... -X main.buildDate=...".
var (
	version   string
	buildDate string
)

func main() {
	build := &buildinfo.Context{Version: version, BuildDate: buildDate}
	if err := cmd.RootCommand(build).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
