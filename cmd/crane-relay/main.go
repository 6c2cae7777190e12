// crane-relay is the coordination service for venture agent sessions.
//
// It provides:
//   - Session lifecycle (start of day, heartbeat, end of day)
//   - Handoff ledger with cursor pagination
//   - Enterprise notes and context packing
//   - Cadence schedule briefings
//   - Fleet machine registry and mesh config
//   - Versioned admin documents
package main

import (
	"fmt"
	"os"

	"github.com/venturecrane/crane-relay/internal/cli"
)

// version is set at build time with -ldflags "-X main.version=...".
var version string

func main() {
	if err := cli.RootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
