// Command scanrelay watches a directory tree and uploads every file that is
// written and closed inside a mapped subdirectory to its chat destination.
// It exposes /healthz and /metrics on a local address and shuts down
// gracefully on SIGTERM or SIGINT.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "scanrelay: %v\n", err)
		os.Exit(1)
	}
}
