// Command auditwatch follows asynchronous website-audit jobs: it submits
// URLs, tails the per-client event stream, and keeps a crash-consistent local
// record of every job's progress.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "auditwatch: %v\n", err)
		os.Exit(1)
	}
}
