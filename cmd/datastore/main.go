// Command datastore runs the dataset registration daemon and the
// application server it registers datasets with.
package main

import (
	"os"

	"datastore/pkg/domain"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode separates configuration mistakes from runtime failures.
func exitCode(err error) int {
	if domain.ConfigurationError.Has(err) {
		return 2
	}
	return 1
}
