// Command atomic is the ATOMIC node CLI: fission, bond, mint, and price
// subcommands over the Ledger Store, Token Registry, and Pricing Engine.
package main

import (
	"os"

	log "github.com/sirupsen/logrus"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Individual subcommands already emit the {status,error,code} JSON
		// line to stderr (spec.md §7); this just sets the process exit
		// code cobra didn't already set via os.Exit inside Run.
		log.WithField("error", err).Debug("command returned an error")
		os.Exit(1)
	}
}
