package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"atomic-network/core"
	"atomic-network/pkg/config"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "atomic",
		Short: "ATOMIC node CLI: fission, bond, mint, price, and monitor",
	}
	root.AddCommand(newFissionCmd())
	root.AddCommand(newBondCmd())
	root.AddCommand(newMintCmd())
	root.AddCommand(newPriceCmd())
	root.AddCommand(newMonitorCmd())
	return root
}

// cliFailure is the single-line JSON {status,error,code} every subcommand
// emits to stderr on failure, per spec.md §7.
type cliFailure struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Code   int    `json:"code"`
}

// fail prints the JSON failure line and exits with code, matching the
// per-subcommand exit code table in spec.md §6.
func fail(err error, code int) {
	line, _ := json.Marshal(cliFailure{Status: "error", Error: err.Error(), Code: code})
	fmt.Fprintln(os.Stderr, string(line))
	os.Exit(code)
}

// loadConfig loads the ATOMIC_ENV-selected config, exiting code 4 (I/O
// error) on failure, since without it no subcommand can proceed.
func loadConfig() *config.Config {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fail(fmt.Errorf("load config: %w", err), 4)
	}
	return cfg
}

// ledgerDir resolves the ledger root directory, defaulting to ./data when
// unset (useful for local development without a full config file).
func ledgerDir(cfg *config.Config) string {
	if cfg.Ledger.Dir != "" {
		return cfg.Ledger.Dir
	}
	return "./data"
}

func signAlgo(cfg *config.Config) core.SignAlgo {
	algo, err := core.ParseSignAlgo(cfg.Crypto.SignAlgo)
	if err != nil {
		return core.AlgoEd25519
	}
	return algo
}

// newMetrics constructs the process's Prometheus collector set against the
// default registry. Registration only fails on a duplicate collector, which
// cannot happen for a freshly started process; if it ever does, the CLI
// keeps running with metrics disabled rather than failing the operation.
func newMetrics() *core.Metrics {
	m, err := core.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		logrus.WithField("error", err).Warn("metrics registration failed, continuing without metrics")
		return nil
	}
	return m
}
