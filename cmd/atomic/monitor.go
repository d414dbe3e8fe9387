package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"atomic-network/core"
)

func newMonitorCmd() *cobra.Command {
	var (
		addrHex string
		levels  string
	)
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run the Bounce-Rate Monitor's pull-path poll loop for an address",
		Run: func(cmd *cobra.Command, args []string) {
			runMonitor(addrHex, levels)
		},
	}
	cmd.Flags().StringVar(&addrHex, "address", "", "hex-encoded address to monitor")
	cmd.Flags().StringVar(&levels, "levels", "BYTE,KB,MB,GB,TB", "comma-separated levels to scan")
	return cmd
}

func runMonitor(addrHex, levelsCSV string) {
	if addrHex == "" {
		fail(fmt.Errorf("--address is required"), 3)
	}
	addr, err := core.ParseAddress(addrHex)
	if err != nil {
		fail(fmt.Errorf("parse --address: %w", err), 3)
	}

	var channels []core.LogKey
	for _, s := range strings.Split(levelsCSV, ",") {
		lvl, err := parseLevel(strings.TrimSpace(s))
		if err != nil {
			fail(err, 3)
		}
		for _, p := range core.Particles {
			channels = append(channels, core.NewLogKey(addr, lvl, p))
		}
	}

	cfg := loadConfig()
	ledger, err := core.NewLedgerStore(core.LedgerConfig{RootDir: ledgerDir(cfg)})
	if err != nil {
		fail(fmt.Errorf("open ledger: %w", err), 4)
	}
	monitor := core.NewBounceMonitor(ledgerDir(cfg), ledger)

	interval := time.Duration(cfg.Monitor.PollMS) * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	fmt.Printf("monitoring %d channel(s) at %s interval, ctrl-c to stop\n", len(channels), interval)
	monitor.Run(ctx, channels, interval)
}
