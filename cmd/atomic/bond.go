package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"atomic-network/core"
)

func newBondCmd() *cobra.Command {
	var (
		addrHex string
		level   string
	)
	cmd := &cobra.Command{
		Use:   "bond",
		Short: "Force one bond pass at the given address and level",
		Run: func(cmd *cobra.Command, args []string) {
			runBond(addrHex, level)
		},
	}
	cmd.Flags().StringVar(&addrHex, "address", "", "hex-encoded address")
	cmd.Flags().StringVar(&level, "level", "", "level to bond into (BYTE, KB, MB, GB, TB)")
	return cmd
}

func parseLevel(s string) (core.Level, error) {
	switch s {
	case "BYTE":
		return core.LevelBYTE, nil
	case "KB":
		return core.LevelKB, nil
	case "MB":
		return core.LevelMB, nil
	case "GB":
		return core.LevelGB, nil
	case "TB":
		return core.LevelTB, nil
	default:
		return 0, fmt.Errorf("unknown level %q", s)
	}
}

func runBond(addrHex, levelStr string) {
	if addrHex == "" || levelStr == "" {
		fail(fmt.Errorf("--address and --level are required"), 3)
	}
	addr, err := core.ParseAddress(addrHex)
	if err != nil {
		fail(fmt.Errorf("parse --address: %w", err), 3)
	}
	lvl, err := parseLevel(levelStr)
	if err != nil {
		fail(err, 3)
	}

	cfg := loadConfig()
	metrics := newMetrics()
	ledger, err := core.NewLedgerStore(core.LedgerConfig{RootDir: ledgerDir(cfg)})
	if err != nil {
		fail(fmt.Errorf("open ledger: %w", err), 4)
	}
	ledger.Metrics = metrics
	registry, err := core.NewTokenRegistry(core.TokenRegistryConfig{
		RootDir:  ledgerDir(cfg),
		SignAlgo: signAlgo(cfg),
		Metrics:  metrics,
	}, ledger)
	if err != nil {
		fail(fmt.Errorf("open token registry: %w", err), 4)
	}

	tokenActive := func(tokenID string) bool {
		tok, ok := registry.Get(tokenID)
		return ok && tok.IsActiveAt(tok.MintedAt)
	}

	bonder, err := core.NewBonder(addr, lvl, ledger, tokenActive)
	if err != nil {
		fail(err, 3)
	}
	bonder.Metrics = metrics

	hash, err := bonder.Attempt(context.Background())
	if err != nil {
		switch {
		case core.IsKind(err, core.KindInsufficientAtoms):
			fail(err, 10)
		case core.IsKind(err, core.KindValidatorRejected):
			fail(err, 11)
		default:
			fail(err, 11)
		}
		return
	}

	out, _ := json.Marshal(map[string]any{
		"address": addr.String(),
		"level":   lvl.String(),
		"hash":    hash.String(),
	})
	fmt.Println(string(out))
}
