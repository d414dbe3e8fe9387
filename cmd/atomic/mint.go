package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"atomic-network/core"
)

func newMintCmd() *cobra.Command {
	var (
		class  string
		serial string
	)
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint a new Proof-of-Access token and print its record",
		Run: func(cmd *cobra.Command, args []string) {
			runMint(class, serial)
		},
	}
	cmd.Flags().StringVar(&class, "class", "", "token class tag")
	cmd.Flags().StringVar(&serial, "serial", "", "hardware serial to bind the token to")
	return cmd
}

func runMint(class, serial string) {
	if class == "" || serial == "" {
		fail(fmt.Errorf("--class and --serial are required"), 3)
	}

	cfg := loadConfig()
	metrics := newMetrics()
	ledger, err := core.NewLedgerStore(core.LedgerConfig{RootDir: ledgerDir(cfg)})
	if err != nil {
		fail(fmt.Errorf("open ledger: %w", err), 4)
	}
	ledger.Metrics = metrics
	registry, err := core.NewTokenRegistry(core.TokenRegistryConfig{
		RootDir:    ledgerDir(cfg),
		SignAlgo:   signAlgo(cfg),
		HostSerial: serial,
		Metrics:    metrics,
	}, ledger)
	if err != nil {
		fail(fmt.Errorf("open token registry: %w", err), 4)
	}

	quote := core.Quote(core.PricingInputs{
		CarbonPricePerKg:          cfg.Pricing.CarbonPricePerKg,
		EmissionPerNodeG:          cfg.Pricing.EmissionPerNodeG,
		RebatePerNodeCAD:          cfg.Pricing.RebatePerNodeCAD,
		MarketDemand:              cfg.Pricing.MarketDemand,
		DemandMultiplier:          cfg.Pricing.DemandMultiplier,
		CarbonFootprintMultiplier: cfg.Pricing.CarbonFootprintMultiplier,
	})

	tok, err := registry.Mint(class, serial, quote.AdjustedTokenPrice)
	if err != nil {
		fail(err, 4)
	}

	out, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		fail(err, 4)
	}
	fmt.Println(string(out))
}
