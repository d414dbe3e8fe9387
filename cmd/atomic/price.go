package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"atomic-network/core"
)

func newPriceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "price",
		Short: "Print the current pricing quote",
		Run: func(cmd *cobra.Command, args []string) {
			runPrice()
		},
	}
}

func runPrice() {
	cfg := loadConfig()
	quote := core.Quote(core.PricingInputs{
		CarbonPricePerKg:          cfg.Pricing.CarbonPricePerKg,
		EmissionPerNodeG:          cfg.Pricing.EmissionPerNodeG,
		RebatePerNodeCAD:          cfg.Pricing.RebatePerNodeCAD,
		MarketDemand:              cfg.Pricing.MarketDemand,
		DemandMultiplier:          cfg.Pricing.DemandMultiplier,
		CarbonFootprintMultiplier: cfg.Pricing.CarbonFootprintMultiplier,
	})
	out, _ := json.Marshal(map[string]float64{
		"baseNodePrice":      quote.BaseNodePrice,
		"effectiveNodePrice": quote.EffectiveNodePrice,
		"baseTokenPrice":     quote.BaseTokenPrice,
		"adjustedTokenPrice": quote.AdjustedTokenPrice,
	})
	fmt.Println(string(out))
}
