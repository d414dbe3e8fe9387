package core

// Pricing Engine (C4): pure functions linking carbon cost to token price.
// No state, no I/O — every function is deterministic given its inputs, per
// spec.md §4.4's "engine is a pure function of its inputs" contract.

// PricingInputs is the full input set to a pricing quote. CarbonPricePerKg
// updates daily, EmissionPerNodeG weekly, RebatePerNodeCAD monthly per
// spec.md §4.4 — the engine itself does not track that cadence; callers
// (the CLI/config loader) re-quote on their own schedule.
type PricingInputs struct {
	CarbonPricePerKg          float64 // CAD per kg CO2
	EmissionPerNodeG          float64 // g CO2 per bounce
	RebatePerNodeCAD          float64 // CAD
	MarketDemand              float64
	DemandMultiplier          float64
	CarbonFootprintMultiplier float64
	TokensPerNode             float64 // defaults to 1 when zero
}

// PricingQuote is the output of a Quote call, matching spec.md §4.4's
// {baseTokenPrice, adjustedTokenPrice, effectiveNodePrice}, plus the
// intermediate baseNodePrice used by the CLI `price` command's report.
type PricingQuote struct {
	BaseNodePrice      float64
	EffectiveNodePrice float64
	BaseTokenPrice     float64
	AdjustedTokenPrice float64
}

func clampNonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

// Quote computes a full pricing quote from in, per spec.md §4.4's numeric
// contract. Negative intermediate values clamp to zero before the next
// stage consumes them.
func Quote(in PricingInputs) PricingQuote {
	tokensPerNode := in.TokensPerNode
	if tokensPerNode <= 0 {
		tokensPerNode = 1
	}

	baseNodePrice := clampNonNegative((in.EmissionPerNodeG / 1000) * in.CarbonPricePerKg)
	effectiveNodePrice := clampNonNegative(baseNodePrice - in.RebatePerNodeCAD)
	baseTokenPrice := clampNonNegative(effectiveNodePrice / tokensPerNode)
	adjustedTokenPrice := clampNonNegative(
		baseTokenPrice * (1 + in.MarketDemand*in.DemandMultiplier) * in.CarbonFootprintMultiplier,
	)

	// Quote returns full-precision values; Round2 is applied only at the
	// wire/display boundary (spec.md §6), not to the formulas themselves —
	// scenario 5's adjustedTokenPrice=10.725 has three significant decimals.
	return PricingQuote{
		BaseNodePrice:      baseNodePrice,
		EffectiveNodePrice: effectiveNodePrice,
		BaseTokenPrice:     baseTokenPrice,
		AdjustedTokenPrice: adjustedTokenPrice,
	}
}

// RebatePerGB computes the carbon-savings rebate applied as a deduction at
// the batch level (spec.md §4.4): the CAD value of emissions avoided by
// using ATOMIC's sharding pipeline instead of the traditional baseline.
func RebatePerGB(traditionalEmissionsGCO2PerGB, atomicEmissionsGCO2PerGB, carbonPricePerKg float64) float64 {
	delta := traditionalEmissionsGCO2PerGB - atomicEmissionsGCO2PerGB
	return clampNonNegative(delta) * carbonPricePerKg / 1000
}
