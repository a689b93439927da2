package telemetry

import "strings"

// perMillion converts a per-million-token price to a per-token price.
func perMillion(v float64) float64 { return v / 1e6 }

// modelPrice holds per-token input and output prices.
type modelPrice struct {
	input  float64
	output float64
}

// TablePricing resolves prices by longest matching model-name prefix.
type TablePricing struct {
	prices map[string]modelPrice
}

// DefaultPricing covers the commonly routed model families. Prices are
// per token, loaded from published per-million rates.
func DefaultPricing() *TablePricing {
	return &TablePricing{prices: map[string]modelPrice{
		"gpt-4o-mini":     {perMillion(0.15), perMillion(0.60)},
		"gpt-4o":          {perMillion(2.50), perMillion(10.00)},
		"gpt-4":           {perMillion(30.00), perMillion(60.00)},
		"o1-":             {perMillion(15.00), perMillion(60.00)},
		"o3-":             {perMillion(10.00), perMillion(40.00)},
		"claude-haiku":    {perMillion(0.80), perMillion(4.00)},
		"claude-sonnet":   {perMillion(3.00), perMillion(15.00)},
		"claude-opus":     {perMillion(15.00), perMillion(75.00)},
		"claude-":         {perMillion(3.00), perMillion(15.00)},
		"gemini-flash":    {perMillion(0.10), perMillion(0.40)},
		"gemini-":         {perMillion(1.25), perMillion(5.00)},
		"llama-":          {perMillion(0.20), perMillion(0.20)},
		"mixtral-":        {perMillion(0.24), perMillion(0.24)},
	}}
}

// PriceFor matches the model against known prefixes, longest prefix first.
func (t *TablePricing) PriceFor(model string) (float64, float64, bool) {
	var (
		best    modelPrice
		bestLen = -1
	)
	for prefix, price := range t.prices {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best, bestLen = price, len(prefix)
		}
	}
	if bestLen < 0 {
		return 0, 0, false
	}
	return best.input, best.output, true
}
