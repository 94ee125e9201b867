// Package metrics computes per-request usage and cost records from upstream
// streaming events.
package metrics

import "strings"

// ModelPricing holds USD prices per million tokens.
type ModelPricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// PricingTable resolves model identifiers to prices. Lookup order: exact
// match, then longest matching prefix, then the default entry when present.
type PricingTable struct {
	exact        map[string]ModelPricing
	prefixes     map[string]ModelPricing
	defaultPrice *ModelPricing
}

// NewPricingTable builds a table from exact entries and prefix families.
// defaultPrice may be nil, in which case unknown models have no price.
func NewPricingTable(exact map[string]ModelPricing, prefixes map[string]ModelPricing, defaultPrice *ModelPricing) *PricingTable {
	return &PricingTable{exact: exact, prefixes: prefixes, defaultPrice: defaultPrice}
}

// Lookup returns the pricing for a model and whether one was found.
func (t *PricingTable) Lookup(model string) (ModelPricing, bool) {
	if t == nil {
		return ModelPricing{}, false
	}
	if p, ok := t.exact[model]; ok {
		return p, true
	}
	var (
		best    ModelPricing
		bestLen = -1
	)
	for prefix, p := range t.prefixes {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best = p
			bestLen = len(prefix)
		}
	}
	if bestLen >= 0 {
		return best, true
	}
	if t.defaultPrice != nil {
		return *t.defaultPrice, true
	}
	return ModelPricing{}, false
}

// CachedReadDiscount is the multiplier applied to cached input tokens.
const CachedReadDiscount = 0.1

// Cost computes the USD cost for a usage split. Cached input tokens are a
// subset of input tokens and are billed at the discounted rate.
func (p ModelPricing) Cost(inputTokens, outputTokens, cachedTokens int) float64 {
	if cachedTokens > inputTokens {
		cachedTokens = inputTokens
	}
	fresh := float64(inputTokens-cachedTokens) * p.InputPerMTok
	cached := float64(cachedTokens) * p.InputPerMTok * CachedReadDiscount
	out := float64(outputTokens) * p.OutputPerMTok
	return (fresh + cached + out) / 1_000_000
}
