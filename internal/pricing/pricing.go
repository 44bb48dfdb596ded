// Package pricing converts token usage into wei using fixed-point integer
// arithmetic. Prices are kept as USD cents per 1,000,000 tokens so that every
// intermediate value is an integer; the only division happens once, at the
// very end of the conversion.
package pricing

import (
	"errors"
	"math/big"
)

var ErrUnknownModel = errors.New("unknown model")

// ModelPrice holds input/output prices in USD cents per 1,000,000 tokens.
// E.g. gpt-4o at $2.50 per 1M input tokens is Input: 250.
type ModelPrice struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

const tokensPerUnit = 1_000_000

var weiPerPOL = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

var defaultPrices = map[string]ModelPrice{
	"gpt-4.1":                      {Input: 200, Output: 800},
	"gpt-4.1-mini":                 {Input: 40, Output: 160},
	"gpt-4.1-nano":                 {Input: 10, Output: 40},
	"gpt-4.5-preview":              {Input: 7500, Output: 15000},
	"gpt-4o":                       {Input: 250, Output: 1000},
	"gpt-4o-audio-preview":         {Input: 250, Output: 1000},
	"gpt-4o-realtime-preview":      {Input: 500, Output: 2000},
	"gpt-4o-mini":                  {Input: 15, Output: 60},
	"gpt-4o-mini-audio-preview":    {Input: 15, Output: 60},
	"gpt-4o-mini-realtime-preview": {Input: 60, Output: 240},
	"o1":                           {Input: 1500, Output: 6000},
	"o1-pro":                       {Input: 15000, Output: 60000},
	"o3-pro":                       {Input: 2000, Output: 8000},
	"o3":                           {Input: 200, Output: 800},
	"o4-mini":                      {Input: 110, Output: 440},
	"o3-mini":                      {Input: 110, Output: 440},
	"o1-mini":                      {Input: 110, Output: 440},
}

// Table prices metered usage in wei of the chain's native token (POL).
type Table struct {
	prices         map[string]ModelPrice
	usdCentsPerPOL int64
}

// NewTable builds a table over the built-in model prices. usdCentsPerPOL is
// the POL/USD conversion rate in whole cents (e.g. 19 for $0.19 per POL).
func NewTable(usdCentsPerPOL int64) *Table {
	return &Table{prices: defaultPrices, usdCentsPerPOL: usdCentsPerPOL}
}

// NewTableWithPrices is NewTable with an explicit price map (tests, overrides).
func NewTableWithPrices(usdCentsPerPOL int64, prices map[string]ModelPrice) *Table {
	return &Table{prices: prices, usdCentsPerPOL: usdCentsPerPOL}
}

// Cost returns the wei cost of a completed request.
//
//	scaled = in*price.Input + out*price.Output    // micro-cents, summed
//	wei    = scaled * 1e18 / (1e6 * rate)         // single truncating division
//
// where rate is USD cents per POL. Summing before dividing preserves
// precision; truncation rounds down.
func (t *Table) Cost(model string, inputTokens, outputTokens int64) (*big.Int, error) {
	price, ok := t.prices[model]
	if !ok {
		return nil, ErrUnknownModel
	}

	scaled := new(big.Int).Mul(big.NewInt(inputTokens), big.NewInt(price.Input))
	scaled.Add(scaled, new(big.Int).Mul(big.NewInt(outputTokens), big.NewInt(price.Output)))

	// scaled/1e6 is the cost in USD cents; cents/rate is the cost in POL.
	num := scaled.Mul(scaled, weiPerPOL)
	den := new(big.Int).Mul(big.NewInt(tokensPerUnit), big.NewInt(t.usdCentsPerPOL))
	return num.Div(num, den), nil
}

// MaxCost returns the admission ceiling for a voucher: the cost if the
// provider were to emit maxOutputTokens. Reservations are taken at this bound.
func (t *Table) MaxCost(model string, inputTokens, maxOutputTokens int64) (*big.Int, error) {
	return t.Cost(model, inputTokens, maxOutputTokens)
}

// Known reports whether the table carries a price for model.
func (t *Table) Known(model string) bool {
	_, ok := t.prices[model]
	return ok
}

// Models returns a copy of the price table for the pricing endpoint.
func (t *Table) Models() map[string]ModelPrice {
	out := make(map[string]ModelPrice, len(t.prices))
	for m, p := range t.prices {
		out[m] = p
	}
	return out
}

// USDCentsPerPOL returns the configured conversion rate.
func (t *Table) USDCentsPerPOL() int64 { return t.usdCentsPerPOL }
