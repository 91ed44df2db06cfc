package interfaces

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OptionChainRow is one strike of the chain with call and put quotes merged.
type OptionChainRow struct {
	Strike         decimal.Decimal `json:"strike"`
	CEPrice        decimal.Decimal `json:"ce_price"`
	CEOpenInterest int64           `json:"ce_oi"`
	PEPrice        decimal.Decimal `json:"pe_price"`
	PEOpenInterest int64           `json:"pe_oi"`
}

// OptionChain is a strike table centered on the ATM strike for one underlying
// and expiry. Synthetic is set when the rows come from the built-in fallback
// dataset rather than a live feed.
type OptionChain struct {
	Symbol    string           `json:"symbol"`
	Expiry    time.Time        `json:"expiry"`
	SpotPrice decimal.Decimal  `json:"spot_price"`
	ATMStrike decimal.Decimal  `json:"atm_strike"`
	Synthetic bool             `json:"synthetic"`
	Rows      []OptionChainRow `json:"rows"`
}

// LatestPrices flattens the chain into an instrument-key -> price map
// suitable for marking positions to market.
func (c *OptionChain) LatestPrices() map[string]decimal.Decimal {
	prices := make(map[string]decimal.Decimal, 2*len(c.Rows))
	for _, row := range c.Rows {
		strike := row.Strike.StringFixed(0)
		prices[strike+" CE"] = row.CEPrice
		prices[strike+" PE"] = row.PEPrice
	}
	return prices
}

// IndexQuote is the header quote for one index.
type IndexQuote struct {
	LastPrice     decimal.Decimal `json:"last_price"`
	PreviousClose decimal.Decimal `json:"previous_close"`
}

// IndexBoard carries the top-bar index quotes plus the market session status.
type IndexBoard struct {
	Quotes     map[string]*IndexQuote `json:"quotes"`
	MarketOpen bool                   `json:"market_open"`
	Synthetic  bool                   `json:"synthetic"`
	AsOf       time.Time              `json:"as_of"`
}

// MarketDataService is the market-data collaborator. Implementations must
// degrade to a clearly-labeled synthetic dataset instead of failing the
// caller when the upstream feed is unavailable.
type MarketDataService interface {
	GetOptionChain(ctx context.Context, symbol string, expiry time.Time, depth int) (*OptionChain, error)
	GetIndices(ctx context.Context) (*IndexBoard, error)
	GetSpotPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}
