package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyntheticChain(t *testing.T) {
	t.Parallel()

	svc := NewKiteMarketData("", "") // no access token -> synthetic mode
	expiry := time.Date(2026, 9, 3, 0, 0, 0, 0, time.UTC)

	chain, err := svc.GetOptionChain(context.Background(), SymbolNifty, expiry, 10)
	require.NoError(t, err)

	assert.True(t, chain.Synthetic, "fallback data must be labeled synthetic")
	assert.Equal(t, SymbolNifty, chain.Symbol)
	require.Len(t, chain.Rows, 11)

	// Strikes run base-5*step .. base+5*step in ascending order
	assert.True(t, decimal.NewFromInt(23750).Equal(chain.Rows[0].Strike))
	assert.True(t, decimal.NewFromInt(24250).Equal(chain.Rows[10].Strike))

	// Calls rise and puts fall with the strike index
	assert.True(t, decimal.NewFromInt(100).Equal(chain.Rows[0].CEPrice))
	assert.True(t, decimal.NewFromInt(150).Equal(chain.Rows[0].PEPrice))
	assert.True(t, decimal.NewFromInt(200).Equal(chain.Rows[10].CEPrice))
	assert.True(t, decimal.NewFromInt(50).Equal(chain.Rows[10].PEPrice))
	assert.Equal(t, int64(10000), chain.Rows[0].CEOpenInterest)
	assert.Equal(t, int64(8000), chain.Rows[0].PEOpenInterest)
}

func TestChainSpotFailureFallsBackToSynthetic(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	svc := NewKiteMarketData("key", "token") // live mode
	svc.baseURL = srv.URL
	expiry := time.Date(2026, 9, 3, 0, 0, 0, 0, time.UTC)

	// When the spot fetch fails the whole chain must degrade to the labeled
	// synthetic dataset, never a live-looking chain around a synthetic ATM.
	chain, err := svc.GetOptionChain(context.Background(), SymbolNifty, expiry, 10)
	require.NoError(t, err)
	assert.True(t, chain.Synthetic)
	require.Len(t, chain.Rows, 11)
	assert.True(t, decimal.NewFromInt(24100).Equal(chain.SpotPrice))
}

func TestSyntheticChainBankNifty(t *testing.T) {
	t.Parallel()

	svc := NewKiteMarketData("", "")
	chain, err := svc.GetOptionChain(context.Background(), SymbolBankNifty, time.Now(), 10)
	require.NoError(t, err)

	require.Len(t, chain.Rows, 11)
	assert.True(t, decimal.NewFromInt(47500).Equal(chain.Rows[0].Strike))
	assert.True(t, decimal.NewFromInt(48500).Equal(chain.Rows[10].Strike))
}

func TestLatestPrices(t *testing.T) {
	t.Parallel()

	svc := NewKiteMarketData("", "")
	chain, err := svc.GetOptionChain(context.Background(), SymbolNifty, time.Now(), 10)
	require.NoError(t, err)

	prices := chain.LatestPrices()
	assert.Len(t, prices, 22)

	ce, ok := prices["24000 CE"]
	require.True(t, ok)
	assert.True(t, decimal.NewFromInt(150).Equal(ce))
	pe, ok := prices["24000 PE"]
	require.True(t, ok)
	assert.True(t, decimal.NewFromInt(100).Equal(pe))
}

func TestATMStrike(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		spot string
		step int64
		want int64
	}{
		{"round_down", "24110", 50, 24100},
		{"round_up", "24130", 50, 24150},
		{"exact", "24100", 50, 24100},
		{"bank_step", "48060", 100, 48100},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := atmStrike(decimal.RequireFromString(tt.spot), tt.step)
			assert.True(t, decimal.NewFromInt(tt.want).Equal(got), "got %s", got)
		})
	}
}

func TestNextThursday(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		now  time.Time
		want string
	}{
		{"monday", time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC), "2026-08-27"},
		{"thursday_maps_to_itself", time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC), "2026-08-27"},
		{"friday", time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC), "2026-09-03"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := NextThursday(tt.now)
			assert.Equal(t, tt.want, got.Format("2006-01-02"))
		})
	}
}

func TestMarketOpen(t *testing.T) {
	t.Parallel()

	svc := NewKiteMarketData("", "")
	ist, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"mid_session", time.Date(2026, 8, 28, 11, 0, 0, 0, ist), true},  // Friday
		{"before_open", time.Date(2026, 8, 28, 9, 0, 0, 0, ist), false},
		{"after_close", time.Date(2026, 8, 28, 16, 0, 0, 0, ist), false},
		{"saturday", time.Date(2026, 8, 29, 11, 0, 0, 0, ist), false},
		{"open_boundary", time.Date(2026, 8, 28, 9, 15, 0, 0, ist), true},
		{"close_boundary", time.Date(2026, 8, 28, 15, 30, 0, 0, ist), true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, svc.MarketOpen(tt.at))
		})
	}
}

func TestGetIndicesSynthetic(t *testing.T) {
	t.Parallel()

	svc := NewKiteMarketData("", "")
	board, err := svc.GetIndices(context.Background())
	require.NoError(t, err)

	assert.True(t, board.Synthetic)
	require.Contains(t, board.Quotes, IndexNifty)
	require.Contains(t, board.Quotes, IndexBankNifty)

	nifty := board.Quotes[IndexNifty]
	assert.True(t, decimal.NewFromFloat(24100).Equal(nifty.PreviousClose))
	// The synthetic last price fluctuates within a narrow band of the base
	diff := nifty.LastPrice.Sub(nifty.PreviousClose)
	assert.True(t, diff.GreaterThanOrEqual(decimal.NewFromInt(-10)))
	assert.True(t, diff.LessThanOrEqual(decimal.NewFromInt(20)))
}

func TestParseInstrumentsCSV(t *testing.T) {
	t.Parallel()

	csvDump := strings.Join([]string{
		"instrument_token,exchange_token,tradingsymbol,name,last_price,expiry,strike,tick_size,lot_size,instrument_type,segment,exchange",
		"12345,48,NIFTY26SEP24000CE,NIFTY,0,2026-09-03,24000,0.05,50,CE,NFO-OPT,NFO",
		"12346,48,NIFTY26SEP24000PE,NIFTY,0,2026-09-03,24000,0.05,50,PE,NFO-OPT,NFO",
		"99999,48,NIFTY26SEPFUT,NIFTY,0,2026-09-03,0,0.05,50,FUT,NFO-FUT,NFO",
	}, "\n")

	instruments, err := parseInstrumentsCSV(strings.NewReader(csvDump))
	require.NoError(t, err)

	// Futures rows are skipped, option legs kept
	require.Len(t, instruments, 2)
	assert.Equal(t, "NIFTY26SEP24000CE", instruments[0].TradingSymbol)
	assert.Equal(t, "CE", instruments[0].InstrumentType)
	assert.Equal(t, 24000.0, instruments[0].Strike)
	assert.Equal(t, "2026-09-03", instruments[0].Expiry.Format("2006-01-02"))
}
