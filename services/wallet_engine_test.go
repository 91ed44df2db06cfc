package services

import (
	"testing"
	"time"

	"paper-trader/interfaces"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLedger is an in-memory interfaces.LedgerStore for engine tests.
type fakeLedger struct {
	accounts  map[string]*interfaces.Account
	trades    []*interfaces.TradeLogEntry
	saveCalls int
	failSave  bool
	failLog   bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{accounts: make(map[string]*interfaces.Account)}
}

func (f *fakeLedger) Load(username string) (*interfaces.Account, error) {
	if acc, ok := f.accounts[username]; ok {
		return acc.Clone(), nil
	}
	acc := &interfaces.Account{
		Username:    username,
		Balance:     decimal.NewFromInt(100000),
		RealizedPnL: decimal.Zero,
		Positions:   []*interfaces.Position{},
	}
	f.accounts[username] = acc.Clone()
	return acc, nil
}

func (f *fakeLedger) Save(username string, account *interfaces.Account) error {
	f.saveCalls++
	if f.failSave {
		return assert.AnError
	}
	f.accounts[username] = account.Clone()
	return nil
}

func (f *fakeLedger) AppendTrade(username string, side interfaces.Side, instrument string, qty int64, price decimal.Decimal, at time.Time) error {
	if f.failLog {
		return assert.AnError
	}
	f.trades = append(f.trades, &interfaces.TradeLogEntry{
		Username:   username,
		Action:     side.String(),
		Instrument: instrument,
		Quantity:   qty,
		Price:      price,
		Timestamp:  at,
	})
	return nil
}

func (f *fakeLedger) Trades(username string) ([]*interfaces.TradeLogEntry, error) {
	return f.trades, nil
}

func (f *fakeLedger) Reset(username string) error {
	delete(f.accounts, username)
	f.trades = nil
	return nil
}

func newTestAccount() *interfaces.Account {
	return &interfaces.Account{
		Username:    "alice",
		Balance:     decimal.NewFromInt(100000),
		RealizedPnL: decimal.Zero,
		Positions:   []*interfaces.Position{},
	}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

func TestExecuteTradeScenario(t *testing.T) {
	t.Parallel()

	ledger := newFakeLedger()
	engine := NewWalletEngine(ledger)
	account := newTestAccount()

	// Buy 50 of "24000 CE" at 100
	result, err := engine.ExecuteTrade(account, interfaces.SideBuy, "24000 CE", 50, dec("100"))
	require.NoError(t, err)
	assert.Equal(t, "Buy order executed", result.Message)
	assertDecimal(t, "95000", account.Balance)
	require.Len(t, account.Positions, 1)
	assert.Equal(t, int64(50), account.Positions[0].Quantity)
	assertDecimal(t, "100", account.Positions[0].AvgPrice)

	// Buy another 50 at 120
	_, err = engine.ExecuteTrade(account, interfaces.SideBuy, "24000 CE", 50, dec("120"))
	require.NoError(t, err)
	assertDecimal(t, "89000", account.Balance)
	require.Len(t, account.Positions, 1)
	assert.Equal(t, int64(100), account.Positions[0].Quantity)
	assertDecimal(t, "110", account.Positions[0].AvgPrice)

	// Sell 100 at 130
	result, err = engine.ExecuteTrade(account, interfaces.SideSell, "24000 CE", 100, dec("130"))
	require.NoError(t, err)
	assertDecimal(t, "102000", account.Balance)
	assertDecimal(t, "2000", account.RealizedPnL)
	assertDecimal(t, "2000", result.RealizedPnL)
	assert.Empty(t, account.Positions)

	// Persisted state matches in-memory state
	stored := ledger.accounts["alice"]
	assertDecimal(t, "102000", stored.Balance)
	assertDecimal(t, "2000", stored.RealizedPnL)

	// One audit row per executed trade
	assert.Len(t, ledger.trades, 3)
}

func TestBuyWeightedAverage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		buys        [][2]string // qty, price
		wantQty     int64
		wantAvg     string
		wantBalance string
	}{
		{
			name:        "single_buy",
			buys:        [][2]string{{"10", "250"}},
			wantQty:     10,
			wantAvg:     "250",
			wantBalance: "97500",
		},
		{
			name:        "equal_lots",
			buys:        [][2]string{{"50", "100"}, {"50", "120"}},
			wantQty:     100,
			wantAvg:     "110",
			wantBalance: "89000",
		},
		{
			name:        "unequal_lots",
			buys:        [][2]string{{"30", "100"}, {"10", "140"}},
			wantQty:     40,
			wantAvg:     "110",
			wantBalance: "95600",
		},
		{
			name:        "fractional_average",
			buys:        [][2]string{{"3", "100"}, {"1", "101"}},
			wantQty:     4,
			wantAvg:     "100.25",
			wantBalance: "99599",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			engine := NewWalletEngine(newFakeLedger())
			account := newTestAccount()

			for _, buy := range tt.buys {
				qty := dec(buy[0]).IntPart()
				_, err := engine.ExecuteTrade(account, interfaces.SideBuy, "24000 CE", qty, dec(buy[1]))
				require.NoError(t, err)
			}

			require.Len(t, account.Positions, 1)
			assert.Equal(t, tt.wantQty, account.Positions[0].Quantity)
			assertDecimal(t, tt.wantAvg, account.Positions[0].AvgPrice)
			assertDecimal(t, tt.wantBalance, account.Balance)
		})
	}
}

func TestBuyInsufficientBalance(t *testing.T) {
	t.Parallel()

	ledger := newFakeLedger()
	engine := NewWalletEngine(ledger)
	account := newTestAccount()

	_, err := engine.ExecuteTrade(account, interfaces.SideBuy, "24000 CE", 1000, dec("150"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// State untouched, nothing persisted
	assertDecimal(t, "100000", account.Balance)
	assert.Empty(t, account.Positions)
	assert.Zero(t, ledger.saveCalls)
	assert.Empty(t, ledger.trades)
}

func TestSellValidation(t *testing.T) {
	t.Parallel()

	engine := NewWalletEngine(newFakeLedger())
	account := newTestAccount()

	_, err := engine.ExecuteTrade(account, interfaces.SideBuy, "24000 CE", 50, dec("100"))
	require.NoError(t, err)

	t.Run("no_open_position", func(t *testing.T) {
		_, err := engine.ExecuteTrade(account, interfaces.SideSell, "24500 PE", 50, dec("100"))
		assert.ErrorIs(t, err, ErrNoOpenPosition)
	})

	t.Run("insufficient_quantity", func(t *testing.T) {
		_, err := engine.ExecuteTrade(account, interfaces.SideSell, "24000 CE", 75, dec("100"))
		require.ErrorIs(t, err, ErrInsufficientQuantity)
		// The message must state the available quantity
		assert.Contains(t, err.Error(), "you have 50")
	})

	t.Run("state_unchanged_after_rejections", func(t *testing.T) {
		assertDecimal(t, "95000", account.Balance)
		require.Len(t, account.Positions, 1)
		assert.Equal(t, int64(50), account.Positions[0].Quantity)
		assertDecimal(t, "100", account.Positions[0].AvgPrice)
	})
}

func TestSellPartialAndFull(t *testing.T) {
	t.Parallel()

	engine := NewWalletEngine(newFakeLedger())
	account := newTestAccount()

	_, err := engine.ExecuteTrade(account, interfaces.SideBuy, "24000 CE", 100, dec("100"))
	require.NoError(t, err)

	// Partial sell: avg price unchanged, quantity reduced
	result, err := engine.ExecuteTrade(account, interfaces.SideSell, "24000 CE", 40, dec("110"))
	require.NoError(t, err)
	assertDecimal(t, "400", result.RealizedPnL)
	require.Len(t, account.Positions, 1)
	assert.Equal(t, int64(60), account.Positions[0].Quantity)
	assertDecimal(t, "100", account.Positions[0].AvgPrice)

	// Full close removes the position entirely
	result, err = engine.ExecuteTrade(account, interfaces.SideSell, "24000 CE", 60, dec("90"))
	require.NoError(t, err)
	assertDecimal(t, "-600", result.RealizedPnL)
	assert.Empty(t, account.Positions)
	assertDecimal(t, "-200", account.RealizedPnL)

	// A later buy starts a fresh cost basis
	_, err = engine.ExecuteTrade(account, interfaces.SideBuy, "24000 CE", 10, dec("55"))
	require.NoError(t, err)
	require.Len(t, account.Positions, 1)
	assertDecimal(t, "55", account.Positions[0].AvgPrice)
}

func TestExecuteTradeInvalidInput(t *testing.T) {
	t.Parallel()

	engine := NewWalletEngine(newFakeLedger())
	account := newTestAccount()

	_, err := engine.ExecuteTrade(account, interfaces.SideBuy, "24000 CE", 0, dec("100"))
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = engine.ExecuteTrade(account, interfaces.SideBuy, "24000 CE", -5, dec("100"))
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = engine.ExecuteTrade(account, interfaces.SideBuy, "24000 CE", 10, dec("-1"))
	assert.ErrorIs(t, err, ErrInvalidPrice)

	assertDecimal(t, "100000", account.Balance)
	assert.Empty(t, account.Positions)
}

func TestPersistenceFailureLeavesStateUntouched(t *testing.T) {
	t.Parallel()

	ledger := newFakeLedger()
	engine := NewWalletEngine(ledger)
	account := newTestAccount()

	_, err := engine.ExecuteTrade(account, interfaces.SideBuy, "24000 CE", 50, dec("100"))
	require.NoError(t, err)

	ledger.failSave = true
	_, err = engine.ExecuteTrade(account, interfaces.SideBuy, "24000 CE", 50, dec("120"))
	require.Error(t, err)

	// The failed trade must not leak into memory or the store
	assertDecimal(t, "95000", account.Balance)
	assert.Equal(t, int64(50), account.Positions[0].Quantity)
	assertDecimal(t, "100", account.Positions[0].AvgPrice)
	assertDecimal(t, "95000", ledger.accounts["alice"].Balance)
}

func TestTradeLogFailureDoesNotFailTrade(t *testing.T) {
	t.Parallel()

	ledger := newFakeLedger()
	engine := NewWalletEngine(ledger)
	account := newTestAccount()

	ledger.failLog = true
	_, err := engine.ExecuteTrade(account, interfaces.SideBuy, "24000 CE", 50, dec("100"))
	require.NoError(t, err)
	assertDecimal(t, "95000", account.Balance)
	assertDecimal(t, "95000", ledger.accounts["alice"].Balance)
}

func TestMarkToMarket(t *testing.T) {
	t.Parallel()

	ledger := newFakeLedger()
	engine := NewWalletEngine(ledger)
	account := newTestAccount()

	_, err := engine.ExecuteTrade(account, interfaces.SideBuy, "24000 CE", 50, dec("100"))
	require.NoError(t, err)
	_, err = engine.ExecuteTrade(account, interfaces.SideBuy, "24500 PE", 20, dec("80"))
	require.NoError(t, err)

	savesBefore := ledger.saveCalls

	prices := map[string]decimal.Decimal{
		"24000 CE": dec("110"),
		// no quote for "24500 PE"
	}

	total := engine.MarkToMarket(account, prices)
	// (110-100)*50 = 500 unrealized on the CE leg, PE leg never marked
	assertDecimal(t, "500", total)
	assertDecimal(t, "110", account.Positions[0].CurrentPrice)
	assertDecimal(t, "500", account.Positions[0].UnrealizedPnL)

	// Pure recompute: same input, same output, nothing persisted
	total = engine.MarkToMarket(account, prices)
	assertDecimal(t, "500", total)
	assertDecimal(t, "0", account.RealizedPnL)
	assert.Equal(t, savesBefore, ledger.saveCalls)

	// A position without a quote retains its previous unrealized value
	engine.MarkToMarket(account, map[string]decimal.Decimal{"24500 PE": dec("90")})
	assertDecimal(t, "500", account.Positions[0].UnrealizedPnL)
	assertDecimal(t, "200", account.Positions[1].UnrealizedPnL)

	total = engine.MarkToMarket(account, map[string]decimal.Decimal{})
	assertDecimal(t, "700", total)
	require.Len(t, account.Positions, 2)
}

func TestResetAccount(t *testing.T) {
	t.Parallel()

	ledger := newFakeLedger()
	engine := NewWalletEngine(ledger)
	account := newTestAccount()

	_, err := engine.ExecuteTrade(account, interfaces.SideBuy, "24000 CE", 50, dec("100"))
	require.NoError(t, err)

	fresh, err := engine.ResetAccount("alice")
	require.NoError(t, err)
	assertDecimal(t, "100000", fresh.Balance)
	assertDecimal(t, "0", fresh.RealizedPnL)
	assert.Empty(t, fresh.Positions)
	assert.Empty(t, ledger.trades)
}
