package services

import (
	"errors"
	"fmt"
	"time"

	"paper-trader/interfaces"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Trade-validation errors are expected user-facing conditions: the operation
// aborts with a readable message and no state change.
var (
	ErrInvalidQuantity      = errors.New("quantity must be a positive number")
	ErrInvalidPrice         = errors.New("price must not be negative")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrNoOpenPosition       = errors.New("no open position to sell")
	ErrInsufficientQuantity = errors.New("not enough quantity")
)

// TradeResult reports the outcome of an executed trade.
type TradeResult struct {
	Side        interfaces.Side `json:"side"`
	Instrument  string          `json:"instrument"`
	Quantity    int64           `json:"qty"`
	Price       decimal.Decimal `json:"price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Message     string          `json:"message"`
	ExecutedAt  time.Time       `json:"executed_at"`
}

// WalletEngine applies trade intents to an account under average-cost
// accounting and marks open positions to market. It holds no state of its
// own; the account passed in is the single source of in-memory truth.
type WalletEngine struct {
	store  interfaces.LedgerStore
	logger *logrus.Logger
}

// NewWalletEngine creates a new wallet engine backed by the given store.
func NewWalletEngine(store interfaces.LedgerStore) *WalletEngine {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	return &WalletEngine{
		store:  store,
		logger: logger,
	}
}

// ExecuteTrade applies one buy or sell intent to the account. The mutation is
// performed on a deep copy which is persisted first and swapped into the
// caller's account only on success, so a persistence failure leaves both the
// in-memory and the stored state untouched. The caller must serialize calls
// for the same account; concurrent trades against one account would clone the
// same starting balance and lose one of the updates.
func (e *WalletEngine) ExecuteTrade(account *interfaces.Account, side interfaces.Side, instrument string, quantity int64, price decimal.Decimal) (*TradeResult, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	if price.IsNegative() {
		return nil, ErrInvalidPrice
	}

	next := account.Clone()
	now := time.Now()

	result := &TradeResult{
		Side:       side,
		Instrument: instrument,
		Quantity:   quantity,
		Price:      price,
		ExecutedAt: now,
	}

	switch side {
	case interfaces.SideBuy:
		if err := e.applyBuy(next, instrument, quantity, price, now); err != nil {
			return nil, err
		}
		result.Message = "Buy order executed"

	case interfaces.SideSell:
		chunk, err := e.applySell(next, instrument, quantity, price)
		if err != nil {
			return nil, err
		}
		result.RealizedPnL = chunk
		result.Message = fmt.Sprintf("Sold %d. Realized P&L: %s", quantity, chunk.StringFixed(2))

	default:
		return nil, fmt.Errorf("unsupported trade side %v", side)
	}

	if err := e.store.Save(account.Username, next); err != nil {
		return nil, fmt.Errorf("trade not executed, snapshot persistence failed: %w", err)
	}

	// Snapshot persistence already succeeded; an audit-log failure must not
	// retroactively fail the trade.
	if err := e.store.AppendTrade(account.Username, side, instrument, quantity, price, now); err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"username":   account.Username,
			"instrument": instrument,
		}).Warn("Failed to append trade log entry")
	}

	*account = *next

	e.logger.WithFields(logrus.Fields{
		"username":   account.Username,
		"side":       side.String(),
		"instrument": instrument,
		"qty":        quantity,
		"price":      price,
	}).Info("Trade executed")

	return result, nil
}

// applyBuy debits cost from the balance and opens or averages into the
// position for the instrument.
func (e *WalletEngine) applyBuy(account *interfaces.Account, instrument string, quantity int64, price decimal.Decimal, now time.Time) error {
	qty := decimal.NewFromInt(quantity)
	cost := qty.Mul(price)

	if cost.GreaterThan(account.Balance) {
		return fmt.Errorf("%w: order costs %s, available %s",
			ErrInsufficientBalance, cost.StringFixed(2), account.Balance.StringFixed(2))
	}

	account.Balance = account.Balance.Sub(cost)

	if pos := account.FindPosition(instrument); pos != nil {
		oldQty := decimal.NewFromInt(pos.Quantity)
		totalQty := pos.Quantity + quantity
		totalCost := oldQty.Mul(pos.AvgPrice).Add(cost)
		pos.Quantity = totalQty
		pos.AvgPrice = totalCost.Div(decimal.NewFromInt(totalQty))
		return nil
	}

	account.Positions = append(account.Positions, &interfaces.Position{
		Instrument: instrument,
		Quantity:   quantity,
		AvgPrice:   price,
		Status:     interfaces.PositionStatusOpen,
		OpenedAt:   now,
	})
	return nil
}

// applySell credits proceeds, realizes P&L against the average cost basis and
// removes the position once fully closed. A later buy of the same instrument
// starts a fresh cost basis.
func (e *WalletEngine) applySell(account *interfaces.Account, instrument string, quantity int64, price decimal.Decimal) (decimal.Decimal, error) {
	pos := account.FindPosition(instrument)
	if pos == nil {
		return decimal.Zero, ErrNoOpenPosition
	}

	if pos.Quantity < quantity {
		return decimal.Zero, fmt.Errorf("%w: you have %d", ErrInsufficientQuantity, pos.Quantity)
	}

	qty := decimal.NewFromInt(quantity)
	account.Balance = account.Balance.Add(qty.Mul(price))

	chunk := price.Sub(pos.AvgPrice).Mul(qty)
	account.RealizedPnL = account.RealizedPnL.Add(chunk)

	pos.Quantity -= quantity
	if pos.Quantity == 0 {
		e.removePosition(account, instrument)
	}

	return chunk, nil
}

func (e *WalletEngine) removePosition(account *interfaces.Account, instrument string) {
	for i, p := range account.Positions {
		if p.Instrument == instrument {
			account.Positions = append(account.Positions[:i], account.Positions[i+1:]...)
			return
		}
	}
}

// MarkToMarket recomputes each open position's unrealized P&L against a live
// price snapshot and returns realized plus total unrealized P&L. Positions
// with no quote in the snapshot keep their previous unrealized value. This is
// a pure recompute: nothing is persisted.
func (e *WalletEngine) MarkToMarket(account *interfaces.Account, livePrices map[string]decimal.Decimal) decimal.Decimal {
	unrealized := decimal.Zero
	for _, pos := range account.Positions {
		if ltp, ok := livePrices[pos.Instrument]; ok {
			pos.CurrentPrice = ltp
			pos.UnrealizedPnL = ltp.Sub(pos.AvgPrice).Mul(decimal.NewFromInt(pos.Quantity))
		}
		unrealized = unrealized.Add(pos.UnrealizedPnL)
	}

	return account.RealizedPnL.Add(unrealized)
}

// ResetAccount restores the user's account to initial defaults, clears the
// trade log and returns the fresh account.
func (e *WalletEngine) ResetAccount(username string) (*interfaces.Account, error) {
	if err := e.store.Reset(username); err != nil {
		return nil, err
	}

	account, err := e.store.Load(username)
	if err != nil {
		return nil, fmt.Errorf("failed to reload account after reset: %w", err)
	}

	e.logger.WithField("username", username).Info("Account reset to defaults")
	return account, nil
}
