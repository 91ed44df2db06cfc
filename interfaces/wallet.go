package interfaces

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies the direction of a trade. Keeping this a closed type (as
// opposed to a raw string) makes every switch over it exhaustive.
type Side int

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON emits the wire representation ("BUY"/"SELL").
func (s Side) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts the wire representation produced by MarshalJSON.
func (s *Side) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseSide(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSide converts the wire representation of a trade side.
func ParseSide(s string) (Side, error) {
	switch s {
	case "BUY", "buy":
		return SideBuy, nil
	case "SELL", "sell":
		return SideSell, nil
	default:
		return 0, fmt.Errorf("invalid trade side %q", s)
	}
}

// PositionStatusOpen is the only status an in-memory position can have; a
// position is removed from the account the moment its quantity reaches zero.
const PositionStatusOpen = "OPEN"

// Position is one open lot of a single instrument, identified by its
// instrument key (e.g. "24000 CE").
type Position struct {
	Instrument string          `json:"instrument"`
	Quantity   int64           `json:"qty"`
	AvgPrice   decimal.Decimal `json:"avg_price"`
	Status     string          `json:"status"`
	OpenedAt   time.Time       `json:"opened_at"`

	// Transient mark-to-market fields, refreshed by the wallet engine on
	// every price snapshot. Not authoritative and may be stale.
	CurrentPrice  decimal.Decimal `json:"current_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// Account is the working-memory state of a user's virtual wallet. It is
// loaded from the ledger store once per session and written back after every
// executed trade.
type Account struct {
	Username    string          `json:"username"`
	Balance     decimal.Decimal `json:"balance"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Positions   []*Position     `json:"positions"`
}

// FindPosition returns the open position for an instrument, or nil. At most
// one open position exists per instrument key.
func (a *Account) FindPosition(instrument string) *Position {
	for _, p := range a.Positions {
		if p.Instrument == instrument {
			return p
		}
	}
	return nil
}

// Clone returns a deep copy of the account. The wallet engine mutates a clone
// and swaps it in only after the new state has been persisted.
func (a *Account) Clone() *Account {
	positions := make([]*Position, len(a.Positions))
	for i, p := range a.Positions {
		cp := *p
		positions[i] = &cp
	}
	return &Account{
		Username:    a.Username,
		Balance:     a.Balance,
		RealizedPnL: a.RealizedPnL,
		Positions:   positions,
	}
}

// TradeLogEntry is one immutable row of the append-only audit trail.
type TradeLogEntry struct {
	ID         uint            `json:"id"`
	Username   string          `json:"username"`
	Action     string          `json:"action"`
	Instrument string          `json:"instrument"`
	Quantity   int64           `json:"qty"`
	Price      decimal.Decimal `json:"price"`
	Timestamp  time.Time       `json:"timestamp"`
}

// LedgerStore is the durable backing store for account snapshots and the
// trade audit trail. Implementations must serialize Load/Save/Reset for the
// same username.
type LedgerStore interface {
	Load(username string) (*Account, error)
	Save(username string, account *Account) error
	AppendTrade(username string, side Side, instrument string, qty int64, price decimal.Decimal, at time.Time) error
	Trades(username string) ([]*TradeLogEntry, error)
	Reset(username string) error
}
