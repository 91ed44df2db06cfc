package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// DBUserState is the persisted account snapshot, one row per username.
// Positions are stored as a JSON document so the snapshot upsert stays a
// single-row write.
type DBUserState struct {
	gorm.Model
	Username    string          `gorm:"uniqueIndex"`
	Balance     decimal.Decimal `gorm:"type:decimal(20,8)"`
	RealizedPnL decimal.Decimal `gorm:"type:decimal(20,8)"`
	Positions   string          // JSON-encoded position list
	LastUpdated time.Time
}

// DBTradeLog is one append-only audit row per executed trade. Rows are only
// ever deleted by an explicit account reset.
type DBTradeLog struct {
	gorm.Model
	Username   string `gorm:"index"`
	Action     string
	Instrument string
	Qty        int64
	Price      decimal.Decimal `gorm:"type:decimal(20,8)"`
	Timestamp  time.Time
}

// TableName overrides for cleaner table names
func (DBUserState) TableName() string {
	return "user_state"
}

func (DBTradeLog) TableName() string {
	return "trade_logs"
}
