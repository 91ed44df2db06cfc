package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"paper-trader/interfaces"
	"paper-trader/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// defaultOpeningBalance is the cash every fresh account starts with.
var defaultOpeningBalance = decimal.NewFromInt(100000)

// LedgerStore implements the interfaces.LedgerStore interface using SQLite.
// A per-user mutex serializes Load/Save/Reset so that two sessions for the
// same username cannot interleave a read-modify-write and lose an update.
type LedgerStore struct {
	db     *gorm.DB
	logger *logrus.Logger

	mu    sync.Mutex
	users map[string]*sync.Mutex
}

// NewLedgerStore opens (or creates) the SQLite ledger at dbPath.
func NewLedgerStore(dbPath string) (*LedgerStore, error) {
	// Ensure the directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Auto-migrate schemas
	if err := db.AutoMigrate(
		&models.DBUserState{},
		&models.DBTradeLog{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	return &LedgerStore{
		db:     db,
		logger: log,
		users:  make(map[string]*sync.Mutex),
	}, nil
}

// userLock returns the mutex guarding one username's rows.
func (s *LedgerStore) userLock(username string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.users[username]
	if !ok {
		lock = &sync.Mutex{}
		s.users[username] = lock
	}
	return lock
}

// Load returns the persisted snapshot for username, or a freshly initialized
// default account. A fresh account is persisted immediately so a subsequent
// read observes the same state.
func (s *LedgerStore) Load(username string) (*interfaces.Account, error) {
	lock := s.userLock(username)
	lock.Lock()
	defer lock.Unlock()

	var state models.DBUserState
	result := s.db.Where("username = ?", username).First(&state)
	if result.Error != nil {
		if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("failed to load account for %s: %w", username, result.Error)
		}

		account := &interfaces.Account{
			Username:    username,
			Balance:     defaultOpeningBalance,
			RealizedPnL: decimal.Zero,
			Positions:   []*interfaces.Position{},
		}
		if err := s.save(username, account); err != nil {
			return nil, err
		}

		s.logger.WithField("username", username).Info("Initialized new account")
		return account, nil
	}

	positions := []*interfaces.Position{}
	if state.Positions != "" {
		if err := json.Unmarshal([]byte(state.Positions), &positions); err != nil {
			return nil, fmt.Errorf("failed to decode positions for %s: %w", username, err)
		}
	}

	return &interfaces.Account{
		Username:    username,
		Balance:     state.Balance,
		RealizedPnL: state.RealizedPnL,
		Positions:   positions,
	}, nil
}

// Save overwrites the stored snapshot for username.
func (s *LedgerStore) Save(username string, account *interfaces.Account) error {
	lock := s.userLock(username)
	lock.Lock()
	defer lock.Unlock()

	return s.save(username, account)
}

// save expects the caller to hold the user lock.
func (s *LedgerStore) save(username string, account *interfaces.Account) error {
	posJSON, err := json.Marshal(account.Positions)
	if err != nil {
		return fmt.Errorf("failed to serialize positions for %s: %w", username, err)
	}

	var state models.DBUserState
	result := s.db.Where("username = ?", username).First(&state)
	if result.Error != nil && !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to read account for %s: %w", username, result.Error)
	}

	state.Username = username
	state.Balance = account.Balance
	state.RealizedPnL = account.RealizedPnL
	state.Positions = string(posJSON)
	state.LastUpdated = time.Now()

	if err := s.db.Save(&state).Error; err != nil {
		return fmt.Errorf("failed to save account for %s: %w", username, err)
	}

	return nil
}

// AppendTrade inserts one immutable audit row.
func (s *LedgerStore) AppendTrade(username string, side interfaces.Side, instrument string, qty int64, price decimal.Decimal, at time.Time) error {
	row := &models.DBTradeLog{
		Username:   username,
		Action:     side.String(),
		Instrument: instrument,
		Qty:        qty,
		Price:      price,
		Timestamp:  at,
	}

	if err := s.db.Create(row).Error; err != nil {
		return fmt.Errorf("failed to append trade log for %s: %w", username, err)
	}

	return nil
}

// Trades returns the user's audit trail, most recent first.
func (s *LedgerStore) Trades(username string) ([]*interfaces.TradeLogEntry, error) {
	var rows []*models.DBTradeLog
	result := s.db.Where("username = ?", username).
		Order("timestamp DESC").
		Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to read trade log for %s: %w", username, result.Error)
	}

	entries := make([]*interfaces.TradeLogEntry, len(rows))
	for i, row := range rows {
		entries[i] = &interfaces.TradeLogEntry{
			ID:         row.ID,
			Username:   row.Username,
			Action:     row.Action,
			Instrument: row.Instrument,
			Quantity:   row.Qty,
			Price:      row.Price,
			Timestamp:  row.Timestamp,
		}
	}

	return entries, nil
}

// Reset restores the account to defaults and deletes the user's trade log in
// a single transaction.
func (s *LedgerStore) Reset(username string) error {
	lock := s.userLock(username)
	lock.Lock()
	defer lock.Unlock()

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var state models.DBUserState
		result := tx.Where("username = ?", username).First(&state)
		if result.Error != nil && !errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return result.Error
		}

		state.Username = username
		state.Balance = defaultOpeningBalance
		state.RealizedPnL = decimal.Zero
		state.Positions = "[]"
		state.LastUpdated = time.Now()

		if err := tx.Save(&state).Error; err != nil {
			return err
		}

		return tx.Where("username = ?", username).
			Unscoped().
			Delete(&models.DBTradeLog{}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to reset account for %s: %w", username, err)
	}

	s.logger.WithField("username", username).Info("Account reset")
	return nil
}

// Close closes the database connection
func (s *LedgerStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
