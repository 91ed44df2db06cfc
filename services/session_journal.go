package services

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"paper-trader/interfaces"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// SessionJournal keeps a per-day JSON record of executed trades with a
// running summary. It is a best-effort companion to the database trade log:
// a journal write failure never fails the trade that triggered it.
type SessionJournal struct {
	logger *logrus.Logger
	dir    string

	mu      sync.Mutex
	current *DailySessionLog
}

// DailySessionLog is one day's worth of simulated trading.
type DailySessionLog struct {
	Date    string         `json:"date"`
	Summary SessionSummary `json:"summary"`
	Trades  []JournalTrade `json:"trades"`
}

// SessionSummary provides high-level stats for the day.
type SessionSummary struct {
	TotalTrades int             `json:"total_trades"`
	Buys        int             `json:"buys"`
	Sells       int             `json:"sells"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	LargestWin  decimal.Decimal `json:"largest_win"`
	LargestLoss decimal.Decimal `json:"largest_loss"`
}

// JournalTrade is one executed trade as recorded in the journal.
type JournalTrade struct {
	Timestamp   time.Time       `json:"timestamp"`
	Username    string          `json:"username"`
	Side        string          `json:"side"`
	Instrument  string          `json:"instrument"`
	Quantity    int64           `json:"qty"`
	Price       decimal.Decimal `json:"price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl,omitempty"`
}

// NewSessionJournal creates a journal writing into dir.
func NewSessionJournal(dir string) *SessionJournal {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	if err := os.MkdirAll(dir, 0755); err != nil {
		logger.WithError(err).Error("Failed to create session journal directory")
	}

	return &SessionJournal{
		logger: logger,
		dir:    dir,
	}
}

// RecordTrade appends one executed trade to today's journal and updates the
// summary.
func (j *SessionJournal) RecordTrade(username string, side interfaces.Side, instrument string, qty int64, price, realized decimal.Decimal, at time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	date := at.Format("2006-01-02")
	if j.current == nil || j.current.Date != date {
		j.current = j.loadOrStartDay(date)
	}

	j.current.Trades = append(j.current.Trades, JournalTrade{
		Timestamp:   at,
		Username:    username,
		Side:        side.String(),
		Instrument:  instrument,
		Quantity:    qty,
		Price:       price,
		RealizedPnL: realized,
	})

	summary := &j.current.Summary
	summary.TotalTrades++
	switch side {
	case interfaces.SideBuy:
		summary.Buys++
	case interfaces.SideSell:
		summary.Sells++
		summary.RealizedPnL = summary.RealizedPnL.Add(realized)
		if realized.GreaterThan(summary.LargestWin) {
			summary.LargestWin = realized
		}
		if realized.LessThan(summary.LargestLoss) {
			summary.LargestLoss = realized
		}
	}

	j.logger.WithFields(logrus.Fields{
		"username":   username,
		"side":       side.String(),
		"instrument": instrument,
		"qty":        qty,
	}).Info("Trade journaled")

	return j.save()
}

// CurrentLog returns today's journal, if any trades were recorded.
func (j *SessionJournal) CurrentLog() (*DailySessionLog, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.current == nil {
		return nil, fmt.Errorf("no trades recorded in this session")
	}
	return j.current, nil
}

// LogForDate retrieves the journal for a specific date (YYYY-MM-DD).
func (j *SessionJournal) LogForDate(date string) (*DailySessionLog, error) {
	filename := filepath.Join(j.dir, fmt.Sprintf("session_%s.json", date))

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("journal not found for date %s: %w", date, err)
	}

	var log DailySessionLog
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, fmt.Errorf("failed to parse journal: %w", err)
	}

	return &log, nil
}

// ListDates returns all dates with a journal on disk.
func (j *SessionJournal) ListDates() ([]string, error) {
	files, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, err
	}

	dates := make([]string, 0)
	for _, file := range files {
		name := file.Name()
		if file.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		// session_2025-11-17.json
		if len(name) > 13 && name[:8] == "session_" {
			dates = append(dates, name[8:len(name)-5])
		}
	}

	return dates, nil
}

// loadOrStartDay resumes an existing day file so a process restart does not
// truncate the day's record.
func (j *SessionJournal) loadOrStartDay(date string) *DailySessionLog {
	if log, err := j.LogForDate(date); err == nil {
		return log
	}

	return &DailySessionLog{
		Date: date,
		Summary: SessionSummary{
			RealizedPnL: decimal.Zero,
			LargestWin:  decimal.Zero,
			LargestLoss: decimal.Zero,
		},
		Trades: make([]JournalTrade, 0),
	}
}

// save expects the caller to hold the mutex.
func (j *SessionJournal) save() error {
	if j.current == nil {
		return fmt.Errorf("no active journal to save")
	}

	filename := filepath.Join(j.dir, fmt.Sprintf("session_%s.json", j.current.Date))

	data, err := json.MarshalIndent(j.current, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal journal: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write journal file: %w", err)
	}

	return nil
}
