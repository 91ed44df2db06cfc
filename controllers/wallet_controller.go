package controllers

import (
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"paper-trader/interfaces"
	"paper-trader/services"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// WalletController drives the wallet engine over HTTP. Each user's account is
// loaded from the ledger store once and kept as explicit session state for
// the lifetime of the process; every mutating call goes through the engine,
// which persists before the in-memory state changes.
type WalletController struct {
	engine  *services.WalletEngine
	store   interfaces.LedgerStore
	market  interfaces.MarketDataService
	journal *services.SessionJournal
	logger  *logrus.Logger

	mu       sync.Mutex
	sessions map[string]*accountSession
}

// accountSession pairs a loaded account with the lock that serializes every
// handler touching it. Two concurrent trades for the same user must not both
// clone the same balance, or the second save silently overwrites the first.
type accountSession struct {
	mu      sync.Mutex
	account *interfaces.Account
}

// NewWalletController creates a new wallet controller.
func NewWalletController(
	engine *services.WalletEngine,
	store interfaces.LedgerStore,
	market interfaces.MarketDataService,
	journal *services.SessionJournal,
) *WalletController {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	return &WalletController{
		engine:   engine,
		store:    store,
		market:   market,
		journal:  journal,
		logger:   logger,
		sessions: make(map[string]*accountSession),
	}
}

// TradeRequest is a trade intent submitted by the front end.
type TradeRequest struct {
	Side       string          `json:"side" binding:"required"`
	Instrument string          `json:"instrument" binding:"required"`
	Quantity   int64           `json:"qty" binding:"required"`
	Price      decimal.Decimal `json:"price"`
}

// lockSession returns the user's session with its lock held, loading the
// account on first use. The caller must release session.mu when done; the
// whole read-modify-write of a trade happens under this lock.
func (wc *WalletController) lockSession(username string) (*accountSession, error) {
	wc.mu.Lock()
	session, ok := wc.sessions[username]
	if !ok {
		session = &accountSession{}
		wc.sessions[username] = session
	}
	wc.mu.Unlock()

	session.mu.Lock()
	if session.account == nil {
		account, err := wc.store.Load(username)
		if err != nil {
			session.mu.Unlock()
			return nil, err
		}
		session.account = account
	}
	return session, nil
}

// HandleGetWallet returns the wallet summary.
// GET /api/v1/wallet/:username
func (wc *WalletController) HandleGetWallet(c *gin.Context) {
	username := c.Param("username")
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username required"})
		return
	}

	session, err := wc.lockSession(username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer session.mu.Unlock()
	account := session.account

	c.JSON(http.StatusOK, gin.H{
		"username":       account.Username,
		"balance":        account.Balance,
		"realized_pnl":   account.RealizedPnL,
		"open_positions": len(account.Positions),
	})
}

// HandleTrade executes a buy or sell intent.
// POST /api/v1/wallet/:username/trade
func (wc *WalletController) HandleTrade(c *gin.Context) {
	username := c.Param("username")
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username required"})
		return
	}

	var req TradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	side, err := interfaces.ParseSide(req.Side)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, err := wc.lockSession(username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer session.mu.Unlock()

	wc.logger.WithFields(logrus.Fields{
		"username":   username,
		"side":       side.String(),
		"instrument": req.Instrument,
		"qty":        req.Quantity,
	}).Info("Processing trade intent")

	result, err := wc.engine.ExecuteTrade(session.account, side, req.Instrument, req.Quantity, req.Price)
	if err != nil {
		if isTradeValidationError(err) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		wc.logger.WithError(err).Error("Trade failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if err := wc.journal.RecordTrade(username, side, req.Instrument, req.Quantity, req.Price, result.RealizedPnL, result.ExecutedAt); err != nil {
		wc.logger.WithError(err).Warn("Failed to record trade in session journal")
	}

	c.JSON(http.StatusOK, result)
}

// HandleGetPositions returns open positions marked to market against the
// latest option chain, plus the live total P&L.
// GET /api/v1/wallet/:username/positions?symbol=NIFTY&expiration=2026-09-03
func (wc *WalletController) HandleGetPositions(c *gin.Context) {
	username := c.Param("username")
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username required"})
		return
	}

	session, err := wc.lockSession(username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer session.mu.Unlock()
	account := session.account

	chain, err := wc.fetchChain(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	totalPnL := wc.engine.MarkToMarket(account, chain.LatestPrices())

	c.JSON(http.StatusOK, gin.H{
		"count":        len(account.Positions),
		"positions":    account.Positions,
		"balance":      account.Balance,
		"realized_pnl": account.RealizedPnL,
		"total_pnl":    totalPnL,
		"synthetic":    chain.Synthetic,
	})
}

// HandleExportPositions streams the open positions as CSV.
// GET /api/v1/wallet/:username/positions/export
func (wc *WalletController) HandleExportPositions(c *gin.Context) {
	username := c.Param("username")
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username required"})
		return
	}

	session, err := wc.lockSession(username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer session.mu.Unlock()
	account := session.account

	if chain, err := wc.fetchChain(c); err == nil {
		wc.engine.MarkToMarket(account, chain.LatestPrices())
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", `attachment; filename="open_positions.csv"`)

	w := csv.NewWriter(c.Writer)
	w.Write([]string{"instrument", "qty", "avg_price", "current_price", "unrealized_pnl", "opened_at"})
	for _, pos := range account.Positions {
		w.Write([]string{
			pos.Instrument,
			strconv.FormatInt(pos.Quantity, 10),
			pos.AvgPrice.StringFixed(2),
			pos.CurrentPrice.StringFixed(2),
			pos.UnrealizedPnL.StringFixed(2),
			pos.OpenedAt.Format(time.RFC3339),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		wc.logger.WithError(err).WithField("username", username).Error("Failed to write positions CSV")
	}
}

// HandleGetTrades returns the user's trade audit trail.
// GET /api/v1/wallet/:username/trades
func (wc *WalletController) HandleGetTrades(c *gin.Context) {
	username := c.Param("username")
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username required"})
		return
	}

	trades, err := wc.store.Trades(username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"count":  len(trades),
		"trades": trades,
	})
}

// HandleReset restores the account to defaults and clears the trade log.
// POST /api/v1/wallet/:username/reset
func (wc *WalletController) HandleReset(c *gin.Context) {
	username := c.Param("username")
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username required"})
		return
	}

	session, err := wc.lockSession(username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer session.mu.Unlock()

	account, err := wc.engine.ResetAccount(username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	session.account = account

	c.JSON(http.StatusOK, gin.H{
		"message": "Account reset successfully",
		"balance": account.Balance,
	})
}

// fetchChain resolves the chain query parameters shared by the position
// endpoints. Expiry defaults to the upcoming weekly expiry.
func (wc *WalletController) fetchChain(c *gin.Context) (*interfaces.OptionChain, error) {
	symbol := c.DefaultQuery("symbol", services.SymbolNifty)

	expiry := services.NextThursday(time.Now())
	if expirationStr := c.Query("expiration"); expirationStr != "" {
		parsed, err := time.Parse("2006-01-02", expirationStr)
		if err != nil {
			return nil, fmt.Errorf("invalid expiration date format, use YYYY-MM-DD")
		}
		expiry = parsed
	}

	depth := 10
	if depthStr := c.Query("depth"); depthStr != "" {
		if val, err := strconv.Atoi(depthStr); err == nil {
			depth = val
		}
	}

	return wc.market.GetOptionChain(c.Request.Context(), symbol, expiry, depth)
}

// isTradeValidationError reports whether err is an expected user-facing trade
// rejection rather than an internal failure.
func isTradeValidationError(err error) bool {
	return errors.Is(err, services.ErrInsufficientBalance) ||
		errors.Is(err, services.ErrNoOpenPosition) ||
		errors.Is(err, services.ErrInsufficientQuantity) ||
		errors.Is(err, services.ErrInvalidQuantity) ||
		errors.Is(err, services.ErrInvalidPrice)
}
