package controllers

import (
	"net/http"
	"strconv"
	"time"

	"paper-trader/interfaces"
	"paper-trader/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// MarketController exposes the market-data collaborator over HTTP.
type MarketController struct {
	market interfaces.MarketDataService
	logger *logrus.Logger
}

// NewMarketController creates a new market controller.
func NewMarketController(market interfaces.MarketDataService) *MarketController {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	return &MarketController{
		market: market,
		logger: logger,
	}
}

// HandleGetChain returns the option chain centered on the ATM strike.
// GET /api/v1/market/chain/:symbol?expiration=2026-09-03&depth=10
func (mc *MarketController) HandleGetChain(c *gin.Context) {
	symbol := c.Param("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol required"})
		return
	}

	// Default to the upcoming weekly expiry (Thursday)
	expiry := services.NextThursday(time.Now())
	if expirationStr := c.Query("expiration"); expirationStr != "" {
		parsed, err := time.Parse("2006-01-02", expirationStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid expiration date format, use YYYY-MM-DD"})
			return
		}
		expiry = parsed
	}

	depth := 10
	if depthStr := c.Query("depth"); depthStr != "" {
		if val, err := strconv.Atoi(depthStr); err == nil {
			depth = val
		}
	}

	chain, err := mc.market.GetOptionChain(c.Request.Context(), symbol, expiry, depth)
	if err != nil {
		mc.logger.WithError(err).Error("Failed to get option chain")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, chain)
}

// HandleGetIndices returns the header index quotes and market session status.
// GET /api/v1/market/indices
func (mc *MarketController) HandleGetIndices(c *gin.Context) {
	board, err := mc.market.GetIndices(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, board)
}

// HandleGetSpot returns the underlying spot price.
// GET /api/v1/market/spot/:symbol
func (mc *MarketController) HandleGetSpot(c *gin.Context) {
	symbol := c.Param("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol required"})
		return
	}

	spot, err := mc.market.GetSpotPrice(c.Request.Context(), symbol)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"symbol":     symbol,
		"last_price": spot,
	})
}
