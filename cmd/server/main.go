package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"paper-trader/controllers"
	"paper-trader/database"
	"paper-trader/services"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds the environment-driven server configuration.
type Config struct {
	Addr            string
	DBPath          string
	JournalDir      string
	KiteAPIKey      string
	KiteAccessToken string
}

func loadConfig() Config {
	return Config{
		Addr:            envOr("ADDR", ":8080"),
		DBPath:          envOr("DB_PATH", "data/paper_trader.db"),
		JournalDir:      envOr("JOURNAL_DIR", "logs/journal"),
		KiteAPIKey:      os.Getenv("KITE_API_KEY"),
		KiteAccessToken: os.Getenv("KITE_ACCESS_TOKEN"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found, using process environment")
	}

	config := loadConfig()

	store, err := database.NewLedgerStore(config.DBPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open ledger store")
	}
	defer store.Close()

	market := services.NewKiteMarketData(config.KiteAPIKey, config.KiteAccessToken)
	engine := services.NewWalletEngine(store)
	journal := services.NewSessionJournal(config.JournalDir)

	walletController := controllers.NewWalletController(engine, store, market, journal)
	marketController := controllers.NewMarketController(market)
	journalController := controllers.NewJournalController(journal)

	router := gin.Default()

	api := router.Group("/api/v1")
	{
		wallet := api.Group("/wallet")
		{
			wallet.GET("/:username", walletController.HandleGetWallet)
			wallet.POST("/:username/trade", walletController.HandleTrade)
			wallet.GET("/:username/positions", walletController.HandleGetPositions)
			wallet.GET("/:username/positions/export", walletController.HandleExportPositions)
			wallet.GET("/:username/trades", walletController.HandleGetTrades)
			wallet.POST("/:username/reset", walletController.HandleReset)
		}

		marketGroup := api.Group("/market")
		{
			marketGroup.GET("/chain/:symbol", marketController.HandleGetChain)
			marketGroup.GET("/indices", marketController.HandleGetIndices)
			marketGroup.GET("/spot/:symbol", marketController.HandleGetSpot)
		}

		journalGroup := api.Group("/journal")
		{
			journalGroup.GET("", journalController.HandleGetCurrentJournal)
			journalGroup.GET("/dates", journalController.HandleListJournals)
			journalGroup.GET("/:date", journalController.HandleGetJournalByDate)
		}
	}

	server := &http.Server{
		Addr:    config.Addr,
		Handler: router,
	}

	go func() {
		logger.WithField("addr", config.Addr).Info("Paper trading server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Forced shutdown")
	}
}
