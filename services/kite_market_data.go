package services

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"paper-trader/interfaces"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	SymbolNifty     = "NIFTY"
	SymbolBankNifty = "BANKNIFTY"

	IndexNifty     = "NSE:NIFTY 50"
	IndexBankNifty = "NSE:NIFTY BANK"
)

// KiteMarketData fetches option chains and index quotes from the Kite Connect
// REST API. Without an access token, or whenever the upstream fails, it
// degrades to a synthetic dataset labeled as such on every response.
type KiteMarketData struct {
	apiKey      string
	accessToken string
	baseURL     string
	logger      *logrus.Logger
	client      *http.Client
	useMock     bool
	ist         *time.Location

	// Master instrument list, cached after the first fetch.
	instMu      sync.Mutex
	instruments []kiteInstrument
}

// NewKiteMarketData creates a new Kite market data service.
func NewKiteMarketData(apiKey, accessToken string) *KiteMarketData {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	ist, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		ist = time.FixedZone("IST", 5*3600+1800)
	}

	useMock := accessToken == ""
	if useMock {
		logger.Warn("No Kite access token configured, serving synthetic market data")
	}

	return &KiteMarketData{
		apiKey:      apiKey,
		accessToken: accessToken,
		baseURL:     "https://api.kite.trade",
		logger:      logger,
		client:      &http.Client{Timeout: 30 * time.Second},
		useMock:     useMock,
		ist:         ist,
	}
}

// kiteInstrument is one row of the NFO master instrument list.
type kiteInstrument struct {
	Token          string
	TradingSymbol  string
	Name           string
	Expiry         time.Time
	Strike         float64
	InstrumentType string // "CE" or "PE"
}

// kiteQuote is the relevant subset of a Kite quote payload.
type kiteQuote struct {
	LastPrice float64 `json:"last_price"`
	OI        int64   `json:"oi"`
	OHLC      struct {
		Close float64 `json:"close"`
	} `json:"ohlc"`
}

type kiteQuoteResponse struct {
	Status string               `json:"status"`
	Data   map[string]kiteQuote `json:"data"`
}

// strikeStep returns the strike spacing for an underlying.
func strikeStep(symbol string) int64 {
	if symbol == SymbolBankNifty {
		return 100
	}
	return 50
}

// atmStrike rounds the spot price to the nearest strike.
func atmStrike(spot decimal.Decimal, step int64) decimal.Decimal {
	f, _ := spot.Float64()
	return decimal.NewFromInt(int64(math.Round(f/float64(step))) * step)
}

// NextThursday returns the upcoming weekly expiry date (Thursday, the NSE
// index-option expiry day). A Thursday maps to itself.
func NextThursday(now time.Time) time.Time {
	daysAhead := (int(time.Thursday) - int(now.Weekday()) + 7) % 7
	day := now.AddDate(0, 0, daysAhead)
	return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
}

// MarketOpen reports whether the NSE session (09:15-15:30 IST, weekdays) is
// currently running.
func (s *KiteMarketData) MarketOpen(now time.Time) bool {
	t := now.In(s.ist)
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}

	open := time.Date(t.Year(), t.Month(), t.Day(), 9, 15, 0, 0, s.ist)
	close := time.Date(t.Year(), t.Month(), t.Day(), 15, 30, 0, 0, s.ist)
	return !t.Before(open) && !t.After(close)
}

// GetSpotPrice fetches the underlying index spot used for ATM calculation.
func (s *KiteMarketData) GetSpotPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if s.useMock {
		return s.syntheticSpot(symbol), nil
	}

	spot, err := s.fetchSpot(ctx, symbol)
	if err != nil {
		s.logger.WithError(err).Warn("Spot price fetch failed, using synthetic spot")
		return s.syntheticSpot(symbol), nil
	}

	return spot, nil
}

// fetchSpot fetches the live spot with no synthetic fallback. Chain assembly
// must see the failure: a live-labeled chain centered on a synthetic ATM
// would be wrong twice over.
func (s *KiteMarketData) fetchSpot(ctx context.Context, symbol string) (decimal.Decimal, error) {
	index := IndexNifty
	if symbol == SymbolBankNifty {
		index = IndexBankNifty
	}

	quotes, err := s.fetchQuotes(ctx, []string{index})
	if err != nil {
		return decimal.Zero, err
	}

	quote, ok := quotes[index]
	if !ok {
		return decimal.Zero, fmt.Errorf("no quote returned for %s", index)
	}

	return decimal.NewFromFloat(quote.LastPrice), nil
}

// GetOptionChain returns the strike table centered on the ATM strike,
// covering depth strikes on each side.
func (s *KiteMarketData) GetOptionChain(ctx context.Context, symbol string, expiry time.Time, depth int) (*interfaces.OptionChain, error) {
	if depth <= 0 {
		depth = 10
	}

	if s.useMock {
		return s.syntheticChain(symbol, expiry), nil
	}

	chain, err := s.fetchChain(ctx, symbol, expiry, depth)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"symbol": symbol,
			"expiry": expiry.Format("2006-01-02"),
		}).Warn("Option chain fetch failed, serving synthetic chain")
		return s.syntheticChain(symbol, expiry), nil
	}

	return chain, nil
}

func (s *KiteMarketData) fetchChain(ctx context.Context, symbol string, expiry time.Time, depth int) (*interfaces.OptionChain, error) {
	spot, err := s.fetchSpot(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("spot fetch failed: %w", err)
	}

	step := strikeStep(symbol)
	atm := atmStrike(spot, step)
	minStrike := atm.Sub(decimal.NewFromInt(int64(depth) * step))
	maxStrike := atm.Add(decimal.NewFromInt(int64(depth) * step))

	instruments, err := s.fetchInstruments(ctx)
	if err != nil {
		return nil, err
	}

	var selected []kiteInstrument
	for _, inst := range instruments {
		if inst.Name != symbol {
			continue
		}
		if !sameDay(inst.Expiry, expiry) {
			continue
		}
		strike := decimal.NewFromFloat(inst.Strike)
		if strike.LessThan(minStrike) || strike.GreaterThan(maxStrike) {
			continue
		}
		selected = append(selected, inst)
	}

	if len(selected) == 0 {
		return nil, fmt.Errorf("no instruments match %s expiry %s", symbol, expiry.Format("2006-01-02"))
	}

	keys := make([]string, len(selected))
	for i, inst := range selected {
		keys[i] = "NFO:" + inst.TradingSymbol
	}

	quotes, err := s.fetchQuotes(ctx, keys)
	if err != nil {
		return nil, err
	}

	// Join CE and PE legs on strike.
	rowsByStrike := make(map[string]*interfaces.OptionChainRow)
	for i, inst := range selected {
		quote, ok := quotes[keys[i]]
		if !ok {
			continue
		}

		strike := decimal.NewFromFloat(inst.Strike)
		key := strike.StringFixed(0)
		row, ok := rowsByStrike[key]
		if !ok {
			row = &interfaces.OptionChainRow{Strike: strike}
			rowsByStrike[key] = row
		}

		if inst.InstrumentType == "CE" {
			row.CEPrice = decimal.NewFromFloat(quote.LastPrice)
			row.CEOpenInterest = quote.OI
		} else {
			row.PEPrice = decimal.NewFromFloat(quote.LastPrice)
			row.PEOpenInterest = quote.OI
		}
	}

	rows := make([]interfaces.OptionChainRow, 0, len(rowsByStrike))
	for _, row := range rowsByStrike {
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Strike.LessThan(rows[j].Strike)
	})

	s.logger.WithFields(logrus.Fields{
		"symbol":  symbol,
		"strikes": len(rows),
	}).Debug("Fetched option chain")

	return &interfaces.OptionChain{
		Symbol:    symbol,
		Expiry:    expiry,
		SpotPrice: spot,
		ATMStrike: atm,
		Synthetic: false,
		Rows:      rows,
	}, nil
}

// GetIndices returns the top-bar index quotes plus the market session status.
func (s *KiteMarketData) GetIndices(ctx context.Context) (*interfaces.IndexBoard, error) {
	board := &interfaces.IndexBoard{
		Quotes:     make(map[string]*interfaces.IndexQuote),
		MarketOpen: s.MarketOpen(time.Now()),
		AsOf:       time.Now(),
	}

	if !s.useMock {
		quotes, err := s.fetchQuotes(ctx, []string{IndexNifty, IndexBankNifty})
		if err == nil {
			for name, quote := range quotes {
				board.Quotes[name] = &interfaces.IndexQuote{
					LastPrice:     decimal.NewFromFloat(quote.LastPrice),
					PreviousClose: decimal.NewFromFloat(quote.OHLC.Close),
				}
			}
			return board, nil
		}
		s.logger.WithError(err).Warn("Index quote fetch failed, serving synthetic indices")
	}

	// Synthetic quotes fluctuate a little around the base so a polling front
	// end still sees the ticker move.
	baseNifty := 24100.0
	baseBank := 48100.0
	board.Synthetic = true
	board.Quotes[IndexNifty] = &interfaces.IndexQuote{
		LastPrice:     roundTo2(baseNifty + randRange(-10, 20)),
		PreviousClose: decimal.NewFromFloat(baseNifty),
	}
	board.Quotes[IndexBankNifty] = &interfaces.IndexQuote{
		LastPrice:     roundTo2(baseBank + randRange(-20, 50)),
		PreviousClose: decimal.NewFromFloat(baseBank),
	}

	return board, nil
}

// fetchQuotes calls the Kite quote endpoint for the given instrument keys.
func (s *KiteMarketData) fetchQuotes(ctx context.Context, keys []string) (map[string]kiteQuote, error) {
	params := url.Values{}
	for _, key := range keys {
		params.Add("i", key)
	}

	endpoint := fmt.Sprintf("%s/quote?%s", s.baseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, err
	}
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch quotes: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	var quoteResp kiteQuoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&quoteResp); err != nil {
		return nil, fmt.Errorf("failed to decode quotes: %w", err)
	}

	return quoteResp.Data, nil
}

// fetchInstruments downloads and caches the NFO master instrument list. The
// dump is large, so this happens once per process.
func (s *KiteMarketData) fetchInstruments(ctx context.Context) ([]kiteInstrument, error) {
	s.instMu.Lock()
	defer s.instMu.Unlock()

	if s.instruments != nil {
		return s.instruments, nil
	}

	s.logger.Info("Fetching master instrument list")

	endpoint := s.baseURL + "/instruments/NFO"
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, err
	}
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch instruments: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	instruments, err := parseInstrumentsCSV(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse instrument list: %w", err)
	}

	s.instruments = instruments
	s.logger.WithField("count", len(instruments)).Info("Instrument list cached")
	return instruments, nil
}

func (s *KiteMarketData) authorize(req *http.Request) {
	req.Header.Set("X-Kite-Version", "3")
	req.Header.Set("Authorization", fmt.Sprintf("token %s:%s", s.apiKey, s.accessToken))
}

// parseInstrumentsCSV decodes the Kite instrument dump. Column order follows
// the published CSV header.
func parseInstrumentsCSV(r io.Reader) ([]kiteInstrument, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("instrument dump is empty")
	}

	colIdx := make(map[string]int)
	for i, name := range records[0] {
		colIdx[strings.TrimSpace(name)] = i
	}

	field := func(row []string, name string) string {
		idx, ok := colIdx[name]
		if !ok || idx >= len(row) {
			return ""
		}
		return row[idx]
	}

	instruments := make([]kiteInstrument, 0, len(records)-1)
	for _, row := range records[1:] {
		instrumentType := field(row, "instrument_type")
		if instrumentType != "CE" && instrumentType != "PE" {
			continue
		}

		strike, err := strconv.ParseFloat(field(row, "strike"), 64)
		if err != nil {
			continue
		}

		expiry, err := time.Parse("2006-01-02", field(row, "expiry"))
		if err != nil {
			continue
		}

		instruments = append(instruments, kiteInstrument{
			Token:          field(row, "instrument_token"),
			TradingSymbol:  field(row, "tradingsymbol"),
			Name:           field(row, "name"),
			Expiry:         expiry,
			Strike:         strike,
			InstrumentType: instrumentType,
		})
	}

	return instruments, nil
}

// syntheticSpot mirrors the fallback spot prices of the reference feed.
func (s *KiteMarketData) syntheticSpot(symbol string) decimal.Decimal {
	if symbol == SymbolBankNifty {
		return decimal.NewFromInt(48000)
	}
	return decimal.NewFromFloat(24100)
}

// syntheticChain builds a deterministic strike table around the symbol's base
// level: calls get cheaper and puts dearer as strikes fall, open interest
// ramps linearly.
func (s *KiteMarketData) syntheticChain(symbol string, expiry time.Time) *interfaces.OptionChain {
	base := int64(24000)
	if symbol == SymbolBankNifty {
		base = 48000
	}
	step := strikeStep(symbol)
	spot := s.syntheticSpot(symbol)

	rows := make([]interfaces.OptionChainRow, 0, 11)
	for i := -5; i <= 5; i++ {
		n := int64(i + 5)
		rows = append(rows, interfaces.OptionChainRow{
			Strike:         decimal.NewFromInt(base + int64(i)*step),
			CEPrice:        decimal.NewFromInt(100 + n*10),
			CEOpenInterest: 10000 + n*100,
			PEPrice:        decimal.NewFromInt(150 - n*10),
			PEOpenInterest: 8000 + n*100,
		})
	}

	return &interfaces.OptionChain{
		Symbol:    symbol,
		Expiry:    expiry,
		SpotPrice: spot,
		ATMStrike: atmStrike(spot, step),
		Synthetic: true,
		Rows:      rows,
	}
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

func randRange(lo, hi float64) float64 {
	return lo + rand.Float64()*(hi-lo)
}

func roundTo2(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f).Round(2)
}
