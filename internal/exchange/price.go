package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// PlaceholderBTCPrice is the fixed USD price used when no live source is configured.
// Volumes converted with it are only as accurate as this constant.
const PlaceholderBTCPrice = 50000.0

// PriceOracle supplies the BTC/USD price used to convert BTC-denominated balances
type PriceOracle interface {
	BTCPrice(ctx context.Context) (float64, error)
}

// StaticPrice is a PriceOracle returning a constant
type StaticPrice float64

func (p StaticPrice) BTCPrice(context.Context) (float64, error) {
	return float64(p), nil
}

// BinanceTicker reads the last BTC price from the public Binance ticker endpoint
type BinanceTicker struct {
	BaseURL    string
	Symbol     string
	HTTPClient *http.Client
}

// NewBinanceTicker returns a ticker oracle for BTCUSDT
func NewBinanceTicker(baseURL string, client *http.Client) *BinanceTicker {
	if baseURL == "" {
		baseURL = "https://api.binance.com"
	}
	if client == nil {
		client = &http.Client{Timeout: 8 * time.Second}
	}
	return &BinanceTicker{BaseURL: baseURL, Symbol: "BTCUSDT", HTTPClient: client}
}

func (b *BinanceTicker) BTCPrice(ctx context.Context) (float64, error) {
	endpoint, err := url.Parse(b.BaseURL)
	if err != nil {
		return 0, err
	}
	endpoint.Path = "/api/v3/ticker/price"
	query := endpoint.Query()
	query.Set("symbol", b.Symbol)
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return 0, err
	}

	resp, err := b.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch btc price: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("binance price endpoint returned status %d", resp.StatusCode)
	}

	var ticker struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := jsoniter.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&ticker); err != nil {
		return 0, fmt.Errorf("failed to decode btc price: %w", err)
	}
	if ticker.Price == "" {
		return 0, errors.New("binance price response did not include a price")
	}

	price, err := strconv.ParseFloat(ticker.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("could not parse price %q: %w", ticker.Price, err)
	}
	return price, nil
}

// CachedPrice memoizes another oracle in Redis for TTL
type CachedPrice struct {
	Next  PriceOracle
	Redis redis.Cmdable
	Key   string
	TTL   time.Duration
	Log   *zap.Logger
}

// NewCachedPrice wraps next with a Redis cache under the default key
func NewCachedPrice(next PriceOracle, rdb redis.Cmdable, ttl time.Duration, log *zap.Logger) *CachedPrice {
	if log == nil {
		log = zap.NewNop()
	}
	return &CachedPrice{Next: next, Redis: rdb, Key: "price:btc:usd", TTL: ttl, Log: log}
}

func (c *CachedPrice) BTCPrice(ctx context.Context) (float64, error) {
	price, err := c.Redis.Get(ctx, c.Key).Float64()
	if err == nil {
		return price, nil
	}
	cacheMiss := errors.Is(err, redis.Nil)
	if !cacheMiss {
		c.Log.Warn("btc price cache unavailable, bypassing", zap.String("key", c.Key), zap.Error(err))
	}

	price, err = c.Next.BTCPrice(ctx)
	if err != nil {
		return 0, err
	}
	// Only refill on a clean miss; a failing cache is bypassed.
	if cacheMiss {
		if err := c.Redis.Set(ctx, c.Key, price, c.TTL).Err(); err != nil {
			c.Log.Warn("failed to cache btc price", zap.String("key", c.Key), zap.Error(err))
		}
	}
	return price, nil
}

// OracleConfig selects and tunes the PriceOracle used by a process
type OracleConfig struct {
	Source      string // static or binance
	StaticPrice float64
	TickerURL   string
	CacheTTL    time.Duration
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// NewOracle builds the oracle described by cfg. A live source is cached in
// rdb when rdb is non-nil.
func NewOracle(cfg OracleConfig, rdb redis.Cmdable) PriceOracle {
	if cfg.Source != "binance" {
		price := cfg.StaticPrice
		if price <= 0 {
			price = PlaceholderBTCPrice
		}
		return StaticPrice(price)
	}
	var oracle PriceOracle = NewBinanceTicker(cfg.TickerURL, cfg.HTTPClient)
	if rdb != nil && cfg.CacheTTL > 0 {
		oracle = NewCachedPrice(oracle, rdb, cfg.CacheTTL, cfg.Logger)
	}
	return oracle
}
