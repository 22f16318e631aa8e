package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Quote converts a fiat amount into a crypto amount at the current rate.
type Quote struct {
	Coin         string          `json:"coin"`
	Currency     string          `json:"currency"`
	Amount       decimal.Decimal `json:"amount"`
	Rate         decimal.Decimal `json:"rate"`
	CryptoAmount decimal.Decimal `json:"crypto_amount"`
	Cached       bool            `json:"cached"`
	QuotedAt     time.Time       `json:"quoted_at"`
}

// PriceFeed returns the price of one coin unit in currency.
type PriceFeed interface {
	Price(ctx context.Context, coin, currency string) (decimal.Decimal, error)
}

// RateCache keeps recently fetched rates.
type RateCache interface {
	Get(ctx context.Context, key string) (decimal.Decimal, bool, error)
	Set(ctx context.Context, key string, rate decimal.Decimal, ttl time.Duration) error
}

var coinAliases = map[string]string{
	"btc":  "bitcoin",
	"eth":  "ethereum",
	"usdt": "tether",
	"usdc": "usd-coin",
}

const defaultCoin = "bitcoin"

// QuoteService answers crypto quotes from the feed, caching rates for ttl.
type QuoteService struct {
	feed  PriceFeed
	cache RateCache
	ttl   time.Duration
	now   func() time.Time
}

// NewQuoteService creates a QuoteService. A nil cache falls back to an
// in-process one.
func NewQuoteService(feed PriceFeed, cache RateCache, ttl time.Duration) *QuoteService {
	if cache == nil {
		cache = NewMemoryRateCache()
	}
	return &QuoteService{
		feed:  feed,
		cache: cache,
		ttl:   ttl,
		now:   time.Now,
	}
}

func (s *QuoteService) Quote(ctx context.Context, amount decimal.Decimal, currency, coin string) (*Quote, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	currency = strings.ToLower(strings.TrimSpace(currency))
	if currency == "" {
		currency = strings.ToLower(DefaultCurrency)
	}
	coin = normalizeCoin(coin)

	key := "quote:" + coin + ":" + currency
	rate, cached, err := s.cache.Get(ctx, key)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("⚠️ [QUOTE] Cache read failed")
		cached = false
	}

	if !cached {
		rate, err = s.feed.Price(ctx, coin, currency)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPriceFeed, err)
		}
		if err := s.cache.Set(ctx, key, rate, s.ttl); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("⚠️ [QUOTE] Cache write failed")
		}
	}
	if !rate.IsPositive() {
		return nil, fmt.Errorf("%w: no rate for %s/%s", ErrPriceFeed, coin, currency)
	}

	return &Quote{
		Coin:         coin,
		Currency:     strings.ToUpper(currency),
		Amount:       amount,
		Rate:         rate,
		CryptoAmount: amount.DivRound(rate, 8),
		Cached:       cached,
		QuotedAt:     s.now(),
	}, nil
}

func normalizeCoin(coin string) string {
	coin = strings.ToLower(strings.TrimSpace(coin))
	if coin == "" {
		return defaultCoin
	}
	if id, ok := coinAliases[coin]; ok {
		return id
	}
	return coin
}

// CoinGeckoFeed reads prices from the CoinGecko simple/price endpoint.
type CoinGeckoFeed struct {
	client *resty.Client
}

func NewCoinGeckoFeed(baseURL string) *CoinGeckoFeed {
	return &CoinGeckoFeed{
		client: resty.New().
			SetBaseURL(baseURL).
			SetHeader("Accept", "application/json").
			SetTimeout(5 * time.Second).
			SetRetryCount(1),
	}
}

func (f *CoinGeckoFeed) Price(ctx context.Context, coin, currency string) (decimal.Decimal, error) {
	ctx, span := startClientSpan(ctx, "coingecko", "simple_price")
	var err error
	defer func() { endSpan(span, err) }()

	var result map[string]map[string]decimal.Decimal
	resp, err := f.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"ids":           coin,
			"vs_currencies": currency,
		}).
		SetResult(&result).
		Get("/simple/price")
	if err != nil {
		return decimal.Zero, fmt.Errorf("price request failed: %w", err)
	}
	if resp.IsError() {
		err = fmt.Errorf("price feed status %d", resp.StatusCode())
		return decimal.Zero, err
	}

	rate, ok := result[coin][currency]
	if !ok {
		err = fmt.Errorf("price feed has no %s/%s rate", coin, currency)
		return decimal.Zero, err
	}
	return rate, nil
}

// RedisRateCache stores rates in Redis with a TTL.
type RedisRateCache struct {
	client *redis.Client
}

func NewRedisRateCache(client *redis.Client) *RedisRateCache {
	return &RedisRateCache{client: client}
}

func (c *RedisRateCache) Get(ctx context.Context, key string) (decimal.Decimal, bool, error) {
	value, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	rate, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("corrupt cached rate %q: %w", value, err)
	}
	return rate, true, nil
}

func (c *RedisRateCache) Set(ctx context.Context, key string, rate decimal.Decimal, ttl time.Duration) error {
	return c.client.Set(ctx, key, rate.String(), ttl).Err()
}

type cachedRate struct {
	rate      decimal.Decimal
	expiresAt time.Time
}

// MemoryRateCache is the in-process fallback when Redis is not configured.
type MemoryRateCache struct {
	mu    sync.Mutex
	rates map[string]cachedRate
	now   func() time.Time
}

func NewMemoryRateCache() *MemoryRateCache {
	return &MemoryRateCache{
		rates: make(map[string]cachedRate),
		now:   time.Now,
	}
}

func (c *MemoryRateCache) Get(_ context.Context, key string) (decimal.Decimal, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.rates[key]
	if !ok {
		return decimal.Zero, false, nil
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.rates, key)
		return decimal.Zero, false, nil
	}
	return entry.rate, true, nil
}

func (c *MemoryRateCache) Set(_ context.Context, key string, rate decimal.Decimal, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rates[key] = cachedRate{rate: rate, expiresAt: c.now().Add(ttl)}
	return nil
}
