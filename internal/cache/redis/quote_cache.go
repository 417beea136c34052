package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

// QuoteCache implements domain.QuoteCache with one string key per
// (ticker, side) at "quote:{ticker}:{side}" that expires after ttl.
type QuoteCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewQuoteCache creates a QuoteCache. A non-positive ttl disables expiry.
func NewQuoteCache(c *Client, ttl time.Duration) *QuoteCache {
	return &QuoteCache{rdb: c.Underlying(), ttl: ttl}
}

func quoteKey(ticker string, side domain.Side) string {
	return "quote:" + ticker + ":" + string(side)
}

// SetQuote stores price for (ticker, side).
func (qc *QuoteCache) SetQuote(ctx context.Context, ticker string, side domain.Side, price decimal.Decimal) error {
	ttl := qc.ttl
	if ttl < 0 {
		ttl = 0
	}
	if err := qc.rdb.Set(ctx, quoteKey(ticker, side), price.String(), ttl).Err(); err != nil {
		return fmt.Errorf("redis: set quote %s %s: %w", ticker, side, err)
	}
	return nil
}

// GetQuote returns the cached price, or domain.ErrNotFound once it expired.
func (qc *QuoteCache) GetQuote(ctx context.Context, ticker string, side domain.Side) (decimal.Decimal, error) {
	val, err := qc.rdb.Get(ctx, quoteKey(ticker, side)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return decimal.Zero, domain.ErrNotFound
		}
		return decimal.Zero, fmt.Errorf("redis: get quote %s %s: %w", ticker, side, err)
	}
	price, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, fmt.Errorf("redis: parse quote %s %s: %w", ticker, side, err)
	}
	return price, nil
}

var _ domain.QuoteCache = (*QuoteCache)(nil)
