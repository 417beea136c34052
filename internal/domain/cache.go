package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// QuoteCache holds recently fetched exchange quotes.
type QuoteCache interface {
	SetQuote(ctx context.Context, ticker string, side Side, price decimal.Decimal) error
	GetQuote(ctx context.Context, ticker string, side Side) (decimal.Decimal, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking. Acquire returns ErrLockHeld when
// another owner holds key.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides pub/sub.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
