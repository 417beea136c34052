package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

// QuoteSource fetches a live per-contract price from the exchange.
type QuoteSource interface {
	GetQuotedPrice(ctx context.Context, ticker string, side domain.Side) (decimal.Decimal, error)
}

// QuoteService fronts the exchange price lookup with a short-lived cache so
// that the 402 challenge and the paid retry usually see the same quote.
type QuoteService struct {
	source QuoteSource
	cache  domain.QuoteCache
	logger *slog.Logger
}

// NewQuoteService creates a QuoteService. cache may be nil.
func NewQuoteService(source QuoteSource, cache domain.QuoteCache, logger *slog.Logger) *QuoteService {
	return &QuoteService{
		source: source,
		cache:  cache,
		logger: logger,
	}
}

// GetQuotedPrice returns the cached quote when present, otherwise fetches and
// caches a fresh one. Cache errors are logged and never fail the lookup.
func (s *QuoteService) GetQuotedPrice(ctx context.Context, ticker string, side domain.Side) (decimal.Decimal, error) {
	if s.cache != nil {
		price, err := s.cache.GetQuote(ctx, ticker, side)
		switch {
		case err == nil:
			return price, nil
		case !errors.Is(err, domain.ErrNotFound):
			s.logger.WarnContext(ctx, "quote_service: cache read failed",
				slog.String("contract", ticker),
				slog.String("error", err.Error()),
			)
		}
	}

	price, err := s.source.GetQuotedPrice(ctx, ticker, side)
	if err != nil {
		if errors.Is(err, domain.ErrQuoteUnavailable) {
			return decimal.Zero, err
		}
		return decimal.Zero, fmt.Errorf("%w: %w", domain.ErrQuoteUnavailable, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: non-positive price for %s %s", domain.ErrQuoteUnavailable, ticker, side)
	}

	if s.cache != nil {
		if err := s.cache.SetQuote(ctx, ticker, side, price); err != nil {
			s.logger.WarnContext(ctx, "quote_service: cache write failed",
				slog.String("contract", ticker),
				slog.String("error", err.Error()),
			)
		}
	}
	return price, nil
}
