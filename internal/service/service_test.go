package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSource struct {
	price decimal.Decimal
	err   error
	calls int
}

func (f *fakeSource) GetQuotedPrice(context.Context, string, domain.Side) (decimal.Decimal, error) {
	f.calls++
	return f.price, f.err
}

type memQuoteCache struct {
	m      map[string]decimal.Decimal
	getErr error
}

func (c *memQuoteCache) SetQuote(_ context.Context, ticker string, side domain.Side, p decimal.Decimal) error {
	c.m[ticker+":"+string(side)] = p
	return nil
}

func (c *memQuoteCache) GetQuote(_ context.Context, ticker string, side domain.Side) (decimal.Decimal, error) {
	if c.getErr != nil {
		return decimal.Zero, c.getErr
	}
	p, ok := c.m[ticker+":"+string(side)]
	if !ok {
		return decimal.Zero, domain.ErrNotFound
	}
	return p, nil
}

func TestQuoteServiceCachesFreshQuote(t *testing.T) {
	src := &fakeSource{price: decimal.RequireFromString("0.55")}
	cache := &memQuoteCache{m: map[string]decimal.Decimal{}}
	svc := NewQuoteService(src, cache, discardLogger())

	for i := 0; i < 3; i++ {
		p, err := svc.GetQuotedPrice(context.Background(), "ABC-1", domain.SideYes)
		require.NoError(t, err)
		assert.Equal(t, "0.55", p.String())
	}
	assert.Equal(t, 1, src.calls)

	_, err := svc.GetQuotedPrice(context.Background(), "ABC-1", domain.SideNo)
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestQuoteServiceCacheFailureFallsThrough(t *testing.T) {
	src := &fakeSource{price: decimal.RequireFromString("0.4")}
	cache := &memQuoteCache{m: map[string]decimal.Decimal{}, getErr: errors.New("redis down")}
	svc := NewQuoteService(src, cache, discardLogger())

	p, err := svc.GetQuotedPrice(context.Background(), "ABC-1", domain.SideYes)
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.RequireFromString("0.4")))
}

func TestQuoteServiceUnavailable(t *testing.T) {
	svc := NewQuoteService(&fakeSource{err: errors.New("timeout")}, nil, discardLogger())
	_, err := svc.GetQuotedPrice(context.Background(), "ABC-1", domain.SideYes)
	assert.ErrorIs(t, err, domain.ErrQuoteUnavailable)

	svc = NewQuoteService(&fakeSource{price: decimal.Zero}, nil, discardLogger())
	_, err = svc.GetQuotedPrice(context.Background(), "ABC-1", domain.SideYes)
	assert.ErrorIs(t, err, domain.ErrQuoteUnavailable)
}

type memLedger struct {
	entries []domain.LedgerEntry
}

func (m *memLedger) Append(_ context.Context, e domain.LedgerEntry) (domain.LedgerEntry, error) {
	e.ID = int64(len(m.entries) + 1)
	m.entries = append(m.entries, e)
	return e, nil
}

func (m *memLedger) GetByTradeID(_ context.Context, id string) (domain.LedgerEntry, error) {
	for _, e := range m.entries {
		if e.TradeID == id {
			return e, nil
		}
	}
	return domain.LedgerEntry{}, domain.ErrNotFound
}

func (m *memLedger) ListByAgent(_ context.Context, agent string, _ domain.ListOpts) ([]domain.LedgerEntry, error) {
	var out []domain.LedgerEntry
	for _, e := range m.entries {
		if e.AgentID == agent {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memLedger) List(context.Context, domain.ListOpts) ([]domain.LedgerEntry, error) {
	return m.entries, nil
}

func (m *memLedger) ListBefore(context.Context, time.Time) ([]domain.LedgerEntry, error) {
	return nil, nil
}

func TestLedgerService(t *testing.T) {
	ledger := &memLedger{}
	ctx := context.Background()
	_, _ = ledger.Append(ctx, domain.LedgerEntry{AgentID: "a1", TradeID: "t1"})
	_, _ = ledger.Append(ctx, domain.LedgerEntry{AgentID: "a2", TradeID: "t2"})

	svc := NewLedgerService(ledger, discardLogger())

	got, err := svc.Positions(ctx, "a1", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t1", got[0].TradeID)

	all, err := svc.Trades(ctx, "", domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = svc.Positions(ctx, "", domain.ListOpts{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = svc.Trade(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
