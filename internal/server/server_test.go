package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradegate/internal/domain"
	"github.com/alanyoungcy/tradegate/internal/payment"
	"github.com/alanyoungcy/tradegate/internal/server/handler"
	"github.com/alanyoungcy/tradegate/internal/service"
	"github.com/alanyoungcy/tradegate/internal/settlement"
	"github.com/alanyoungcy/tradegate/internal/verify"
)

type staticQuotes struct{}

func (staticQuotes) GetQuotedPrice(context.Context, string, domain.Side) (decimal.Decimal, error) {
	return decimal.RequireFromString("0.25"), nil
}

type acceptAll struct{}

func (acceptAll) Verify(_ context.Context, req verify.Request) domain.VerifyResult {
	return domain.Verified("base", req.Amount)
}

type exchange struct{}

func (exchange) SubmitTrade(context.Context, string, domain.Side, int64, decimal.Decimal) (string, error) {
	return "ord-42", nil
}

type memLedger struct {
	mu      sync.Mutex
	entries []domain.LedgerEntry
}

func (m *memLedger) Append(_ context.Context, e domain.LedgerEntry) (domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = int64(len(m.entries) + 1)
	e.CreatedAt = time.Now().UTC()
	m.entries = append(m.entries, e)
	return e, nil
}

func (m *memLedger) GetByTradeID(_ context.Context, id string) (domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.TradeID == id {
			return e, nil
		}
	}
	return domain.LedgerEntry{}, domain.ErrNotFound
}

func (m *memLedger) ListByAgent(_ context.Context, agent string, _ domain.ListOpts) ([]domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.LedgerEntry
	for _, e := range m.entries {
		if e.AgentID == agent {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memLedger) List(context.Context, domain.ListOpts) ([]domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.LedgerEntry(nil), m.entries...), nil
}

func (m *memLedger) ListBefore(context.Context, time.Time) ([]domain.LedgerEntry, error) {
	return nil, nil
}

type denyAfter struct {
	mu    sync.Mutex
	count int
}

func (d *denyAfter) Allow(_ context.Context, _ string, limit int, _ time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count++
	return d.count <= limit, nil
}

func newTestServer(t *testing.T, limiter domain.RateLimiter) (http.Handler, *memLedger) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := &memLedger{}

	orch := settlement.New(settlement.Deps{
		Quotes: staticQuotes{},
		Issuer: payment.NewIssuer(payment.IssuerConfig{
			RecipientAddress: "0x00000000000000000000000000000000000000B0",
			Chain:            "base",
		}),
		TxRef:    acceptAll{},
		Exchange: exchange{},
		Ledger:   ledger,
		Claims:   settlement.NewMemoryClaims(),
	}, settlement.Config{ClaimTTL: time.Hour}, logger)

	srv := NewServer(Config{
		Port:            0,
		RateLimiter:     limiter,
		RateLimit:       2,
		RateLimitWindow: time.Minute,
	}, Handlers{
		Health: handler.NewHealthHandler(handler.HealthInfo{Chain: "base"}, logger),
		Trade:  handler.NewTradeHandler(orch, logger),
		Price:  handler.NewPriceHandler(service.NewQuoteService(staticQuotes{}, nil, logger), logger),
		Ledger: handler.NewLedgerHandler(service.NewLedgerService(ledger, logger), logger),
	}, nil, logger)
	return srv.Handler(), ledger
}

func do(h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPaidTradeFlow(t *testing.T) {
	h, ledger := newTestServer(t, nil)
	const body = `{"contract":"KXETH-26","quantity":4,"side":"no"}`

	rec := do(h, http.MethodPost, "/trade", body, map[string]string{"X-Agent-ID": "agent-9"})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	req, err := payment.ParseHeader(rec.Header().Get(payment.HeaderRequired))
	require.NoError(t, err)
	assert.True(t, req.Amount.Equal(decimal.NewFromInt(1)))

	paid := map[string]string{"X-Agent-ID": "agent-9", payment.HeaderSignature: "0xabc123"}
	rec = do(h, http.MethodPost, "/trade", body, paid)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ok map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ok))
	assert.Equal(t, "ord-42", ok["trade_id"])
	require.Len(t, ledger.entries, 1)
	assert.Equal(t, "0xabc123", ledger.entries[0].PaymentProof)

	rec = do(h, http.MethodPost, "/trade", body, paid)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Len(t, ledger.entries, 1)

	rec = do(h, http.MethodGet, "/positions/agent-9", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"trade_id":"ord-42"`)

	rec = do(h, http.MethodGet, "/price?contract=KXETH-26&side=no", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"contract":"KXETH-26","side":"no","price":0.25}`, rec.Body.String())

	rec = do(h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTradeRateLimited(t *testing.T) {
	h, _ := newTestServer(t, &denyAfter{})
	const body = `{"contract":"KX","quantity":1,"side":"yes"}`

	for range 2 {
		rec := do(h, http.MethodPost, "/trade", body, nil)
		assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	}
	rec := do(h, http.MethodPost, "/trade", body, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Reads are not limited.
	rec = do(h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownRoute(t *testing.T) {
	h, _ := newTestServer(t, nil)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/nope", "", nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(h, http.MethodGet, "/trade", "", nil).Code)
}
