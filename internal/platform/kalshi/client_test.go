package kalshi

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

func TestQuotePriceFallbackOrder(t *testing.T) {
	tests := []struct {
		name string
		json string
		side domain.Side
		want string
		ok   bool
	}{
		{"yes ask in cents", `{"yes_ask":55,"yes_bid":52}`, domain.SideYes, "0.55", true},
		{"yes bid when no ask", `{"yes_bid":52,"last_price":50}`, domain.SideYes, "0.52", true},
		{"zero ask skipped", `{"yes_ask":0,"yes_bid":3}`, domain.SideYes, "0.03", true},
		{"dollar ask", `{"yes_ask_dollars":"0.4100"}`, domain.SideYes, "0.41", true},
		{"last price", `{"last_price":47}`, domain.SideYes, "0.47", true},
		{"no side", `{"yes_ask":55,"no_ask":46}`, domain.SideNo, "0.46", true},
		{"no side ignores yes", `{"yes_ask":55}`, domain.SideNo, "0", false},
		{"nothing", `{}`, domain.SideYes, "0", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m KalshiMarket
			require.NoError(t, json.Unmarshal([]byte(tt.json), &m))
			got, ok := QuotePrice(m, tt.side)
			assert.Equal(t, tt.ok, ok)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "got %s", got)
		})
	}
}

func TestGetQuotedPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("KALSHI-ACCESS-SIGNATURE"), "market reads are unsigned")
		switch r.URL.Path {
		case "/trade-api/v2/markets/ABC-1":
			_, _ = w.Write([]byte(`{"market":{"ticker":"ABC-1","yes_ask":55}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":"not_found","message":"market not found"}`))
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/trade-api/v2", srv.URL+"/trade-api/v2", "", time.Second)

	price, err := c.GetQuotedPrice(context.Background(), "ABC-1", domain.SideYes)
	require.NoError(t, err)
	assert.Equal(t, "0.55", price.String())

	_, err = c.GetQuotedPrice(context.Background(), "NOPE", domain.SideYes)
	assert.ErrorIs(t, err, domain.ErrQuoteUnavailable)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testKeyPEM(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return key, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func TestSubmitTradeSignsAndReturnsOrderID(t *testing.T) {
	key, pemBytes := testKeyPEM(t)

	var got KalshiOrder
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/trade-api/v2/portfolio/orders", r.URL.Path)
		assert.Equal(t, "key-id", r.Header.Get("KALSHI-ACCESS-KEY"))

		sig, err := base64.StdEncoding.DecodeString(r.Header.Get("KALSHI-ACCESS-SIGNATURE"))
		assert.NoError(t, err)
		digest := sha256.Sum256([]byte(r.Header.Get("KALSHI-ACCESS-TIMESTAMP") + r.Method + r.URL.Path))
		assert.NoError(t, rsa.VerifyPSS(&key.PublicKey, crypto.SHA256, digest[:], sig, nil))

		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"order":{"order_id":"ord-123","status":"executed"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/trade-api/v2", "", "key-id", time.Second)
	require.NoError(t, c.SetRSAPrivateKey(pemBytes))

	id, err := c.SubmitTrade(context.Background(), "ABC-1", domain.SideNo, 10, decimal.RequireFromString("0.29"))
	require.NoError(t, err)
	assert.Equal(t, "ord-123", id)

	assert.Equal(t, "buy", got.Action)
	assert.Equal(t, "limit", got.Type)
	assert.Equal(t, int64(10), got.Count)
	require.NotNil(t, got.NoPrice)
	assert.Equal(t, int64(29), *got.NoPrice)
	assert.Nil(t, got.YesPrice)
	assert.NotEmpty(t, got.ClientOrderID)
}

func TestSubmitTradeFailures(t *testing.T) {
	_, pemBytes := testKeyPEM(t)
	status := http.StatusOK
	body := `{"order":{"order_id":"x","status":"canceled"}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "key-id", time.Second)

	_, err := c.SubmitTrade(context.Background(), "ABC-1", domain.SideYes, 1, decimal.RequireFromString("0.5"))
	assert.ErrorContains(t, err, "RSA private key not configured")

	require.NoError(t, c.SetRSAPrivateKey(pemBytes))
	_, err = c.SubmitTrade(context.Background(), "ABC-1", domain.SideYes, 1, decimal.RequireFromString("0.5"))
	assert.ErrorContains(t, err, "cancelled")

	status, body = http.StatusBadRequest, `{"code":"insufficient_balance","message":"balance too low"}`
	_, err = c.SubmitTrade(context.Background(), "ABC-1", domain.SideYes, 1, decimal.RequireFromString("0.5"))
	assert.ErrorContains(t, err, "insufficient_balance")

	_, err = c.SubmitTrade(context.Background(), "ABC-1", domain.SideYes, 1, decimal.RequireFromString("1.00"))
	assert.ErrorContains(t, err, "outside 1-99 cents")
}

func TestSetInlinePrivateKey(t *testing.T) {
	_, pemBytes := testKeyPEM(t)
	c := NewClient("http://x", "", "k", time.Second)

	escaped := strings.ReplaceAll(string(pemBytes), "\n", `\n`)
	require.NoError(t, c.SetInlinePrivateKey(escaped))

	require.NoError(t, c.SetInlinePrivateKey(base64.StdEncoding.EncodeToString(pemBytes)))

	assert.Error(t, c.SetInlinePrivateKey("garbage"))
}

func TestAPIErrorUnwrapsDomainErrors(t *testing.T) {
	err := newAPIError(http.StatusTooManyRequests, []byte(`{"code":"too_many_requests","message":"slow down"}`))
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.EqualError(t, err, "kalshi: HTTP 429: slow down (too_many_requests)")

	err = newAPIError(http.StatusBadGateway, []byte("upstream timeout"))
	assert.NotErrorIs(t, err, domain.ErrNotFound)
	assert.Contains(t, err.Error(), "upstream timeout")
}
