// Package kalshi is the exchange collaborator: public market quotes and
// RSA-signed order submission.
package kalshi

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// Client talks to the Kalshi trade API. It implements both the quote
// source and the order executor.
type Client struct {
	baseURL      string
	priceBaseURL string
	apiKeyID     string
	privateKey   *rsa.PrivateKey
	httpClient   *http.Client
}

// NewClient creates a new Kalshi REST client.
//
// baseURL is the trading API root, e.g. "https://api.elections.kalshi.com/trade-api/v2";
// priceBaseURL is the root used for unauthenticated market reads.
func NewClient(baseURL, priceBaseURL, apiKeyID string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if priceBaseURL == "" {
		priceBaseURL = baseURL
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		priceBaseURL: strings.TrimRight(priceBaseURL, "/"),
		apiKeyID:     apiKeyID,
		httpClient:   &http.Client{Timeout: timeout},
	}
}

// GetMarket returns a single market by its ticker. Market data is public, so
// the request is unsigned.
func (c *Client) GetMarket(ctx context.Context, ticker string) (KalshiMarket, error) {
	path := fmt.Sprintf("/markets/%s", url.PathEscape(ticker))

	body, err := c.do(ctx, http.MethodGet, c.priceBaseURL+path, nil, false)
	if err != nil {
		return KalshiMarket{}, fmt.Errorf("kalshi: get market %s: %w", ticker, err)
	}

	var resp struct {
		Market *KalshiMarket `json:"market"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return KalshiMarket{}, fmt.Errorf("kalshi: decode market: %w", err)
	}
	if resp.Market == nil {
		return KalshiMarket{}, fmt.Errorf("kalshi: market %s: response has no market", ticker)
	}
	return *resp.Market, nil
}

// GetQuotedPrice returns the per-contract USD cost of buying side on ticker.
func (c *Client) GetQuotedPrice(ctx context.Context, ticker string, side domain.Side) (decimal.Decimal, error) {
	m, err := c.GetMarket(ctx, ticker)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %w", domain.ErrQuoteUnavailable, err)
	}
	price, ok := QuotePrice(m, side)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no price for %s %s", domain.ErrQuoteUnavailable, ticker, side)
	}
	return price, nil
}

// QuotePrice picks the buy price for side: the ask, then the bid, then the
// dollar-denominated ask, then the last trade. Non-positive values are
// treated as absent.
func QuotePrice(m KalshiMarket, side domain.Side) (decimal.Decimal, bool) {
	ask, bid, dollars := m.YesAsk, m.YesBid, m.YesAskDollars
	if side == domain.SideNo {
		ask, bid, dollars = m.NoAsk, m.NoBid, m.NoAskDollars
	}
	for _, cents := range []*decimal.Decimal{ask, bid} {
		if cents != nil && cents.IsPositive() {
			return cents.Div(hundred), true
		}
	}
	if dollars != nil && dollars.IsPositive() {
		return *dollars, true
	}
	if m.LastPrice != nil && m.LastPrice.IsPositive() {
		return m.LastPrice.Div(hundred), true
	}
	return decimal.Zero, false
}

// SubmitTrade places a limit buy for quantity contracts at price (USD per
// contract) and returns the exchange order id.
func (c *Client) SubmitTrade(ctx context.Context, ticker string, side domain.Side, quantity int64, price decimal.Decimal) (string, error) {
	cents := price.Mul(hundred).IntPart()
	if cents < 1 || cents > 99 {
		return "", fmt.Errorf("kalshi: limit price %s outside 1-99 cents", price.String())
	}

	order := KalshiOrder{
		Ticker:        ticker,
		Action:        "buy",
		Side:          string(side),
		Type:          "limit",
		Count:         quantity,
		ClientOrderID: uuid.NewString(),
	}
	if side == domain.SideYes {
		order.YesPrice = &cents
	} else {
		order.NoPrice = &cents
	}

	body, err := c.do(ctx, http.MethodPost, c.baseURL+"/portfolio/orders", order, true)
	if err != nil {
		return "", fmt.Errorf("kalshi: place order: %w", err)
	}

	var resp KalshiOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("kalshi: decode order response: %w", err)
	}
	if resp.Order.Status == "canceled" {
		return "", errors.New("kalshi: order was immediately cancelled")
	}

	id := resp.Order.OrderID
	if id == "" {
		id = resp.OrderID
	}
	if id == "" {
		return "", errors.New("kalshi: order response carried no order id")
	}
	return id, nil
}

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 1 << 20

// do sends one JSON request and returns the response body. Signed requests
// carry the KALSHI-ACCESS-* headers; market reads go out unsigned.
func (c *Client) do(ctx context.Context, method, fullURL string, payload any, signed bool) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if signed {
		if err := c.sign(req); err != nil {
			return nil, err
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, newAPIError(resp.StatusCode, data)
	}
	return data, nil
}

// apiError is a non-2xx answer from the exchange. Not-found and throttling
// unwrap to the matching domain errors.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func newAPIError(status int, body []byte) *apiError {
	var r KalshiErrorResponse
	_ = json.Unmarshal(body, &r)
	if r.Message == "" {
		r.Message = strings.TrimSpace(string(body))
	}
	return &apiError{Status: status, Code: r.Code, Message: r.Message}
}

func (e *apiError) Error() string {
	return fmt.Sprintf("kalshi: HTTP %d: %s (%s)", e.Status, e.Message, e.Code)
}

func (e *apiError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusTooManyRequests:
		return domain.ErrRateLimited
	}
	return nil
}
