package kalshi

import "github.com/shopspring/decimal"

// --------------------------------------------------------------------------
// Kalshi API DTOs
// --------------------------------------------------------------------------

// KalshiMarket is the subset of a Kalshi market the gateway reads. Price
// fields are pointers so an absent field can be told apart from zero; the
// plain fields are in cents and the *_dollars fields in dollars.
type KalshiMarket struct {
	Ticker        string           `json:"ticker"`
	EventTicker   string           `json:"event_ticker"`
	Title         string           `json:"title"`
	Status        string           `json:"status"` // "open", "closed", "settled"
	YesBid        *decimal.Decimal `json:"yes_bid"`
	YesAsk        *decimal.Decimal `json:"yes_ask"`
	NoBid         *decimal.Decimal `json:"no_bid"`
	NoAsk         *decimal.Decimal `json:"no_ask"`
	YesAskDollars *decimal.Decimal `json:"yes_ask_dollars"`
	NoAskDollars  *decimal.Decimal `json:"no_ask_dollars"`
	LastPrice     *decimal.Decimal `json:"last_price"`
	CloseTime     string           `json:"close_time"`
}

// KalshiOrder represents an order to be placed on the Kalshi exchange.
type KalshiOrder struct {
	Ticker        string `json:"ticker"`
	Action        string `json:"action"` // "buy" or "sell"
	Side          string `json:"side"`   // "yes" or "no"
	Type          string `json:"type"`   // "market" or "limit"
	Count         int64  `json:"count"`
	YesPrice      *int64 `json:"yes_price,omitempty"` // limit price in cents (1-99)
	NoPrice       *int64 `json:"no_price,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

// KalshiOrderResponse represents the API response after placing an order.
// Some API versions return the id at the top level.
type KalshiOrderResponse struct {
	Order struct {
		OrderID        string `json:"order_id"`
		Ticker         string `json:"ticker"`
		Status         string `json:"status"` // "resting", "canceled", "executed", "pending"
		Side           string `json:"side"`
		YesPrice       int64  `json:"yes_price"`
		NoPrice        int64  `json:"no_price"`
		RemainingCount int64  `json:"remaining_count"`
	} `json:"order"`
	OrderID string `json:"order_id"`
}

// KalshiErrorResponse represents a Kalshi API error response.
type KalshiErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
