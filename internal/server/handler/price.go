package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

// QuoteService prices a single contract.
type QuoteService interface {
	GetQuotedPrice(ctx context.Context, ticker string, side domain.Side) (decimal.Decimal, error)
}

// PriceHandler serves the quote endpoint.
type PriceHandler struct {
	quotes QuoteService
	logger *slog.Logger
}

// NewPriceHandler creates a PriceHandler.
func NewPriceHandler(quotes QuoteService, logger *slog.Logger) *PriceHandler {
	return &PriceHandler{quotes: quotes, logger: logHandler(logger, "price")}
}

type priceResponse struct {
	Contract string      `json:"contract"`
	Side     domain.Side `json:"side"`
	Price    json.Number `json:"price"`
}

// GetPrice returns the current unit price of a contract side.
// GET /price?contract=TICKER&side=yes
func (h *PriceHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	contract := strings.TrimSpace(q.Get("contract"))
	if contract == "" {
		writeError(w, http.StatusBadRequest, "missing contract parameter")
		return
	}
	sideParam := q.Get("side")
	if sideParam == "" {
		sideParam = string(domain.SideYes)
	}
	side, err := domain.ParseSide(sideParam)
	if err != nil {
		writeError(w, http.StatusBadRequest, "side must be 'yes' or 'no'")
		return
	}

	price, err := h.quotes.GetQuotedPrice(r.Context(), contract, side)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "price unavailable for "+contract)
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get price failed",
			slog.String("contract", contract),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "could not fetch price")
		return
	}

	writeJSON(w, http.StatusOK, priceResponse{
		Contract: contract,
		Side:     side,
		Price:    json.Number(price.String()),
	})
}
