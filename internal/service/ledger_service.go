package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

// LedgerService answers read queries over the trade ledger.
type LedgerService struct {
	ledger domain.LedgerStore
	logger *slog.Logger
}

// NewLedgerService creates a LedgerService.
func NewLedgerService(ledger domain.LedgerStore, logger *slog.Logger) *LedgerService {
	return &LedgerService{ledger: ledger, logger: logger}
}

// Positions returns every recorded trade for agentID, newest first.
func (s *LedgerService) Positions(ctx context.Context, agentID string, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	if agentID == "" {
		return nil, fmt.Errorf("ledger_service: %w: agent id required", domain.ErrInvalidInput)
	}
	entries, err := s.ledger.ListByAgent(ctx, agentID, opts)
	if err != nil {
		return nil, fmt.Errorf("ledger_service: list by agent %q: %w", agentID, err)
	}
	return entries, nil
}

// Trades lists ledger entries, optionally narrowed to one agent.
func (s *LedgerService) Trades(ctx context.Context, agentID string, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	if agentID != "" {
		return s.Positions(ctx, agentID, opts)
	}
	entries, err := s.ledger.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("ledger_service: list: %w", err)
	}
	return entries, nil
}

// Trade returns a single entry by exchange trade id.
func (s *LedgerService) Trade(ctx context.Context, tradeID string) (domain.LedgerEntry, error) {
	entry, err := s.ledger.GetByTradeID(ctx, tradeID)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("ledger_service: get %q: %w", tradeID, err)
	}
	return entry, nil
}
