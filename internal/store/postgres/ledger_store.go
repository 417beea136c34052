package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

// LedgerStore implements domain.LedgerStore on the trades table.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a new LedgerStore backed by the given connection pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// Numeric columns travel as text so no precision is lost to float64.
const ledgerSelectCols = `id, agent_id, contract_ticker, quantity, side, trade_id,
	price::text, total_cost::text, payment_tx_hash, escrow_released, refunded, created_at`

func scanLedgerRow(row pgx.Row) (domain.LedgerEntry, error) {
	var (
		e          domain.LedgerEntry
		side       string
		price, tot string
	)
	if err := row.Scan(
		&e.ID, &e.AgentID, &e.ContractTicker, &e.Quantity, &side, &e.TradeID,
		&price, &tot, &e.PaymentProof, &e.EscrowReleased, &e.Refunded, &e.CreatedAt,
	); err != nil {
		return domain.LedgerEntry{}, err
	}
	e.Side = domain.Side(side)

	var err error
	if e.Price, err = decimal.NewFromString(price); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("parse price %q: %w", price, err)
	}
	if e.TotalCost, err = decimal.NewFromString(tot); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("parse total_cost %q: %w", tot, err)
	}
	return e, nil
}

func scanLedgerRows(rows pgx.Rows) ([]domain.LedgerEntry, error) {
	defer rows.Close()
	var entries []domain.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerRow(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Append inserts entry and returns it with its id and creation time.
func (s *LedgerStore) Append(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerEntry, error) {
	const query = `
		INSERT INTO trades (
			agent_id, contract_ticker, quantity, side, trade_id,
			price, total_cost, payment_tx_hash, escrow_released, refunded
		) VALUES (
			$1, $2, $3, $4, $5,
			$6::numeric, $7::numeric, $8, $9, $10
		) RETURNING ` + ledgerSelectCols

	stored, err := scanLedgerRow(s.pool.QueryRow(ctx, query,
		entry.AgentID, entry.ContractTicker, entry.Quantity, string(entry.Side), entry.TradeID,
		entry.Price.String(), entry.TotalCost.String(), entry.PaymentProof, entry.EscrowReleased, entry.Refunded,
	))
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("postgres: append ledger entry %s: %w", entry.TradeID, err)
	}
	return stored, nil
}

// GetByTradeID returns the entry for an exchange trade id.
func (s *LedgerStore) GetByTradeID(ctx context.Context, tradeID string) (domain.LedgerEntry, error) {
	query := `SELECT ` + ledgerSelectCols + ` FROM trades WHERE trade_id = $1`
	e, err := scanLedgerRow(s.pool.QueryRow(ctx, query, tradeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.LedgerEntry{}, fmt.Errorf("postgres: ledger entry %s: %w", tradeID, domain.ErrNotFound)
		}
		return domain.LedgerEntry{}, fmt.Errorf("postgres: get ledger entry %s: %w", tradeID, err)
	}
	return e, nil
}

// ListByAgent returns one agent's entries, newest first.
func (s *LedgerStore) ListByAgent(ctx context.Context, agentID string, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	query, args := buildLedgerQuery(`agent_id = $1`, []any{agentID}, opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ledger by agent %s: %w", agentID, err)
	}
	entries, err := scanLedgerRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan ledger by agent %s: %w", agentID, err)
	}
	return entries, nil
}

// List returns entries across all agents, newest first.
func (s *LedgerStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	query, args := buildLedgerQuery(`TRUE`, nil, opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ledger: %w", err)
	}
	entries, err := scanLedgerRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan ledger: %w", err)
	}
	return entries, nil
}

// ListBefore returns every entry created strictly before the cutoff, oldest
// first. It is used by the archiver.
func (s *LedgerStore) ListBefore(ctx context.Context, before time.Time) ([]domain.LedgerEntry, error) {
	query := `SELECT ` + ledgerSelectCols + ` FROM trades WHERE created_at < $1 ORDER BY created_at ASC`
	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ledger before %s: %w", before.Format(time.RFC3339), err)
	}
	entries, err := scanLedgerRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan ledger before: %w", err)
	}
	return entries, nil
}

// buildLedgerQuery selects ledger rows matching a base predicate whose
// placeholders are already bound in args.
func buildLedgerQuery(where string, args []any, opts domain.ListOpts) (string, []any) {
	return withListOpts(`SELECT `+ledgerSelectCols+` FROM trades WHERE `+where, args, opts)
}

// withListOpts appends the ListOpts time filters, newest-first ordering and
// paging to query.
func withListOpts(query string, args []any, opts domain.ListOpts) (string, []any) {
	argIdx := len(args) + 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC, id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return query, args
}
