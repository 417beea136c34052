package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// LedgerStore persists executed trades. Entries are never updated.
type LedgerStore interface {
	Append(ctx context.Context, entry LedgerEntry) (LedgerEntry, error)
	GetByTradeID(ctx context.Context, tradeID string) (LedgerEntry, error)
	ListByAgent(ctx context.Context, agentID string, opts ListOpts) ([]LedgerEntry, error)
	List(ctx context.Context, opts ListOpts) ([]LedgerEntry, error)
	ListBefore(ctx context.Context, before time.Time) ([]LedgerEntry, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
