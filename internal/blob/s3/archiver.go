package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// LedgerSource lists ledger entries older than a cutoff.
type LedgerSource interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.LedgerEntry, error)
}

// ObjectChecker reports whether an archive object already exists.
type ObjectChecker interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// LedgerArchiver implements domain.Archiver. Entries are written as one JSONL
// object per UTC day at archive/trades/YYYY-MM-DD.jsonl. Days already in the
// bucket are skipped, so repeated runs are idempotent. Rows are never deleted
// from the ledger.
type LedgerArchiver struct {
	writer    domain.BlobWriter
	objects   ObjectChecker
	ledger    LedgerSource
	audit     domain.AuditStore
	multipart int64 // payloads at least this large go through PutMultipart
}

// NewLedgerArchiver creates a LedgerArchiver. audit may be nil.
func NewLedgerArchiver(writer domain.BlobWriter, objects ObjectChecker, ledger LedgerSource, audit domain.AuditStore) *LedgerArchiver {
	return &LedgerArchiver{
		writer:    writer,
		objects:   objects,
		ledger:    ledger,
		audit:     audit,
		multipart: minPartSize,
	}
}

// archivedEntry is the JSONL row layout.
type archivedEntry struct {
	ID             int64           `json:"id"`
	AgentID        string          `json:"agent_id"`
	ContractTicker string          `json:"contract_ticker"`
	Quantity       int64           `json:"quantity"`
	Side           domain.Side     `json:"side"`
	TradeID        string          `json:"trade_id"`
	Price          decimal.Decimal `json:"price"`
	TotalCost      decimal.Decimal `json:"total_cost"`
	PaymentTxHash  string          `json:"payment_tx_hash"`
	EscrowReleased bool            `json:"escrow_released"`
	Refunded       bool            `json:"refunded"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ArchiveLedger exports every complete UTC day before the cutoff and returns
// the number of entries written.
func (a *LedgerArchiver) ArchiveLedger(ctx context.Context, before time.Time) (int64, error) {
	// Only whole days, so a partition is never written twice with
	// different contents.
	cutoff := before.UTC().Truncate(24 * time.Hour)

	entries, err := a.ledger.ListBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive ledger query: %w", err)
	}

	days := groupByDay(entries)
	keys := make([]string, 0, len(days))
	for day := range days {
		keys = append(keys, day)
	}
	sort.Strings(keys)

	var total int64
	for _, day := range keys {
		path := archivePath(day)
		exists, err := a.objects.Exists(ctx, path)
		if err != nil {
			return total, err
		}
		if exists {
			continue
		}

		buf, err := marshalJSONL(days[day])
		if err != nil {
			return total, fmt.Errorf("s3blob: archive %s marshal: %w", day, err)
		}
		if int64(len(buf)) >= a.multipart {
			err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), a.multipart)
		} else {
			err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
		}
		if err != nil {
			return total, fmt.Errorf("s3blob: archive %s upload: %w", day, err)
		}

		n := int64(len(days[day]))
		total += n
		if a.audit != nil {
			if err := a.audit.Log(ctx, "archive.trades", map[string]any{
				"path":  path,
				"day":   day,
				"count": n,
			}); err != nil {
				return total, fmt.Errorf("s3blob: archive %s audit log: %w", day, err)
			}
		}
	}
	return total, nil
}

func groupByDay(entries []domain.LedgerEntry) map[string][]archivedEntry {
	days := make(map[string][]archivedEntry)
	for _, e := range entries {
		day := e.CreatedAt.UTC().Format(time.DateOnly)
		days[day] = append(days[day], archivedEntry{
			ID:             e.ID,
			AgentID:        e.AgentID,
			ContractTicker: e.ContractTicker,
			Quantity:       e.Quantity,
			Side:           e.Side,
			TradeID:        e.TradeID,
			Price:          e.Price,
			TotalCost:      e.TotalCost,
			PaymentTxHash:  e.PaymentProof,
			EscrowReleased: e.EscrowReleased,
			Refunded:       e.Refunded,
			CreatedAt:      e.CreatedAt.UTC(),
		})
	}
	return days
}

// archivePath is the object key for one day, e.g. archive/trades/2026-01-31.jsonl.
func archivePath(day string) string {
	return "archive/trades/" + day + ".jsonl"
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*LedgerArchiver)(nil)
