package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

// MemoryClaims is an in-process domain.LockManager for single-replica
// deployments without Redis. Claims do not survive a restart.
type MemoryClaims struct {
	mu   sync.Mutex
	held map[string]memoryClaim
	now  func() time.Time
}

type memoryClaim struct {
	token   string
	expires time.Time
}

// NewMemoryClaims creates an empty claim table.
func NewMemoryClaims() *MemoryClaims {
	return &MemoryClaims{
		held: make(map[string]memoryClaim),
		now:  time.Now,
	}
}

// Acquire implements domain.LockManager.
func (m *MemoryClaims) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if c, ok := m.held[key]; ok && now.Before(c.expires) {
		return nil, domain.ErrLockHeld
	}

	token := uuid.NewString()
	m.held[key] = memoryClaim{token: token, expires: now.Add(ttl)}

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.held[key]; ok && c.token == token {
			delete(m.held, key)
		}
	}, nil
}

// Cleanup drops expired claims.
func (m *MemoryClaims) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for k, c := range m.held {
		if !now.Before(c.expires) {
			delete(m.held, k)
		}
	}
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (m *MemoryClaims) RunCleanup(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Cleanup()
		}
	}
}
