package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

// releaseLua deletes KEYS[1] only while it still holds the caller's token.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// ClaimStore implements domain.LockManager with SET NX PX. A claim that is
// never released stays until its TTL lapses, which is how spent payment
// proofs are remembered across replicas.
type ClaimStore struct {
	rdb     *redis.Client
	release *redis.Script
	logger  *slog.Logger
}

// NewClaimStore creates a ClaimStore backed by the given Client.
func NewClaimStore(c *Client, logger *slog.Logger) *ClaimStore {
	return &ClaimStore{
		rdb:     c.Underlying(),
		release: redis.NewScript(releaseLua),
		logger:  logger.With(slog.String("component", "claims")),
	}
}

// Acquire implements domain.LockManager. The returned release func is safe to
// call more than once and from any goroutine.
func (s *ClaimStore) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()

	ok, err := s.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: claim %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be gone.
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.release.Run(rctx, s.rdb, []string{key}, token).Err(); err != nil {
				// The claim now lives until its TTL and retries get ErrLockHeld.
				s.logger.Warn("redis: claim release failed",
					slog.String("key", key),
					slog.String("error", err.Error()),
				)
			}
		})
	}, nil
}

var _ domain.LockManager = (*ClaimStore)(nil)
