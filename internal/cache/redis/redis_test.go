package redis

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), ClientConfig{Addr: mr.Addr(), PoolSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestClaimStore(t *testing.T) {
	c, mr := newTestClient(t)
	claims := NewClaimStore(c, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	release, err := claims.Acquire(ctx, "claim:proof:tx:0xabc", time.Hour)
	require.NoError(t, err)

	_, err = claims.Acquire(ctx, "claim:proof:tx:0xabc", time.Hour)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	release()
	release()
	assert.False(t, mr.Exists("claim:proof:tx:0xabc"))

	_, err = claims.Acquire(ctx, "claim:proof:tx:0xabc", time.Hour)
	require.NoError(t, err)
	mr.FastForward(2 * time.Hour)
	_, err = claims.Acquire(ctx, "claim:proof:tx:0xabc", time.Hour)
	assert.NoError(t, err, "expired claims can be retaken")
}

func TestClaimStoreStaleReleaseKeepsNewOwner(t *testing.T) {
	c, mr := newTestClient(t)
	claims := NewClaimStore(c, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	stale, err := claims.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	_, err = claims.Acquire(ctx, "k", time.Hour)
	require.NoError(t, err)

	stale()
	assert.True(t, mr.Exists("k"))
}

func TestClaimStoreLogsFailedRelease(t *testing.T) {
	c, mr := newTestClient(t)
	var buf bytes.Buffer
	claims := NewClaimStore(c, slog.New(slog.NewTextHandler(&buf, nil)))

	release, err := claims.Acquire(context.Background(), "claim:proof:tx:0xdef", time.Hour)
	require.NoError(t, err)

	mr.Close()
	release()

	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "claim release failed")
	assert.Contains(t, out, "key=claim:proof:tx:0xdef")
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	c, _ := newTestClient(t)
	rl := NewRateLimiter(c)
	now := time.Unix(1_800_000_000, 0)
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "agent-1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := rl.Allow(ctx, "agent-1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "agent-2", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")

	now = now.Add(time.Minute)
	ok, err = rl.Allow(ctx, "agent-1", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "window slid past the old requests")
}

func TestQuoteCache(t *testing.T) {
	c, mr := newTestClient(t)
	qc := NewQuoteCache(c, 2*time.Second)
	ctx := context.Background()

	_, err := qc.GetQuote(ctx, "ABC-1", domain.SideYes)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, qc.SetQuote(ctx, "ABC-1", domain.SideYes, decimal.RequireFromString("0.55")))
	p, err := qc.GetQuote(ctx, "ABC-1", domain.SideYes)
	require.NoError(t, err)
	assert.Equal(t, "0.55", p.String())

	_, err = qc.GetQuote(ctx, "ABC-1", domain.SideNo)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	mr.FastForward(3 * time.Second)
	_, err = qc.GetQuote(ctx, "ABC-1", domain.SideYes)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSignalBusPublishSubscribe(t *testing.T) {
	c, _ := newTestClient(t)
	bus := NewSignalBus(c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "settlement")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "settlement", []byte(`{"state":"recorded"}`)))

	select {
	case msg := <-ch:
		assert.JSONEq(t, `{"state":"recorded"}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-ch
		return !open
	}, 2*time.Second, 10*time.Millisecond)
}
