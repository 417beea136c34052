package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/tradegate/internal/config"
)

type allowAll struct{}

func (allowAll) Allow(context.Context, string, int, time.Duration) (bool, error) { return true, nil }

func TestServerConfigRateLimit(t *testing.T) {
	cfg := config.Defaults()
	cfg.Server.Port = 9090
	cfg.Server.CORSOrigins = []string{"https://agents.example"}
	a := New(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	t.Run("no limiter without redis", func(t *testing.T) {
		sc := a.serverConfig(&Dependencies{})
		assert.Equal(t, 9090, sc.Port)
		assert.Equal(t, []string{"https://agents.example"}, sc.CORSOrigins)
		assert.Nil(t, sc.RateLimiter)
	})

	t.Run("limiter applied when enabled", func(t *testing.T) {
		sc := a.serverConfig(&Dependencies{RateLimiter: allowAll{}})
		assert.NotNil(t, sc.RateLimiter)
		assert.Equal(t, cfg.RateLimit.Requests, sc.RateLimit)
		assert.Equal(t, time.Minute, sc.RateLimitWindow)
	})

	t.Run("disabled in config", func(t *testing.T) {
		off := cfg
		off.RateLimit.Enabled = false
		sc := New(&off, slog.New(slog.NewTextHandler(io.Discard, nil))).serverConfig(&Dependencies{RateLimiter: allowAll{}})
		assert.Nil(t, sc.RateLimiter)
	})
}
