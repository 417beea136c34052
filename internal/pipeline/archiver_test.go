package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingArchiver struct {
	mu      sync.Mutex
	cutoffs []time.Time
	err     error
}

func (r *recordingArchiver) ArchiveLedger(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cutoffs = append(r.cutoffs, before)
	return 3, r.err
}

func (r *recordingArchiver) runs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cutoffs)
}

func newTestArchiver(blob *recordingArchiver) *Archiver {
	a := NewArchiver(blob, 90, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.now = func() time.Time { return time.Date(2026, 6, 30, 12, 0, 0, 0, time.UTC) }
	return a
}

func TestArchiverRunUsesRetentionCutoff(t *testing.T) {
	blob := &recordingArchiver{}
	n, err := newTestArchiver(blob).Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	require.Len(t, blob.cutoffs, 1)
	assert.Equal(t, time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC), blob.cutoffs[0])
}

func TestArchiverRunWrapsError(t *testing.T) {
	blob := &recordingArchiver{err: errors.New("s3 down")}
	_, err := newTestArchiver(blob).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2026-04-01")
}

func TestArchiverRunEvery(t *testing.T) {
	blob := &recordingArchiver{err: errors.New("transient")}
	a := newTestArchiver(blob)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.RunEvery(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool { return blob.runs() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RunEvery did not stop")
	}
}

func TestArchiverRunEveryRejectsZeroInterval(t *testing.T) {
	err := newTestArchiver(&recordingArchiver{}).RunEvery(context.Background(), 0)
	assert.Error(t, err)
}
