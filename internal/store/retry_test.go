package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/seedspider/seedspider/internal/orchestrator"
	"github.com/seedspider/seedspider/internal/store/memory"
)

// flakyStore fails the first n calls of every operation.
type flakyStore struct {
	orchestrator.RecordStore
	failures int
	calls    int
	err      error
}

func (f *flakyStore) Get(ctx context.Context, actionType, key string) (orchestrator.WorkItem, error) {
	f.calls++
	if f.calls <= f.failures {
		return orchestrator.WorkItem{}, f.err
	}
	return f.RecordStore.Get(ctx, actionType, key)
}

func TestWithRetry_RecoversFromTransientFailure(t *testing.T) {
	t.Parallel()

	inner := memory.New()
	ctx := context.Background()
	now := time.Unix(1000, 0)
	_, err := inner.Admit(ctx, orchestrator.WorkItem{
		ActionType: "list", Key: "k", Status: orchestrator.StatusPending,
		EligibleAt: now, Discovered: now,
	})
	require.NoError(t, err)

	flaky := &flakyStore{RecordStore: inner, failures: 2, err: errors.New("connection reset")}
	retrying := WithRetry(flaky, RetryConfig{Attempts: 3, Base: time.Millisecond}, zap.NewNop())

	item, err := retrying.Get(ctx, "list", "k")
	require.NoError(t, err)
	require.Equal(t, "k", item.Key)
	require.Equal(t, 3, flaky.calls)
}

func TestWithRetry_ExhaustionEscalatesToStoreUnavailable(t *testing.T) {
	t.Parallel()

	flaky := &flakyStore{RecordStore: memory.New(), failures: 100, err: errors.New("down")}
	retrying := WithRetry(flaky, RetryConfig{Attempts: 3, Base: time.Millisecond}, zap.NewNop())

	_, err := retrying.Get(context.Background(), "list", "k")
	require.ErrorIs(t, err, orchestrator.ErrStoreUnavailable)
	require.Equal(t, 3, flaky.calls)
}

func TestWithRetry_NotFoundPassesThrough(t *testing.T) {
	t.Parallel()

	retrying := WithRetry(memory.New(), RetryConfig{}, nil)

	_, err := retrying.Get(context.Background(), "list", "missing")
	require.ErrorIs(t, err, orchestrator.ErrNotFound)
	require.NotErrorIs(t, err, orchestrator.ErrStoreUnavailable)
}

func TestWithRetry_ContextCancelStops(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	flaky := &flakyStore{RecordStore: memory.New(), failures: 100, err: errors.New("down")}
	retrying := WithRetry(flaky, RetryConfig{Attempts: 5, Base: 10 * time.Millisecond}, nil)

	_, err := retrying.Get(ctx, "list", "k")
	require.Error(t, err)
	require.Less(t, flaky.calls, 5)
}
