package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/seedspider/seedspider/internal/orchestrator"
	"github.com/seedspider/seedspider/internal/registry"
	"github.com/seedspider/seedspider/internal/store/memory"
)

type stubClock struct{ now time.Time }

func (c *stubClock) Now() time.Time { return c.now }

func noopHandler() orchestrator.Handler {
	return orchestrator.HandlerFunc(func(context.Context, orchestrator.Request) (orchestrator.HandlerResult, error) {
		return orchestrator.HandlerResult{}, nil
	})
}

func newController(t *testing.T, types ...orchestrator.ActionType) (*Controller, *memory.Store, *stubClock) {
	t.Helper()
	reg := registry.New()
	for _, at := range types {
		at.Handler = noopHandler()
		require.NoError(t, reg.Register(at))
	}
	require.NoError(t, reg.Validate())
	store := memory.New()
	clock := &stubClock{now: time.Unix(9000, 0).UTC()}
	return New(store, reg, clock, nil, zap.NewNop(), "run-test"), store, clock
}

func put(t *testing.T, store *memory.Store, item orchestrator.WorkItem) {
	t.Helper()
	require.NoError(t, store.Put(context.Background(), item))
}

func TestReclaimResetsExpiredLeases(t *testing.T) {
	t.Parallel()

	c, store, clock := newController(t, orchestrator.ActionType{
		Name:  "detail",
		Retry: orchestrator.RetryConfig{MaxAttempts: 3, BaseDelay: time.Second},
	})
	put(t, store, orchestrator.WorkItem{
		ActionType: "detail",
		Key:        "stale",
		Status:     orchestrator.StatusRunning,
		Attempts:   1,
		LeaseOwner: "dead-run",
		LeaseUntil: clock.now.Add(-time.Minute),
	})

	report, err := c.Reclaim(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Reclaimed["detail"])
	require.Zero(t, report.LiveLeases)

	got, err := store.Get(context.Background(), "detail", "stale")
	require.NoError(t, err)
	require.Equal(t, orchestrator.StatusPending, got.Status)
	require.Equal(t, 2, got.Attempts)
	require.Empty(t, got.LeaseOwner)
	require.True(t, got.EligibleAt.After(clock.now), "reclaimed item backs off before re-execution")
}

func TestReclaimLeavesLiveLeasesAlone(t *testing.T) {
	t.Parallel()

	c, store, clock := newController(t, orchestrator.ActionType{Name: "detail"})
	put(t, store, orchestrator.WorkItem{
		ActionType: "detail",
		Key:        "live",
		Status:     orchestrator.StatusRunning,
		LeaseOwner: "active-run",
		LeaseUntil: clock.now.Add(time.Minute),
	})

	report, err := c.Reclaim(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.Reclaimed)
	require.Equal(t, 1, report.LiveLeases)

	got, err := store.Get(context.Background(), "detail", "live")
	require.NoError(t, err)
	require.Equal(t, orchestrator.StatusRunning, got.Status)
	require.Equal(t, "active-run", got.LeaseOwner)
}

func TestReclaimExhaustsBudgetSpentItems(t *testing.T) {
	t.Parallel()

	c, store, clock := newController(t, orchestrator.ActionType{
		Name:  "detail",
		Retry: orchestrator.RetryConfig{MaxAttempts: 2},
	})
	put(t, store, orchestrator.WorkItem{
		ActionType: "detail",
		Key:        "last-chance",
		Status:     orchestrator.StatusRunning,
		Attempts:   1,
		LeaseUntil: clock.now.Add(-time.Hour),
	})

	report, err := c.Reclaim(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Exhausted["detail"])
	require.Empty(t, report.Reclaimed)

	got, err := store.Get(context.Background(), "detail", "last-chance")
	require.NoError(t, err)
	require.Equal(t, orchestrator.StatusPermanentlyFailed, got.Status)
	require.Equal(t, 2, got.Attempts)
}

func TestReclaimWalksTypesInTopologicalOrder(t *testing.T) {
	t.Parallel()

	c, store, clock := newController(t,
		orchestrator.ActionType{Name: "detail", Predecessor: "list", Retry: orchestrator.RetryConfig{MaxAttempts: 3}},
		orchestrator.ActionType{Name: "list", Retry: orchestrator.RetryConfig{MaxAttempts: 3}},
	)
	for _, name := range []string{"list", "detail"} {
		put(t, store, orchestrator.WorkItem{
			ActionType: name,
			Key:        "k",
			Status:     orchestrator.StatusRunning,
			LeaseUntil: clock.now.Add(-time.Minute),
		})
	}

	report, err := c.Reclaim(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Reclaimed["list"])
	require.Equal(t, 1, report.Reclaimed["detail"])
}
