package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/seedspider/seedspider/internal/blob/memory"
	"github.com/seedspider/seedspider/internal/clock/system"
	"github.com/seedspider/seedspider/internal/dedup"
	"github.com/seedspider/seedspider/internal/hash/sha256"
	"github.com/seedspider/seedspider/internal/orchestrator"
	"github.com/seedspider/seedspider/internal/pool/local"
	"github.com/seedspider/seedspider/internal/registry"
	"github.com/seedspider/seedspider/internal/scheduler"
	"github.com/seedspider/seedspider/internal/store"
	memstore "github.com/seedspider/seedspider/internal/store/memory"
)

type fixture struct {
	reg   *registry.Registry
	store orchestrator.RecordStore
	blob  *memory.BlobStore
	sched *scheduler.Scheduler
	disp  *Dispatcher
	pool  *local.Pool
}

func newFixture(t *testing.T, store orchestrator.RecordStore, poolSize int, types ...orchestrator.ActionType) *fixture {
	t.Helper()
	reg := registry.New()
	for _, at := range types {
		require.NoError(t, reg.Register(at))
	}
	require.NoError(t, reg.Validate())

	if store == nil {
		store = memstore.New()
	}
	clock := system.New()
	deduper := dedup.New(store, dedup.NewCanonicalizer(sha256.New()), clock, zap.NewNop())
	sched := scheduler.New(store, reg, deduper, clock, nil, zap.NewNop(), scheduler.Config{RunID: "run-test"})
	pool := local.New(poolSize, zap.NewNop())
	blob := memory.New()
	disp := New(sched, reg, store, pool, blob, clock, nil, zap.NewNop(), Config{
		RunID:         "run-test",
		LeaseDuration: time.Minute,
		DrainGrace:    2 * time.Second,
	})
	return &fixture{reg: reg, store: store, blob: blob, sched: sched, disp: disp, pool: pool}
}

func (f *fixture) seed(t *testing.T, actionType string, input any) orchestrator.WorkItem {
	t.Helper()
	item, created, err := f.sched.Admit(context.Background(), orchestrator.RawRequest{ActionType: actionType, Input: input})
	require.NoError(t, err)
	require.True(t, created)
	return item
}

func succeedHandler(counter *atomic.Int32) orchestrator.Handler {
	return orchestrator.HandlerFunc(func(context.Context, orchestrator.Request) (orchestrator.HandlerResult, error) {
		if counter != nil {
			counter.Add(1)
		}
		return orchestrator.HandlerResult{}, nil
	})
}

func TestRunListDetailEndToEnd(t *testing.T) {
	t.Parallel()

	var detailRuns atomic.Int32
	listHandler := orchestrator.HandlerFunc(func(_ context.Context, req orchestrator.Request) (orchestrator.HandlerResult, error) {
		return orchestrator.HandlerResult{
			Outputs: []json.RawMessage{json.RawMessage(`{"rows":10}`)},
			Derived: []orchestrator.RawRequest{
				{ActionType: "detail", Input: map[string]any{"id": 1}},
				{ActionType: "detail", Input: map[string]any{"id": 1}},
				{ActionType: "detail", Input: map[string]any{"id": 2}},
			},
		}, nil
	})

	f := newFixture(t, nil, 4,
		orchestrator.ActionType{Name: "list", Handler: listHandler, Concurrency: 2},
		orchestrator.ActionType{Name: "detail", Handler: succeedHandler(&detailRuns), Predecessor: "list", Concurrency: 2},
	)
	f.seed(t, "list", map[string]any{"page": 1})

	summary, err := f.disp.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, summary.PerType["list"][orchestrator.StatusDone])
	require.Equal(t, 2, summary.PerType["detail"][orchestrator.StatusDone])
	require.Equal(t, 3, summary.Done())
	require.Zero(t, summary.PermanentlyFailed())
	require.Equal(t, int32(2), detailRuns.Load(), "duplicate derived requests must collapse to one execution")

	// The seed's outputs must be persisted out-of-row with the ref recorded.
	items, err := f.store.Scan(context.Background(), "list", nil)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NotEmpty(t, items[0].PayloadRef)
	require.Equal(t, 1, f.blob.Len())
}

func TestRunHonorsConcurrencyCap(t *testing.T) {
	t.Parallel()

	const limit = 2
	var running, peak atomic.Int32
	handler := orchestrator.HandlerFunc(func(context.Context, orchestrator.Request) (orchestrator.HandlerResult, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return orchestrator.HandlerResult{}, nil
	})

	f := newFixture(t, nil, 8, orchestrator.ActionType{Name: "detail", Handler: handler, Concurrency: limit})
	for i := 0; i < 6; i++ {
		f.seed(t, "detail", map[string]any{"id": i})
	}

	_, err := f.disp.Run(context.Background())
	require.NoError(t, err)
	require.LessOrEqual(t, peak.Load(), int32(limit))
}

func TestRunRetriesExactlyMaxAttemptsThenFailsPermanently(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	handler := orchestrator.HandlerFunc(func(context.Context, orchestrator.Request) (orchestrator.HandlerResult, error) {
		attempts.Add(1)
		return orchestrator.HandlerResult{}, orchestrator.RetryableError(errors.New("connection reset"))
	})

	f := newFixture(t, nil, 2, orchestrator.ActionType{
		Name:    "detail",
		Handler: handler,
		Retry:   orchestrator.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	})
	item := f.seed(t, "detail", map[string]any{"id": 1})

	summary, err := f.disp.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, int32(3), attempts.Load())
	require.Equal(t, 1, summary.PerType["detail"][orchestrator.StatusPermanentlyFailed])

	got, err := f.store.Get(context.Background(), "detail", item.Key)
	require.NoError(t, err)
	require.Equal(t, orchestrator.StatusPermanentlyFailed, got.Status)
	require.Equal(t, 3, got.Attempts)
	require.Contains(t, got.LastError, "connection reset")
}

func TestRunNonRetryableFailureUsesSingleAttempt(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	handler := orchestrator.HandlerFunc(func(context.Context, orchestrator.Request) (orchestrator.HandlerResult, error) {
		attempts.Add(1)
		return orchestrator.HandlerResult{}, orchestrator.PermanentError(errors.New("malformed input"))
	})

	f := newFixture(t, nil, 2, orchestrator.ActionType{
		Name:    "detail",
		Handler: handler,
		Retry:   orchestrator.RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond},
	})
	f.seed(t, "detail", map[string]any{"id": 1})

	summary, err := f.disp.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(1), attempts.Load())
	require.Equal(t, 1, summary.PermanentlyFailed())
}

func TestRunAttemptTimeoutCountsAsRetryableFailure(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	handler := orchestrator.HandlerFunc(func(ctx context.Context, _ orchestrator.Request) (orchestrator.HandlerResult, error) {
		attempts.Add(1)
		<-ctx.Done()
		return orchestrator.HandlerResult{}, ctx.Err()
	})

	f := newFixture(t, nil, 2, orchestrator.ActionType{
		Name:    "detail",
		Handler: handler,
		Timeout: 20 * time.Millisecond,
		Retry:   orchestrator.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	})
	item := f.seed(t, "detail", map[string]any{"id": 1})

	_, err := f.disp.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, int32(2), attempts.Load())
	got, err := f.store.Get(context.Background(), "detail", item.Key)
	require.NoError(t, err)
	require.Equal(t, orchestrator.StatusPermanentlyFailed, got.Status)
	require.Contains(t, got.LastError, "deadline")
}

func TestRunResumeIdempotence(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	var first atomic.Int32
	f1 := newFixture(t, store, 2, orchestrator.ActionType{Name: "detail", Handler: succeedHandler(&first)})
	f1.seed(t, "detail", map[string]any{"id": 1})
	_, err := f1.disp.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(1), first.Load())

	// Same store, fresh dispatcher, no new seeds: the frontier is empty and
	// no handler may execute again.
	var second atomic.Int32
	f2 := newFixture(t, store, 2, orchestrator.ActionType{Name: "detail", Handler: succeedHandler(&second)})
	summary, err := f2.disp.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, second.Load())
	require.Equal(t, 1, summary.PerType["detail"][orchestrator.StatusDone])
}

func TestRunGracefulCancelWaitsForInFlight(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	var once sync.Once
	handler := orchestrator.HandlerFunc(func(context.Context, orchestrator.Request) (orchestrator.HandlerResult, error) {
		once.Do(func() { close(started) })
		time.Sleep(50 * time.Millisecond)
		return orchestrator.HandlerResult{}, nil
	})

	f := newFixture(t, nil, 2, orchestrator.ActionType{Name: "detail", Handler: handler})
	item := f.seed(t, "detail", map[string]any{"id": 1})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := f.disp.Run(ctx)
	require.NoError(t, err)

	// The in-flight item resolved inside the drain grace period.
	got, err := f.store.Get(context.Background(), "detail", item.Key)
	require.NoError(t, err)
	require.Equal(t, orchestrator.StatusDone, got.Status)
}

// flakyClaimStore fails Claim calls at the configured positions and defers
// everything else to the wrapped store.
type flakyClaimStore struct {
	orchestrator.RecordStore
	mu     sync.Mutex
	calls  int
	faults []error
}

func (s *flakyClaimStore) Claim(
	ctx context.Context,
	actionType, key, owner string,
	until time.Time,
) (orchestrator.WorkItem, bool, error) {
	s.mu.Lock()
	call := s.calls
	s.calls++
	s.mu.Unlock()
	if call < len(s.faults) && s.faults[call] != nil {
		return orchestrator.WorkItem{}, false, s.faults[call]
	}
	return s.RecordStore.Claim(ctx, actionType, key, owner, until)
}

func TestRunSurvivesTransientClaimFaultWithRetryingStore(t *testing.T) {
	t.Parallel()

	flaky := &flakyClaimStore{
		RecordStore: memstore.New(),
		faults:      []error{errors.New("read tcp: connection reset by peer")},
	}
	retrying := store.WithRetry(flaky, store.RetryConfig{Attempts: 3, Base: time.Millisecond}, zap.NewNop())

	var runs atomic.Int32
	f := newFixture(t, retrying, 2, orchestrator.ActionType{Name: "detail", Handler: succeedHandler(&runs)})
	item := f.seed(t, "detail", map[string]any{"id": 1})

	summary, err := f.disp.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(1), runs.Load())
	require.Equal(t, 1, summary.PerType["detail"][orchestrator.StatusDone])

	got, err := f.store.Get(context.Background(), "detail", item.Key)
	require.NoError(t, err)
	require.Equal(t, orchestrator.StatusDone, got.Status)
}

func TestRunShutdownAppliesCompletionsAfterClaimFailure(t *testing.T) {
	t.Parallel()

	// The first claim succeeds, the second fails hard mid-fill: the already
	// submitted task must still have its completion applied during drain.
	flaky := &flakyClaimStore{
		RecordStore: memstore.New(),
		faults:      []error{nil, errors.New("connection refused")},
	}

	handler := orchestrator.HandlerFunc(func(context.Context, orchestrator.Request) (orchestrator.HandlerResult, error) {
		time.Sleep(50 * time.Millisecond)
		return orchestrator.HandlerResult{}, nil
	})
	f := newFixture(t, flaky, 2, orchestrator.ActionType{Name: "detail", Handler: handler, Concurrency: 2})
	f.seed(t, "detail", map[string]any{"id": 1})
	f.seed(t, "detail", map[string]any{"id": 2})

	_, err := f.disp.Run(context.Background())
	require.Error(t, err)
	require.ErrorContains(t, err, "claim")

	items, err := f.store.Scan(context.Background(), "detail", nil)
	require.NoError(t, err)
	require.Len(t, items, 2)
	counts := map[orchestrator.Status]int{}
	for _, item := range items {
		counts[item.Status]++
	}
	require.Equal(t, 1, counts[orchestrator.StatusDone], "the submitted item's result must not be dropped")
	require.Equal(t, 1, counts[orchestrator.StatusPending])
}
