// Package dispatcher bridges the eligible frontier and the worker pool. Its
// orchestration loop is single-threaded: it is the only writer deciding what
// gets claimed and submitted, while handler execution is parallel inside the
// pool and completions flow back over a channel.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/seedspider/seedspider/internal/metrics"
	"github.com/seedspider/seedspider/internal/orchestrator"
	"github.com/seedspider/seedspider/internal/progress"
	"github.com/seedspider/seedspider/internal/registry"
	"github.com/seedspider/seedspider/internal/scheduler"
)

const (
	// DefaultLeaseDuration bounds how long a claim stays live without the
	// item resolving; expired leases are reclaimed at the next startup.
	DefaultLeaseDuration = 5 * time.Minute
	// DefaultDrainGrace bounds how long shutdown waits for in-flight work.
	DefaultDrainGrace = 30 * time.Second

	payloadContentType = "application/json"
)

// Config controls one dispatch run.
type Config struct {
	RunID         string
	LeaseDuration time.Duration
	DrainGrace    time.Duration
}

// Dispatcher claims eligible items, runs their handlers on the pool, and
// applies results through the scheduler.
type Dispatcher struct {
	sched   *scheduler.Scheduler
	reg     *registry.Registry
	store   orchestrator.RecordStore
	pool    orchestrator.WorkerPool
	blob    orchestrator.BlobStore
	clock   orchestrator.Clock
	emitter progress.Emitter
	logger  *zap.Logger
	cfg     Config
}

// New constructs a Dispatcher.
func New(
	sched *scheduler.Scheduler,
	reg *registry.Registry,
	store orchestrator.RecordStore,
	pool orchestrator.WorkerPool,
	blob orchestrator.BlobStore,
	clock orchestrator.Clock,
	emitter progress.Emitter,
	logger *zap.Logger,
	cfg Config,
) *Dispatcher {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = DefaultDrainGrace
	}
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Dispatcher{
		sched:   sched,
		reg:     reg,
		store:   store,
		pool:    pool,
		blob:    blob,
		clock:   clock,
		emitter: emitter,
		logger:  logger,
		cfg:     cfg,
	}
}

type completion struct {
	item    orchestrator.WorkItem
	res     orchestrator.HandlerResult
	execErr error
	dur     time.Duration
}

// Run drives the orchestration loop until no pending work remains anywhere
// and nothing is in flight, then returns the run summary. Cancelling ctx
// triggers a graceful shutdown: claiming stops, in-flight items get the
// drain grace period, the rest keep their leases for the next startup.
func (d *Dispatcher) Run(ctx context.Context) (orchestrator.RunSummary, error) {
	d.emitRun(progress.KindRunStart, 0)
	start := d.clock.Now()

	capacity := d.completionCapacity()
	completions := make(chan completion, capacity)
	inFlight := make(map[string]int, d.reg.Len())
	total := 0

	var runErr error

loop:
	for {
		if ctx.Err() != nil {
			runErr = ctx.Err()
			break
		}

		submitted, err := d.fill(ctx, completions, inFlight)
		// Count submissions before checking the error: fill can fail after
		// it already handed tasks to the pool, and shutdown must wait for
		// those completions too.
		total += submitted
		if err != nil {
			runErr = err
			break
		}

		frontier, err := d.sched.Outstanding(ctx)
		if err != nil {
			runErr = err
			break
		}

		switch {
		case total > 0:
			// Block on the next completion so every state change is
			// visible before the termination check re-runs.
			select {
			case c := <-completions:
				total--
				inFlight[c.item.ActionType]--
				if err := d.resolve(ctx, c); err != nil {
					runErr = err
					break loop
				}
			case <-ctx.Done():
				runErr = ctx.Err()
				break loop
			}
		case frontier.Pending > 0:
			// Everything pending is backing off; sleep until the
			// earliest item becomes eligible again.
			if err := d.sleepUntil(ctx, frontier.NextEligible); err != nil {
				runErr = err
				break loop
			}
		default:
			break loop
		}
	}

	d.shutdown(ctx, completions, total)
	d.emitRun(progress.KindRunDone, d.clock.Now().Sub(start))

	summary, err := d.sched.Summary(context.WithoutCancel(ctx))
	if err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return summary, fmt.Errorf("dispatch run: %w", runErr)
	}
	return summary, nil
}

// fill claims and submits eligible items for every type, honoring each
// type's concurrency class. Returns how many submissions were made.
func (d *Dispatcher) fill(ctx context.Context, completions chan<- completion, inFlight map[string]int) (int, error) {
	submitted := 0
	for _, at := range d.reg.Types() {
		room := at.ConcurrencyLimit() - inFlight[at.Name]
		if room <= 0 {
			continue
		}
		batch, err := d.sched.NextBatch(ctx, at.Name, room)
		if err != nil {
			return submitted, err
		}
		for _, item := range batch {
			claimed, ok, err := d.claim(ctx, item)
			if err != nil {
				return submitted, err
			}
			if !ok {
				continue
			}
			if err := d.submit(ctx, at, claimed, completions, inFlight); err != nil {
				return submitted, err
			}
			submitted++
		}
	}
	return submitted, nil
}

func (d *Dispatcher) claim(ctx context.Context, item orchestrator.WorkItem) (orchestrator.WorkItem, bool, error) {
	until := d.clock.Now().Add(d.cfg.LeaseDuration)
	claimed, ok, err := d.store.Claim(ctx, item.ActionType, item.Key, d.cfg.RunID, until)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNotFound) {
			return orchestrator.WorkItem{}, false, nil
		}
		return orchestrator.WorkItem{}, false, fmt.Errorf("claim %s/%s: %w", item.ActionType, item.Key, err)
	}
	if !ok {
		metrics.ObserveClaim(item.ActionType, "lost")
		return orchestrator.WorkItem{}, false, nil
	}
	metrics.ObserveClaim(item.ActionType, "won")
	return claimed, true, nil
}

func (d *Dispatcher) submit(
	ctx context.Context,
	at orchestrator.ActionType,
	item orchestrator.WorkItem,
	completions chan<- completion,
	inFlight map[string]int,
) error {
	task := func(taskCtx context.Context) (orchestrator.HandlerResult, error) {
		if at.Timeout > 0 {
			var cancel context.CancelFunc
			taskCtx, cancel = context.WithTimeout(taskCtx, at.Timeout)
			defer cancel()
		}
		return at.Handler.Execute(taskCtx, item.Request())
	}

	handle, err := d.pool.Submit(ctx, task)
	if err != nil {
		return fmt.Errorf("submit %s/%s: %w", item.ActionType, item.Key, err)
	}
	inFlight[item.ActionType]++
	d.emitItem(progress.KindItemStarted, item, 0)

	started := d.clock.Now()
	go func() {
		res, execErr := handle.Await(context.Background())
		completions <- completion{
			item:    item,
			res:     res,
			execErr: execErr,
			dur:     d.clock.Now().Sub(started),
		}
	}()
	return nil
}

// resolve applies one completion: persist the payload and mark the item,
// then free its concurrency slot. Handler errors never propagate; they only
// alter item state.
func (d *Dispatcher) resolve(ctx context.Context, c completion) error {
	execErr := c.execErr
	payloadRef := ""
	if execErr == nil {
		var err error
		payloadRef, err = d.persistOutputs(ctx, c.item, c.res.Outputs)
		if err != nil {
			// Blob failures count as a failed attempt; the handler
			// may succeed again after the store recovers.
			execErr = orchestrator.RetryableError(err)
		}
	}

	if execErr != nil {
		d.logger.Debug("work item attempt failed",
			zap.String("action_type", c.item.ActionType),
			zap.String("key", c.item.Key),
			zap.Error(execErr),
		)
		if _, err := d.sched.MarkFailed(ctx, c.item, execErr, c.dur); err != nil {
			return err
		}
		return nil
	}
	if _, err := d.sched.MarkDone(ctx, c.item, payloadRef, c.res.Derived, c.dur); err != nil {
		return err
	}
	return nil
}

func (d *Dispatcher) persistOutputs(ctx context.Context, item orchestrator.WorkItem, outputs []json.RawMessage) (string, error) {
	if len(outputs) == 0 || d.blob == nil {
		return "", nil
	}
	data, err := json.Marshal(outputs)
	if err != nil {
		return "", fmt.Errorf("encode outputs: %w", err)
	}
	path := fmt.Sprintf("%s/%s/g%d.json", item.ActionType, item.Key, item.Generation)
	ref, err := d.blob.PutObject(ctx, path, payloadContentType, data)
	if err != nil {
		return "", fmt.Errorf("persist outputs: %w", err)
	}
	return ref, nil
}

// shutdown waits out in-flight work up to the drain grace, applying every
// completion that still arrives; whatever remains keeps its lease and is
// reclaimed on the next startup.
func (d *Dispatcher) shutdown(ctx context.Context, completions <-chan completion, total int) {
	base := context.WithoutCancel(ctx)
	graceCtx, cancel := context.WithTimeout(base, d.cfg.DrainGrace)
	defer cancel()

	for total > 0 {
		select {
		case c := <-completions:
			total--
			if err := d.resolve(base, c); err != nil {
				d.logger.Error("apply completion during shutdown", zap.Error(err))
			}
		case <-graceCtx.Done():
			d.logger.Warn("abandoning in-flight work items", zap.Int("count", total))
			total = 0
		}
	}
	if err := d.pool.Drain(graceCtx); err != nil {
		d.logger.Warn("worker pool drain incomplete", zap.Error(err))
	}
}

func (d *Dispatcher) sleepUntil(ctx context.Context, at time.Time) error {
	wait := at.Sub(d.clock.Now())
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) completionCapacity() int {
	capacity := d.pool.Size()
	for _, at := range d.reg.Types() {
		capacity += at.ConcurrencyLimit()
	}
	return capacity
}

func (d *Dispatcher) emitRun(kind progress.Kind, dur time.Duration) {
	d.emitter.Emit(progress.Event{
		RunID: d.cfg.RunID,
		TS:    d.clock.Now(),
		Kind:  kind,
		Dur:   dur,
	})
}

func (d *Dispatcher) emitItem(kind progress.Kind, item orchestrator.WorkItem, dur time.Duration) {
	d.emitter.Emit(progress.Event{
		RunID:      d.cfg.RunID,
		TS:         d.clock.Now(),
		Kind:       kind,
		ActionType: item.ActionType,
		Key:        item.Key,
		Attempt:    item.Attempts + 1,
		Generation: int64(item.Generation),
		Dur:        dur,
	})
}
