// Package checkpoint reconciles record store state with the registry at
// startup so a prior run can resume without re-executing completed items or
// losing in-flight ones.
package checkpoint

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/seedspider/seedspider/internal/metrics"
	"github.com/seedspider/seedspider/internal/orchestrator"
	"github.com/seedspider/seedspider/internal/progress"
	"github.com/seedspider/seedspider/internal/registry"
)

// Controller resets Running items whose lease has gone stale back to
// Pending. A reclaimed item's outcome is unknown, so its attempt count is
// incremented as if it had failed; conservative re-execution is the
// at-least-once boundary of the system.
type Controller struct {
	store   orchestrator.RecordStore
	reg     *registry.Registry
	clock   orchestrator.Clock
	emitter progress.Emitter
	logger  *zap.Logger
	runID   string
}

// New constructs a Controller.
func New(
	store orchestrator.RecordStore,
	reg *registry.Registry,
	clock orchestrator.Clock,
	emitter progress.Emitter,
	logger *zap.Logger,
	runID string,
) *Controller {
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Controller{store: store, reg: reg, clock: clock, emitter: emitter, logger: logger, runID: runID}
}

// Report summarizes one reclaim pass.
type Report struct {
	// Reclaimed counts expired-lease items reset to Pending, per type.
	Reclaimed map[string]int
	// Exhausted counts items whose unknown outcome spent the last attempt.
	Exhausted map[string]int
	// LiveLeases counts Running items left alone because their lease holder
	// may still be working.
	LiveLeases int
}

// Reclaim scans every registered action type in topological order and
// resets stale Running items. Live leases are untouched.
func (c *Controller) Reclaim(ctx context.Context) (Report, error) {
	report := Report{
		Reclaimed: make(map[string]int),
		Exhausted: make(map[string]int),
	}
	for _, name := range c.reg.ResolveOrder() {
		at, ok := c.reg.Lookup(name)
		if !ok {
			return report, fmt.Errorf("%w: %s", orchestrator.ErrUnknownActionType, name)
		}
		items, err := c.store.Scan(ctx, name, []orchestrator.Status{orchestrator.StatusRunning})
		if err != nil {
			return report, fmt.Errorf("scan running %s: %w", name, err)
		}
		now := c.clock.Now()
		for _, item := range items {
			if !item.LeaseExpired(now) {
				report.LiveLeases++
				continue
			}
			reclaimed, err := c.reclaimItem(ctx, at, item, now)
			if err != nil {
				return report, err
			}
			if reclaimed.Status == orchestrator.StatusPermanentlyFailed {
				report.Exhausted[name]++
			} else {
				report.Reclaimed[name]++
			}
		}
	}
	return report, nil
}

func (c *Controller) reclaimItem(
	ctx context.Context,
	at orchestrator.ActionType,
	item orchestrator.WorkItem,
	now time.Time,
) (orchestrator.WorkItem, error) {
	item.Attempts++
	item.LeaseOwner = ""
	item.LeaseUntil = time.Time{}
	item.LastError = "lease expired, outcome unknown"

	if item.Attempts >= at.MaxAttempts() {
		item.Status = orchestrator.StatusPermanentlyFailed
	} else {
		backoff := orchestrator.NewExponentialBackoff(at.Retry)
		item.Status = orchestrator.StatusPending
		item.EligibleAt = now.Add(backoff.Delay(item.Attempts))
	}
	if err := c.store.Put(ctx, item); err != nil {
		return item, fmt.Errorf("reclaim %s/%s: %w", item.ActionType, item.Key, err)
	}

	metrics.ObserveReclaim(item.ActionType)
	c.emitter.Emit(progress.Event{
		RunID:      c.runID,
		TS:         now,
		Kind:       progress.KindItemReclaimed,
		ActionType: item.ActionType,
		Key:        item.Key,
		Attempt:    item.Attempts,
		Generation: int64(item.Generation),
	})
	c.logger.Info("reclaimed stale work item",
		zap.String("action_type", item.ActionType),
		zap.String("key", item.Key),
		zap.Int("attempts", item.Attempts),
		zap.String("status", string(item.Status)),
	)
	return item, nil
}
