// Package scheduler maintains the frontier of eligible work and applies
// every work item state transition. It is the only writer deciding what
// becomes eligible; the record store remains the source of truth.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/seedspider/seedspider/internal/dedup"
	"github.com/seedspider/seedspider/internal/metrics"
	"github.com/seedspider/seedspider/internal/orchestrator"
	"github.com/seedspider/seedspider/internal/progress"
	"github.com/seedspider/seedspider/internal/registry"
)

// Scheduler resolves dependencies push-based: a Done handler enumerates the
// requests it wants to spawn and those are admitted for the target type.
type Scheduler struct {
	store   orchestrator.RecordStore
	reg     *registry.Registry
	deduper *dedup.Deduper
	clock   orchestrator.Clock
	emitter progress.Emitter
	logger  *zap.Logger
	runID   string

	// cascade controls whether RequeueAll also requeues Done items of
	// downstream action types so they re-derive from refreshed data.
	cascade bool
}

// Config carries scheduler construction options.
type Config struct {
	RunID          string
	RefreshCascade bool
}

// New constructs a Scheduler.
func New(
	store orchestrator.RecordStore,
	reg *registry.Registry,
	deduper *dedup.Deduper,
	clock orchestrator.Clock,
	emitter progress.Emitter,
	logger *zap.Logger,
	cfg Config,
) *Scheduler {
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Scheduler{
		store:   store,
		reg:     reg,
		deduper: deduper,
		clock:   clock,
		emitter: emitter,
		logger:  logger,
		runID:   cfg.RunID,
		cascade: cfg.RefreshCascade,
	}
}

// Admit canonicalizes and admits one request, typically a seed. The action
// type must be registered.
func (s *Scheduler) Admit(ctx context.Context, raw orchestrator.RawRequest) (orchestrator.WorkItem, bool, error) {
	if _, ok := s.reg.Lookup(raw.ActionType); !ok {
		return orchestrator.WorkItem{}, false, fmt.Errorf("%w: %s", orchestrator.ErrUnknownActionType, raw.ActionType)
	}
	item, created, err := s.deduper.Admit(ctx, raw)
	if err != nil {
		return orchestrator.WorkItem{}, false, err
	}
	if created {
		s.emit(progress.KindItemAdmitted, item, 0)
	}
	return item, created, nil
}

// NextBatch returns up to max Pending items of the type whose backoff
// eligible-time has passed, oldest discovered first.
func (s *Scheduler) NextBatch(ctx context.Context, actionType string, max int) ([]orchestrator.WorkItem, error) {
	return s.store.PendingBatch(ctx, actionType, s.clock.Now(), max)
}

// MarkDone persists the successful result and admits every derived request.
// Derived requests naming an unregistered action type are dropped with a
// warning rather than failing the completed item.
func (s *Scheduler) MarkDone(
	ctx context.Context,
	item orchestrator.WorkItem,
	payloadRef string,
	derived []orchestrator.RawRequest,
	dur time.Duration,
) (orchestrator.WorkItem, error) {
	item.Status = orchestrator.StatusDone
	item.PayloadRef = payloadRef
	item.LastError = ""
	item.LeaseOwner = ""
	item.LeaseUntil = time.Time{}
	if err := s.store.Put(ctx, item); err != nil {
		return item, fmt.Errorf("persist done %s/%s: %w", item.ActionType, item.Key, err)
	}
	s.emit(progress.KindItemDone, item, dur)

	for _, raw := range derived {
		if _, ok := s.reg.Lookup(raw.ActionType); !ok {
			s.logger.Warn("dropping derived request for unregistered action type",
				zap.String("from", item.ActionType),
				zap.String("target", raw.ActionType),
			)
			continue
		}
		child, created, err := s.deduper.Admit(ctx, raw)
		if err != nil {
			return item, fmt.Errorf("admit derived %s: %w", raw.ActionType, err)
		}
		if created {
			s.emit(progress.KindItemAdmitted, child, 0)
		}
	}
	return item, nil
}

// MarkFailed records one failed attempt. Retryable failures under the
// budget go back to Pending with a backed-off eligible-time; everything
// else becomes PermanentlyFailed and is never retried.
func (s *Scheduler) MarkFailed(
	ctx context.Context,
	item orchestrator.WorkItem,
	execErr error,
	dur time.Duration,
) (orchestrator.WorkItem, error) {
	at, ok := s.reg.Lookup(item.ActionType)
	if !ok {
		return item, fmt.Errorf("%w: %s", orchestrator.ErrUnknownActionType, item.ActionType)
	}

	item.Attempts++
	item.LastError = truncateError(execErr)
	item.LeaseOwner = ""
	item.LeaseUntil = time.Time{}

	retry := orchestrator.Retryable(execErr) && item.Attempts < at.MaxAttempts()
	if retry {
		backoff := orchestrator.NewExponentialBackoff(at.Retry)
		item.Status = orchestrator.StatusPending
		item.EligibleAt = s.clock.Now().Add(backoff.Delay(item.Attempts))
	} else {
		item.Status = orchestrator.StatusPermanentlyFailed
	}
	if err := s.store.Put(ctx, item); err != nil {
		return item, fmt.Errorf("persist failure %s/%s: %w", item.ActionType, item.Key, err)
	}
	if retry {
		s.emit(progress.KindItemRetry, item, dur)
	} else {
		s.emit(progress.KindItemFailed, item, dur)
	}
	return item, nil
}

// RequeueAll resets Done items of the type back to Pending with a bumped
// generation, keeping their prior payload ref. With refresh cascade enabled
// the reset walks downstream types too, so stale data re-derives end to end.
// It returns how many items were requeued.
func (s *Scheduler) RequeueAll(ctx context.Context, actionType string) (int, error) {
	if _, ok := s.reg.Lookup(actionType); !ok {
		return 0, fmt.Errorf("%w: %s", orchestrator.ErrUnknownActionType, actionType)
	}
	types := []string{actionType}
	if s.cascade {
		types = append(types, s.descendants(actionType)...)
	}
	total := 0
	for _, name := range types {
		n, err := s.requeue(ctx, name, orchestrator.StatusDone, true)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// RequeueFailed puts PermanentlyFailed items of the type back on the
// frontier with a fresh attempt budget. Operator-initiated.
func (s *Scheduler) RequeueFailed(ctx context.Context, actionType string) (int, error) {
	if _, ok := s.reg.Lookup(actionType); !ok {
		return 0, fmt.Errorf("%w: %s", orchestrator.ErrUnknownActionType, actionType)
	}
	return s.requeue(ctx, actionType, orchestrator.StatusPermanentlyFailed, false)
}

func (s *Scheduler) requeue(ctx context.Context, actionType string, from orchestrator.Status, bumpGeneration bool) (int, error) {
	items, err := s.store.Scan(ctx, actionType, []orchestrator.Status{from})
	if err != nil {
		return 0, fmt.Errorf("scan %s for requeue: %w", actionType, err)
	}
	now := s.clock.Now()
	for i, item := range items {
		item.Status = orchestrator.StatusPending
		item.Attempts = 0
		item.LastError = ""
		item.EligibleAt = now
		item.LeaseOwner = ""
		item.LeaseUntil = time.Time{}
		if bumpGeneration {
			item.Generation++
		}
		if err := s.store.Put(ctx, item); err != nil {
			return i, fmt.Errorf("requeue %s/%s: %w", item.ActionType, item.Key, err)
		}
	}
	return len(items), nil
}

// Failed enumerates PermanentlyFailed items of the type for inspection.
func (s *Scheduler) Failed(ctx context.Context, actionType string) ([]orchestrator.WorkItem, error) {
	if _, ok := s.reg.Lookup(actionType); !ok {
		return nil, fmt.Errorf("%w: %s", orchestrator.ErrUnknownActionType, actionType)
	}
	return s.store.Scan(ctx, actionType, []orchestrator.Status{orchestrator.StatusPermanentlyFailed})
}

// Summary reports per-type status counts for the run report.
func (s *Scheduler) Summary(ctx context.Context) (orchestrator.RunSummary, error) {
	summary := orchestrator.RunSummary{
		RunID:   s.runID,
		PerType: make(map[string]orchestrator.StatusCounts, s.reg.Len()),
	}
	for _, at := range s.reg.Types() {
		stats, err := s.store.Stats(ctx, at.Name)
		if err != nil {
			return summary, fmt.Errorf("stats %s: %w", at.Name, err)
		}
		summary.PerType[at.Name] = stats.Counts
	}
	return summary, nil
}

// Frontier summarizes outstanding work across all registered types, used by
// the dispatch loop's termination and sleep decisions.
type Frontier struct {
	Pending      int
	Running      int
	NextEligible time.Time
}

// Empty reports whether the run can halt: nothing pending, nothing running.
func (f Frontier) Empty() bool {
	return f.Pending == 0 && f.Running == 0
}

// Outstanding aggregates pending/running counts and the earliest pending
// eligible-time across every registered action type. It also refreshes the
// per-type frontier depth gauge.
func (s *Scheduler) Outstanding(ctx context.Context) (Frontier, error) {
	var f Frontier
	for _, at := range s.reg.Types() {
		stats, err := s.store.Stats(ctx, at.Name)
		if err != nil {
			return f, fmt.Errorf("stats %s: %w", at.Name, err)
		}
		pending := stats.Counts[orchestrator.StatusPending]
		f.Pending += pending
		f.Running += stats.Counts[orchestrator.StatusRunning]
		metrics.SetFrontierDepth(at.Name, pending)
		if !stats.NextEligible.IsZero() &&
			(f.NextEligible.IsZero() || stats.NextEligible.Before(f.NextEligible)) {
			f.NextEligible = stats.NextEligible
		}
	}
	return f, nil
}

// descendants returns every type reachable from root over predecessor edges,
// in topological order.
func (s *Scheduler) descendants(root string) []string {
	children := make(map[string][]string)
	for _, at := range s.reg.Types() {
		if at.Predecessor != "" {
			children[at.Predecessor] = append(children[at.Predecessor], at.Name)
		}
	}
	var out []string
	queue := append([]string(nil), children[root]...)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		out = append(out, name)
		queue = append(queue, children[name]...)
	}
	return out
}

func (s *Scheduler) emit(kind progress.Kind, item orchestrator.WorkItem, dur time.Duration) {
	s.emitter.Emit(progress.Event{
		RunID:      s.runID,
		TS:         s.clock.Now(),
		Kind:       kind,
		ActionType: item.ActionType,
		Key:        item.Key,
		Attempt:    item.Attempts,
		Generation: int64(item.Generation),
		Dur:        dur,
	})
}

const maxErrorLen = 512

// truncateError keeps error summaries bounded in the store.
func truncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	return msg
}
