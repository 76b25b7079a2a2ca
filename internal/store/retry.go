// Package store wraps record store implementations with cross-cutting
// behavior shared by every backend.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/seedspider/seedspider/internal/metrics"
	"github.com/seedspider/seedspider/internal/orchestrator"
)

// RetryConfig bounds how long a flaky store is retried before the run gives
// up. The orchestrator cannot guarantee correctness without the store, so
// exhausted budgets escalate to ErrStoreUnavailable and halt the run.
type RetryConfig struct {
	Attempts int
	Base     time.Duration
}

const (
	defaultAttempts = 3
	defaultBase     = 100 * time.Millisecond
)

// Retrying decorates a RecordStore with bounded, backed-off retries for
// transient failures. ErrNotFound and context errors pass through untouched.
type Retrying struct {
	inner  orchestrator.RecordStore
	cfg    RetryConfig
	logger *zap.Logger
}

// WithRetry wraps inner. A nil logger defaults to zap.NewNop.
func WithRetry(inner orchestrator.RecordStore, cfg RetryConfig, logger *zap.Logger) *Retrying {
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultAttempts
	}
	if cfg.Base <= 0 {
		cfg.Base = defaultBase
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Retrying{inner: inner, cfg: cfg, logger: logger}
}

func (r *Retrying) retry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= r.cfg.Attempts; attempt++ {
		err = fn()
		if err == nil || !transient(err) {
			return err
		}
		if attempt == r.cfg.Attempts {
			break
		}
		metrics.ObserveStoreRetry(op)
		r.logger.Warn("record store operation failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.cfg.Base << (attempt - 1)):
		}
	}
	return fmt.Errorf("%w: %s: %v", orchestrator.ErrStoreUnavailable, op, err)
}

func transient(err error) bool {
	if errors.Is(err, orchestrator.ErrNotFound) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// Get implements orchestrator.RecordStore.
func (r *Retrying) Get(ctx context.Context, actionType, key string) (orchestrator.WorkItem, error) {
	var item orchestrator.WorkItem
	err := r.retry(ctx, "get", func() error {
		var opErr error
		item, opErr = r.inner.Get(ctx, actionType, key)
		return opErr
	})
	return item, err
}

// Put implements orchestrator.RecordStore.
func (r *Retrying) Put(ctx context.Context, item orchestrator.WorkItem) error {
	return r.retry(ctx, "put", func() error {
		return r.inner.Put(ctx, item)
	})
}

// Admit implements orchestrator.RecordStore. Admit is an insert-if-absent,
// so re-running it after an ambiguous failure is safe: a retry that finds
// the row already present simply reports it as existing.
func (r *Retrying) Admit(ctx context.Context, item orchestrator.WorkItem) (bool, error) {
	var created bool
	err := r.retry(ctx, "admit", func() error {
		var opErr error
		created, opErr = r.inner.Admit(ctx, item)
		return opErr
	})
	return created, err
}

// Claim implements orchestrator.RecordStore. A claim lost to an ambiguous
// failure leaves the item Running under our lease; the checkpoint controller
// reclaims it after the lease expires. That is the documented at-least-once
// boundary.
func (r *Retrying) Claim(
	ctx context.Context,
	actionType, key, owner string,
	until time.Time,
) (orchestrator.WorkItem, bool, error) {
	var (
		item    orchestrator.WorkItem
		claimed bool
	)
	err := r.retry(ctx, "claim", func() error {
		var opErr error
		item, claimed, opErr = r.inner.Claim(ctx, actionType, key, owner, until)
		return opErr
	})
	return item, claimed, err
}

// Scan implements orchestrator.RecordStore.
func (r *Retrying) Scan(
	ctx context.Context,
	actionType string,
	statuses []orchestrator.Status,
) ([]orchestrator.WorkItem, error) {
	var items []orchestrator.WorkItem
	err := r.retry(ctx, "scan", func() error {
		var opErr error
		items, opErr = r.inner.Scan(ctx, actionType, statuses)
		return opErr
	})
	return items, err
}

// PendingBatch implements orchestrator.RecordStore.
func (r *Retrying) PendingBatch(
	ctx context.Context,
	actionType string,
	now time.Time,
	limit int,
) ([]orchestrator.WorkItem, error) {
	var items []orchestrator.WorkItem
	err := r.retry(ctx, "pending_batch", func() error {
		var opErr error
		items, opErr = r.inner.PendingBatch(ctx, actionType, now, limit)
		return opErr
	})
	return items, err
}

// Stats implements orchestrator.RecordStore.
func (r *Retrying) Stats(ctx context.Context, actionType string) (orchestrator.StoreStats, error) {
	var stats orchestrator.StoreStats
	err := r.retry(ctx, "stats", func() error {
		var opErr error
		stats, opErr = r.inner.Stats(ctx, actionType)
		return opErr
	})
	return stats, err
}

// Close implements orchestrator.RecordStore.
func (r *Retrying) Close() {
	r.inner.Close()
}
