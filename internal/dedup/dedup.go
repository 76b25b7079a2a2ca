package dedup

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/seedspider/seedspider/internal/orchestrator"
)

// Deduper admits raw requests: canonicalize, then atomically check-and-insert
// against the record store. The store's Admit linearizes concurrent calls,
// so only one caller per identity ever observes created == true.
type Deduper struct {
	store  orchestrator.RecordStore
	canon  *Canonicalizer
	clock  orchestrator.Clock
	logger *zap.Logger
}

// New constructs a Deduper.
func New(
	store orchestrator.RecordStore,
	canon *Canonicalizer,
	clock orchestrator.Clock,
	logger *zap.Logger,
) *Deduper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduper{store: store, canon: canon, clock: clock, logger: logger}
}

// Admit canonicalizes raw and inserts a Pending work item when the identity
// is new. It returns the item as stored plus whether this call created it.
func (d *Deduper) Admit(ctx context.Context, raw orchestrator.RawRequest) (orchestrator.WorkItem, bool, error) {
	input, err := Marshal(raw.Input)
	if err != nil {
		return orchestrator.WorkItem{}, false, err
	}
	key, err := d.canon.Canonicalize(raw.ActionType, input)
	if err != nil {
		return orchestrator.WorkItem{}, false, err
	}

	now := d.clock.Now()
	item := orchestrator.WorkItem{
		ActionType: raw.ActionType,
		Key:        key,
		Input:      input,
		Status:     orchestrator.StatusPending,
		EligibleAt: now,
		Discovered: now,
	}
	created, err := d.store.Admit(ctx, item)
	if err != nil {
		return orchestrator.WorkItem{}, false, fmt.Errorf("admit %s/%s: %w", raw.ActionType, key, err)
	}
	if !created {
		existing, err := d.store.Get(ctx, raw.ActionType, key)
		if err != nil {
			return orchestrator.WorkItem{}, false, fmt.Errorf("load existing %s/%s: %w", raw.ActionType, key, err)
		}
		d.logger.Debug("duplicate request dropped",
			zap.String("action_type", raw.ActionType),
			zap.String("key", key),
		)
		return existing, false, nil
	}
	// Re-read the record so store-assigned fields (the discovery sequence)
	// are present on the returned item.
	stored, err := d.store.Get(ctx, raw.ActionType, key)
	if err != nil {
		return orchestrator.WorkItem{}, false, fmt.Errorf("load admitted %s/%s: %w", raw.ActionType, key, err)
	}
	return stored, true, nil
}
