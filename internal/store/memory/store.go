// Package memory provides an in-memory record store for development and
// tests. It mirrors the Postgres store's semantics, including atomic
// admission and claim, behind the same interface.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/seedspider/seedspider/internal/orchestrator"
)

// Store keeps work items in mutex-guarded maps. Admission assigns a
// process-wide sequence so the FIFO frontier matches discovery order.
type Store struct {
	mu    sync.RWMutex
	items map[string]map[string]orchestrator.WorkItem
	seq   int64
}

// New constructs an empty Store.
func New() *Store {
	return &Store{items: make(map[string]map[string]orchestrator.WorkItem)}
}

// Get returns the item for (actionType, key) or ErrNotFound.
func (s *Store) Get(_ context.Context, actionType, key string) (orchestrator.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[actionType][key]
	if !ok {
		return orchestrator.WorkItem{}, orchestrator.ErrNotFound
	}
	return item, nil
}

// Put upserts the item, preserving the discovery sequence of an existing row.
func (s *Store) Put(_ context.Context, item orchestrator.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey := s.items[item.ActionType]
	if byKey == nil {
		byKey = make(map[string]orchestrator.WorkItem)
		s.items[item.ActionType] = byKey
	}
	if existing, ok := byKey[item.Key]; ok {
		item.Seq = existing.Seq
	} else {
		s.seq++
		item.Seq = s.seq
	}
	byKey[item.Key] = item
	return nil
}

// Admit inserts the item only when its identity is absent. The check and
// insert happen under one lock, so concurrent admits see exactly one winner.
func (s *Store) Admit(_ context.Context, item orchestrator.WorkItem) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey := s.items[item.ActionType]
	if byKey == nil {
		byKey = make(map[string]orchestrator.WorkItem)
		s.items[item.ActionType] = byKey
	}
	if _, exists := byKey[item.Key]; exists {
		return false, nil
	}
	s.seq++
	item.Seq = s.seq
	byKey[item.Key] = item
	return true, nil
}

// Claim performs the atomic Pending -> Running transition with a lease.
func (s *Store) Claim(
	_ context.Context,
	actionType, key, owner string,
	until time.Time,
) (orchestrator.WorkItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[actionType][key]
	if !ok {
		return orchestrator.WorkItem{}, false, orchestrator.ErrNotFound
	}
	if item.Status != orchestrator.StatusPending {
		return orchestrator.WorkItem{}, false, nil
	}
	item.Status = orchestrator.StatusRunning
	item.LeaseOwner = owner
	item.LeaseUntil = until
	s.items[actionType][key] = item
	return item, true, nil
}

// Scan returns items of the type in any of the statuses, discovery order.
func (s *Store) Scan(
	_ context.Context,
	actionType string,
	statuses []orchestrator.Status,
) ([]orchestrator.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []orchestrator.WorkItem
	for _, item := range s.items[actionType] {
		if len(statuses) == 0 || containsStatus(statuses, item.Status) {
			out = append(out, item)
		}
	}
	sortBySeq(out)
	return out, nil
}

// PendingBatch returns up to limit eligible Pending items, oldest first.
func (s *Store) PendingBatch(
	_ context.Context,
	actionType string,
	now time.Time,
	limit int,
) ([]orchestrator.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []orchestrator.WorkItem
	for _, item := range s.items[actionType] {
		if item.Eligible(now) {
			out = append(out, item)
		}
	}
	sortBySeq(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Stats reports per-status counts and the earliest pending eligibility.
func (s *Store) Stats(_ context.Context, actionType string) (orchestrator.StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := orchestrator.StoreStats{Counts: make(orchestrator.StatusCounts)}
	for _, item := range s.items[actionType] {
		stats.Counts[item.Status]++
		if item.Status != orchestrator.StatusPending {
			continue
		}
		if stats.NextEligible.IsZero() || item.EligibleAt.Before(stats.NextEligible) {
			stats.NextEligible = item.EligibleAt
		}
	}
	return stats, nil
}

// Close implements orchestrator.RecordStore; nothing to release.
func (s *Store) Close() {}

func containsStatus(statuses []orchestrator.Status, status orchestrator.Status) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func sortBySeq(items []orchestrator.WorkItem) {
	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
}
