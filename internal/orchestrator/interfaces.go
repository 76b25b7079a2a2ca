package orchestrator

import (
	"context"
	"time"
)

// Handler executes one unit of work: fetch, parse, and emit derived
// requests. Implementations are the injected fetch/parse capability; the
// core never performs network IO itself. Handlers should be idempotent:
// crash recovery re-executes items whose outcome is unknown.
type Handler interface {
	Execute(ctx context.Context, req Request) (HandlerResult, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req Request) (HandlerResult, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, req Request) (HandlerResult, error) {
	return f(ctx, req)
}

// StoreStats summarizes one action type's items inside the store.
type StoreStats struct {
	Counts StatusCounts
	// NextEligible is the earliest eligible-at among Pending items, zero
	// when nothing is pending.
	NextEligible time.Time
}

// RecordStore is the durable source of truth for work item state. All
// cross-worker coordination goes through it, so Admit and Claim must be
// atomic: concurrent calls for the same identity see exactly one winner.
type RecordStore interface {
	// Get returns the item for (actionType, key) or ErrNotFound.
	Get(ctx context.Context, actionType, key string) (WorkItem, error)

	// Put upserts the item by identity.
	Put(ctx context.Context, item WorkItem) error

	// Admit inserts the item only if its identity is absent, assigning the
	// discovery sequence. It reports whether this call created the record.
	Admit(ctx context.Context, item WorkItem) (bool, error)

	// Claim transitions (actionType, key) from Pending to Running with the
	// given lease, returning the claimed item. Exactly one concurrent
	// claimer succeeds; the rest observe claimed == false.
	Claim(ctx context.Context, actionType, key, owner string, until time.Time) (WorkItem, bool, error)

	// Scan returns all items of the type in any of the given statuses, in
	// discovery order. An empty filter matches every status.
	Scan(ctx context.Context, actionType string, statuses []Status) ([]WorkItem, error)

	// PendingBatch returns up to limit Pending items whose eligible-at is
	// not after now, oldest discovered first.
	PendingBatch(ctx context.Context, actionType string, now time.Time, limit int) ([]WorkItem, error)

	// Stats reports per-status counts and the earliest pending eligibility.
	Stats(ctx context.Context, actionType string) (StoreStats, error)

	Close()
}

// Task is one claimed work item's execution, submitted to a worker pool.
type Task func(ctx context.Context) (HandlerResult, error)

// Handle tracks one submitted task until it resolves.
type Handle interface {
	// Await blocks until the task resolves or ctx ends.
	Await(ctx context.Context) (HandlerResult, error)
	// Done is closed once the task has resolved.
	Done() <-chan struct{}
}

// WorkerPool abstracts where handler executions actually run. The core only
// needs submit-and-await semantics; pool topology (in-process goroutines or
// a remote fleet) is an injected strategy.
type WorkerPool interface {
	// Submit enqueues the task, blocking while the pool is saturated.
	Submit(ctx context.Context, task Task) (Handle, error)
	// Size reports the pool's worker count.
	Size() int
	// Drain stops intake and waits for in-flight tasks until ctx ends.
	Drain(ctx context.Context) error
}

// BlobStore writes handler output payloads out-of-row and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher fans terminal transitions out to an external topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for canonical request keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (injectable for tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run and lease-owner IDs.
type IDGenerator interface {
	NewID() (string, error)
}
