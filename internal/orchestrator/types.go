package orchestrator

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a WorkItem.
type Status string

// Work item status values persisted in the record store.
const (
	StatusPending           Status = "pending"
	StatusRunning           Status = "running"
	StatusDone              Status = "done"
	StatusFailed            Status = "failed"
	StatusPermanentlyFailed Status = "permanently_failed"
)

// IsTerminal reports whether the status ends the item's lifecycle.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusPermanentlyFailed
}

// RetryConfig bounds re-execution of a failing work item.
type RetryConfig struct {
	// MaxAttempts counts the first execution too; 3 means two retries.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// ActionType is the immutable declaration of one kind of work. Instances are
// registered once at startup and never mutated afterwards.
type ActionType struct {
	Name string
	// Handler transforms an input payload into outputs plus derived requests
	// for downstream action types.
	Handler Handler
	// Predecessor names the action type whose Done handlers feed this one.
	// Empty for seed actions.
	Predecessor string
	// Concurrency caps simultaneous executions of this type. Zero means 1.
	Concurrency int
	Retry       RetryConfig
	// Timeout bounds a single attempt. Zero disables the per-attempt timeout.
	Timeout time.Duration
}

// ConcurrencyLimit returns the effective concurrency class.
func (a ActionType) ConcurrencyLimit() int {
	if a.Concurrency <= 0 {
		return 1
	}
	return a.Concurrency
}

// MaxAttempts returns the effective retry budget.
func (a ActionType) MaxAttempts() int {
	if a.Retry.MaxAttempts <= 0 {
		return 1
	}
	return a.Retry.MaxAttempts
}

// RawRequest is a request as emitted by a handler, before canonicalization.
// Input may be any JSON-marshalable value.
type RawRequest struct {
	ActionType string
	Input      any
}

// Request is the canonical identity of one unit of work. Two requests with
// equal (ActionType, Key) are the same logical unit.
type Request struct {
	ActionType string
	Key        string
	Input      json.RawMessage
}

// WorkItem pairs a Request with its mutable execution state. The record
// store is the single source of truth for every field here; in-memory views
// are always reconstructible from it.
type WorkItem struct {
	ActionType string          `json:"action_type"`
	Key        string          `json:"key"`
	Input      json.RawMessage `json:"input,omitempty"`
	Status     Status          `json:"status"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
	PayloadRef string          `json:"payload_ref,omitempty"`
	// Generation distinguishes a refresh re-run from a true duplicate.
	Generation int `json:"generation"`
	// Seq is assigned by the store at admission and orders the FIFO frontier.
	Seq        int64     `json:"seq"`
	EligibleAt time.Time `json:"eligible_at"`
	LeaseOwner string    `json:"lease_owner,omitempty"`
	LeaseUntil time.Time `json:"lease_until,omitzero"`
	Discovered time.Time `json:"discovered_at"`
}

// Request returns the canonical identity of the item.
func (w WorkItem) Request() Request {
	return Request{ActionType: w.ActionType, Key: w.Key, Input: w.Input}
}

// Eligible reports whether the item may be dispatched at the given instant.
func (w WorkItem) Eligible(now time.Time) bool {
	return w.Status == StatusPending && !w.EligibleAt.After(now)
}

// LeaseExpired reports whether a Running item's claim has gone stale.
func (w WorkItem) LeaseExpired(now time.Time) bool {
	return w.Status == StatusRunning && w.LeaseUntil.Before(now)
}

// HandlerResult carries everything a successful handler produced.
type HandlerResult struct {
	// Outputs are persisted to the blob store under the item's payload ref.
	Outputs []json.RawMessage
	// Derived requests are admitted for downstream action types.
	Derived []RawRequest
}

// StatusCounts aggregates item counts per status for one action type.
type StatusCounts map[Status]int

// RunSummary is the user-visible outcome of an orchestration run.
type RunSummary struct {
	RunID   string                  `json:"run_id"`
	PerType map[string]StatusCounts `json:"per_type"`
}

// Done returns the total Done count across action types.
func (s RunSummary) Done() int {
	var n int
	for _, c := range s.PerType {
		n += c[StatusDone]
	}
	return n
}

// PermanentlyFailed returns the total exhausted-failure count.
func (s RunSummary) PermanentlyFailed() int {
	var n int
	for _, c := range s.PerType {
		n += c[StatusPermanentlyFailed]
	}
	return n
}
