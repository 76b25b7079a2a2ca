// Package progress defines the event structures emitted while a run executes.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Kind denotes the milestone an Event represents.
type Kind string

// Supported progress kinds.
const (
	KindRunStart      Kind = "RUN_START"
	KindRunDone       Kind = "RUN_DONE"
	KindItemAdmitted  Kind = "ITEM_ADMITTED"
	KindItemStarted   Kind = "ITEM_STARTED"
	KindItemDone      Kind = "ITEM_DONE"
	KindItemRetry     Kind = "ITEM_RETRY"
	KindItemFailed    Kind = "ITEM_FAILED"
	KindItemReclaimed Kind = "ITEM_RECLAIMED"
)

// Event captures a single milestone of a run or of one work item.
type Event struct {
	// RunID identifies the run emitting the event.
	RunID string `json:"run_id"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Kind denotes which lifecycle milestone occurred.
	Kind Kind `json:"kind"`
	// ActionType scopes item events to their registered type.
	ActionType string `json:"action_type,omitempty"`
	// Key is the canonical key of the item the event concerns.
	Key string `json:"key,omitempty"`
	// Attempt is the execution attempt the event reports on, 1-based.
	Attempt int `json:"attempt,omitempty"`
	// Generation is the refresh generation the item belongs to.
	Generation int64 `json:"generation,omitempty"`
	// Dur captures execution latency for completed attempts and runs.
	Dur time.Duration `json:"dur,omitempty"`
	// Note carries low-volume context such as truncated error text.
	Note string `json:"note,omitempty"`
}

// ItemScoped reports whether the kind describes a single work item.
func (k Kind) ItemScoped() bool {
	switch k {
	case KindItemAdmitted, KindItemStarted, KindItemDone, KindItemRetry, KindItemFailed, KindItemReclaimed:
		return true
	}
	return false
}

// Terminal reports whether the kind ends an item's lifecycle for this run.
func (k Kind) Terminal() bool {
	return k == KindItemDone || k == KindItemFailed
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindRunStart, KindRunDone:
	case KindItemAdmitted, KindItemStarted, KindItemDone, KindItemRetry, KindItemFailed, KindItemReclaimed:
		if e.ActionType == "" || e.Key == "" {
			return fmt.Errorf("%s requires action type and key", e.Kind)
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
