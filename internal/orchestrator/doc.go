// Package orchestrator defines the core types and capability interfaces
// shared across the crawl orchestration subsystems: action declarations,
// durable work item records, handler contracts, and the retry policy.
package orchestrator
