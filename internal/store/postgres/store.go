// Package postgres provides the Postgres-backed record store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seedspider/seedspider/internal/orchestrator"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "work_items"

// Config controls the Postgres connection pool used for work item rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the narrow slice of pgxpool.Pool the store needs; pgxmock
// implements it for tests.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store persists work items in a single Postgres table. One row per
// (action_type, canonical_key); the bigserial seq column orders the FIFO
// frontier by discovery.
type Store struct {
	pool  pool
	table string
}

// New creates a Store backed by a fresh pgx pool.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p, table: table}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for
// testing with pgxmock).
func NewWithPool(p pool, table string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: p, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const itemColumns = `action_type, canonical_key, input, status, attempts, last_error,
payload_ref, generation, seq, eligible_at, lease_owner, lease_expires_at, discovered_at`

func (s *Store) scanItem(row pgx.Row) (orchestrator.WorkItem, error) {
	var (
		item     orchestrator.WorkItem
		input    []byte
		status   string
		leaseExp *time.Time
	)
	err := row.Scan(
		&item.ActionType,
		&item.Key,
		&input,
		&status,
		&item.Attempts,
		&item.LastError,
		&item.PayloadRef,
		&item.Generation,
		&item.Seq,
		&item.EligibleAt,
		&item.LeaseOwner,
		&leaseExp,
		&item.Discovered,
	)
	if err != nil {
		return orchestrator.WorkItem{}, err
	}
	item.Input = json.RawMessage(input)
	item.Status = orchestrator.Status(status)
	if leaseExp != nil {
		item.LeaseUntil = *leaseExp
	}
	return item, nil
}

// Get returns the item for (actionType, key) or ErrNotFound.
func (s *Store) Get(ctx context.Context, actionType, key string) (orchestrator.WorkItem, error) {
	query := fmt.Sprintf(`
SELECT %s FROM %s WHERE action_type = $1 AND canonical_key = $2`, itemColumns, s.table)
	item, err := s.scanItem(s.pool.QueryRow(ctx, query, actionType, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return orchestrator.WorkItem{}, orchestrator.ErrNotFound
		}
		return orchestrator.WorkItem{}, fmt.Errorf("get work item: %w", err)
	}
	return item, nil
}

// Put upserts the item by identity. The seq assigned at admission is kept.
func (s *Store) Put(ctx context.Context, item orchestrator.WorkItem) error {
	query := fmt.Sprintf(`
INSERT INTO %s (
	action_type, canonical_key, input, status, attempts, last_error,
	payload_ref, generation, eligible_at, lease_owner, lease_expires_at, discovered_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (action_type, canonical_key) DO UPDATE SET
	status = EXCLUDED.status,
	attempts = EXCLUDED.attempts,
	last_error = EXCLUDED.last_error,
	payload_ref = EXCLUDED.payload_ref,
	generation = EXCLUDED.generation,
	eligible_at = EXCLUDED.eligible_at,
	lease_owner = EXCLUDED.lease_owner,
	lease_expires_at = EXCLUDED.lease_expires_at`, s.table)

	if _, err := s.pool.Exec(ctx, query, putArgs(item)...); err != nil {
		return fmt.Errorf("put work item: %w", err)
	}
	return nil
}

// Admit inserts the item only when its identity is absent; the conflict
// target makes concurrent admits linearizable with exactly one winner.
func (s *Store) Admit(ctx context.Context, item orchestrator.WorkItem) (bool, error) {
	query := fmt.Sprintf(`
INSERT INTO %s (
	action_type, canonical_key, input, status, attempts, last_error,
	payload_ref, generation, eligible_at, lease_owner, lease_expires_at, discovered_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (action_type, canonical_key) DO NOTHING`, s.table)

	tag, err := s.pool.Exec(ctx, query, putArgs(item)...)
	if err != nil {
		return false, fmt.Errorf("admit work item: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Claim performs the Pending -> Running transition and lease write in a
// single statement, so no two claimers can win the same item.
func (s *Store) Claim(
	ctx context.Context,
	actionType, key, owner string,
	until time.Time,
) (orchestrator.WorkItem, bool, error) {
	query := fmt.Sprintf(`
UPDATE %s SET status = $1, lease_owner = $2, lease_expires_at = $3
WHERE action_type = $4 AND canonical_key = $5 AND status = $6
RETURNING %s`, s.table, itemColumns)

	item, err := s.scanItem(s.pool.QueryRow(
		ctx, query,
		string(orchestrator.StatusRunning), owner, until,
		actionType, key, string(orchestrator.StatusPending),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return orchestrator.WorkItem{}, false, nil
		}
		return orchestrator.WorkItem{}, false, fmt.Errorf("claim work item: %w", err)
	}
	return item, true, nil
}

// Scan returns items of the type in any of the statuses, discovery order.
func (s *Store) Scan(
	ctx context.Context,
	actionType string,
	statuses []orchestrator.Status,
) ([]orchestrator.WorkItem, error) {
	filter := make([]string, 0, len(statuses))
	for _, st := range statuses {
		filter = append(filter, string(st))
	}
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE action_type = $1 AND (cardinality($2::text[]) = 0 OR status = ANY($2))
ORDER BY seq`, itemColumns, s.table)

	rows, err := s.pool.Query(ctx, query, actionType, filter)
	if err != nil {
		return nil, fmt.Errorf("scan work items: %w", err)
	}
	defer rows.Close()
	return s.collect(rows)
}

// PendingBatch returns up to limit eligible Pending items, oldest first.
func (s *Store) PendingBatch(
	ctx context.Context,
	actionType string,
	now time.Time,
	limit int,
) ([]orchestrator.WorkItem, error) {
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE action_type = $1 AND status = $2 AND eligible_at <= $3
ORDER BY seq
LIMIT $4`, itemColumns, s.table)

	rows, err := s.pool.Query(ctx, query, actionType, string(orchestrator.StatusPending), now, limit)
	if err != nil {
		return nil, fmt.Errorf("pending batch: %w", err)
	}
	defer rows.Close()
	return s.collect(rows)
}

// Stats reports per-status counts and the earliest pending eligibility.
func (s *Store) Stats(ctx context.Context, actionType string) (orchestrator.StoreStats, error) {
	query := fmt.Sprintf(`
SELECT status, count(*), min(eligible_at) FILTER (WHERE status = $2)
FROM %s WHERE action_type = $1 GROUP BY status`, s.table)

	rows, err := s.pool.Query(ctx, query, actionType, string(orchestrator.StatusPending))
	if err != nil {
		return orchestrator.StoreStats{}, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()

	stats := orchestrator.StoreStats{Counts: make(orchestrator.StatusCounts)}
	for rows.Next() {
		var (
			status string
			count  int
			minEl  *time.Time
		)
		if err := rows.Scan(&status, &count, &minEl); err != nil {
			return orchestrator.StoreStats{}, fmt.Errorf("scan stats row: %w", err)
		}
		stats.Counts[orchestrator.Status(status)] = count
		if minEl != nil {
			stats.NextEligible = *minEl
		}
	}
	if err := rows.Err(); err != nil {
		return orchestrator.StoreStats{}, fmt.Errorf("stats rows: %w", err)
	}
	return stats, nil
}

func (s *Store) collect(rows pgx.Rows) ([]orchestrator.WorkItem, error) {
	var out []orchestrator.WorkItem
	for rows.Next() {
		item, err := s.scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan work item row: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("work item rows: %w", err)
	}
	return out, nil
}

func putArgs(item orchestrator.WorkItem) []any {
	var leaseExp *time.Time
	if !item.LeaseUntil.IsZero() {
		t := item.LeaseUntil
		leaseExp = &t
	}
	return []any{
		item.ActionType,
		item.Key,
		[]byte(item.Input),
		string(item.Status),
		item.Attempts,
		item.LastError,
		item.PayloadRef,
		item.Generation,
		item.EligibleAt,
		item.LeaseOwner,
		leaseExp,
		item.Discovered,
	}
}
