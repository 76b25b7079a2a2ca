package postgres

import "fmt"

// Schema returns the DDL for the work item table. Migrations are applied by
// operators, not by the service; this is exposed for tooling and tests.
func Schema(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	action_type      text NOT NULL,
	canonical_key    text NOT NULL,
	input            jsonb,
	status           text NOT NULL,
	attempts         integer NOT NULL DEFAULT 0,
	last_error       text NOT NULL DEFAULT '',
	payload_ref      text NOT NULL DEFAULT '',
	generation       integer NOT NULL DEFAULT 0,
	seq              bigserial,
	eligible_at      timestamptz NOT NULL,
	lease_owner      text NOT NULL DEFAULT '',
	lease_expires_at timestamptz,
	discovered_at    timestamptz NOT NULL,
	PRIMARY KEY (action_type, canonical_key)
);
CREATE INDEX IF NOT EXISTS %s_frontier_idx
	ON %s (action_type, status, eligible_at, seq);
`, table, table, table), nil
}
