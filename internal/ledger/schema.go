package ledger

import "fmt"

// schemaSQL creates the four tables the send ledger owns, plus the indexes
// the spec's query patterns depend on. Safe to run on every Open: every
// statement is idempotent.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS send_events (
	id                         INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at                 INTEGER NOT NULL,
	request_key                TEXT NOT NULL,
	v1_key                     TEXT NOT NULL DEFAULT '',
	key_version                TEXT NOT NULL DEFAULT '',
	mail_key                   TEXT NOT NULL DEFAULT '',
	run_id                     TEXT NOT NULL DEFAULT '',
	status                     TEXT NOT NULL,
	recipient_hash             TEXT NOT NULL DEFAULT '',
	message_id                 TEXT NOT NULL DEFAULT '',
	message_id_source          TEXT NOT NULL DEFAULT '',
	idempotency_token          TEXT NOT NULL DEFAULT '',
	idempotency_secret_version TEXT NOT NULL DEFAULT '',
	sent_at                    INTEGER,
	subject_norm               TEXT NOT NULL DEFAULT '',
	decision_trace             TEXT NOT NULL DEFAULT '[]',
	error                      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_send_events_request_key_status_created
	ON send_events (request_key, status, created_at);

CREATE TABLE IF NOT EXISTS send_locks (
	request_key            TEXT PRIMARY KEY,
	status                 TEXT NOT NULL,
	expires_at             INTEGER NOT NULL,
	updated_at             INTEGER NOT NULL,
	last_message_id        TEXT NOT NULL DEFAULT '',
	last_message_id_source TEXT NOT NULL DEFAULT '',
	last_error             TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_send_locks_status_expires
	ON send_locks (status, expires_at);

CREATE TABLE IF NOT EXISTS url_alias (
	canonical_input_url   TEXT PRIMARY KEY,
	last_final_url        TEXT NOT NULL DEFAULT '',
	final_host            TEXT NOT NULL DEFAULT '',
	redirect_hops         INTEGER NOT NULL DEFAULT 0,
	final_url_fingerprint TEXT NOT NULL DEFAULT '',
	resolve_status        TEXT NOT NULL DEFAULT '',
	resolved_at           INTEGER
);

CREATE TABLE IF NOT EXISTS rerun_overrides (
	id                       INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at               INTEGER NOT NULL,
	expires_at               INTEGER NOT NULL,
	kind                     TEXT NOT NULL,
	target_hash              TEXT NOT NULL,
	reason                   TEXT NOT NULL DEFAULT '',
	operator                 TEXT NOT NULL DEFAULT '',
	host                     TEXT NOT NULL DEFAULT '',
	command_summary_redacted TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_rerun_overrides_kind_target_expires
	ON rerun_overrides (kind, target_hash, expires_at);
`

func (l *SendLedger) migrate() error {
	if _, err := l.mainDB.Exec(schemaSQL); err != nil {
		return fmt.Errorf("ledger: migrate schema: %w", err)
	}
	return nil
}
