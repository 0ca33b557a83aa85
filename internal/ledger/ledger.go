// Package ledger implements the durable send ledger: a SQLite-backed store
// of reservation locks and append-only send events that gives the
// orchestrator at-most-once delivery semantics per request_key.
package ledger

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ignite/quote-sender/internal/pkg/dbretry"
)

// SendLedger owns two connections to the same SQLite file: mainDB
// (synchronous=NORMAL) for lock and informational writes, and sentDB
// (synchronous=FULL) reserved for the SENT commit point. Both run in WAL
// mode with BEGIN IMMEDIATE transactions so primary-key contention on
// send_locks is the mutual-exclusion mechanism.
type SendLedger struct {
	mainDB      *sql.DB
	sentDB      *sql.DB
	retryPolicy dbretry.Policy
}

// Open opens (creating if necessary) the send ledger at path, migrating the
// schema on the main connection.
func Open(path string, busyTimeout time.Duration, retryPolicy dbretry.Policy) (*SendLedger, error) {
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	busyMS := busyTimeout.Milliseconds()

	mainDB, err := sql.Open("sqlite3", fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d&_txlock=immediate&_foreign_keys=on",
		path, busyMS))
	if err != nil {
		return nil, fmt.Errorf("ledger: open main connection: %w", err)
	}
	mainDB.SetMaxOpenConns(1)

	sentDB, err := sql.Open("sqlite3", fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=%d&_txlock=immediate&_foreign_keys=on",
		path, busyMS))
	if err != nil {
		mainDB.Close()
		return nil, fmt.Errorf("ledger: open sent connection: %w", err)
	}
	sentDB.SetMaxOpenConns(1)

	l := &SendLedger{mainDB: mainDB, sentDB: sentDB, retryPolicy: retryPolicy}
	if err := l.migrate(); err != nil {
		mainDB.Close()
		sentDB.Close()
		return nil, err
	}
	return l, nil
}

// Close releases both connections.
func (l *SendLedger) Close() error {
	mainErr := l.mainDB.Close()
	sentErr := l.sentDB.Close()
	if mainErr != nil {
		return mainErr
	}
	return sentErr
}
