package ledger

import "errors"

var (
	// ErrLockNotInProgress is returned by Heartbeat when the lock has
	// already been released, reconciled, or never existed.
	ErrLockNotInProgress = errors.New("ledger: lock not in progress")

	// ErrNoUnknownSentLock is returned by MarkReconciledSent when there is
	// no UNKNOWN_SENT lock to promote for the given request_key.
	ErrNoUnknownSentLock = errors.New("ledger: no unknown_sent lock to reconcile")
)
