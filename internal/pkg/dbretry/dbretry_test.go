package dbretry

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoRetriesOnBusyThenSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}, "reserve_send", func() error {
		calls++
		if calls < 3 {
			return sqlite3.Error{Code: sqlite3.ErrBusy}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}, "reserve_send", func() error {
		calls++
		return sqlite3.Error{Code: sqlite3.ErrLocked}
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestDoDoesNotRetryNonBusyErrors(t *testing.T) {
	calls := 0
	boom := errors.New("constraint violation")
	err := Do(context.Background(), Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}, "reserve_send", func() error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}, "reserve_send", func() error {
		calls++
		return sqlite3.Error{Code: sqlite3.ErrBusy}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
