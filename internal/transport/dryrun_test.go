package transport

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDryRunTransportSendNeverCallsOut(t *testing.T) {
	dr := NewDryRunTransport()
	outcome, err := dr.Send(context.Background(), Message{Recipient: "a@b.com", Subject: "Quote"}, "tok")
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, SourceDryRun, outcome.MessageIDSource)
	assert.True(t, strings.HasPrefix(outcome.MessageID, "DRYRUN:"))
}

func TestDryRunTransportReconcileAlwaysMiss(t *testing.T) {
	dr := NewDryRunTransport()
	outcome, err := dr.Reconcile(context.Background(), "tok", "marker", "", "subject", "a@b.com")
	require.NoError(t, err)
	assert.False(t, outcome.Matched)
}
