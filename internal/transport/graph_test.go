package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, GraphConfig) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, GraphConfig{
		BaseURL:        srv.URL,
		BearerToken:    "test-token",
		SendInterval:   time.Millisecond,
		MaxSendRetries: 2,
		SendRetryDelay: time.Millisecond,
		PollDeadline:   20 * time.Millisecond,
		PollStep:       5 * time.Millisecond,
		ScanRetries:    1,
		ScanInterval:   time.Millisecond,
	}
}

func TestGraphTransportSendFindsIDViaSentItemsScanWhenPollMisses(t *testing.T) {
	srv, cfg := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/sendMail"):
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/sentitems/"):
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(graphMessageList{Value: []graphMessage{
				{ID: "scanned-id", Subject: "Quote", SentDateTime: time.Now().UTC(),
					ToRecipients: []graphRecipient{{EmailAddress: graphEmailAddress{Address: "a@b.com"}}}},
			}})
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/messages"):
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(graphMessageList{})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	_ = srv

	tr := NewGraphTransport(cfg, http.DefaultClient)
	outcome, err := tr.Send(t.Context(), Message{Recipient: "a@b.com", Subject: "Quote", Body: "hi", BodyMarker: "marker-1"}, "tok-1")
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, SourceSentItem, outcome.MessageIDSource)
	assert.Equal(t, "scanned-id", outcome.MessageID)
	assert.False(t, outcome.IsFallbackID)
}

func TestGraphTransportSendSynthesizesFallbackIDWhenPollAndScanMiss(t *testing.T) {
	srv, cfg := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/sendMail"):
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(graphMessageList{})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	_ = srv

	tr := NewGraphTransport(cfg, http.DefaultClient)
	outcome, err := tr.Send(t.Context(), Message{Recipient: "a@b.com", Subject: "Quote", Body: "hi", BodyMarker: "marker-1"}, "tok-1")
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, SourceFallback, outcome.MessageIDSource)
	assert.True(t, outcome.IsFallbackID)
	assert.True(t, strings.HasPrefix(outcome.MessageID, "FALLBACK:"))
}

func TestGraphTransportSendRetriesTransientFailureThenSucceeds(t *testing.T) {
	attempts := 0
	srv, cfg := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/sendMail"):
			attempts++
			if attempts == 1 {
				http.Error(w, "connection reset", http.StatusBadGateway)
				return
			}
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(graphMessageList{})
		}
	})
	_ = srv

	tr := NewGraphTransport(cfg, http.DefaultClient)
	outcome, err := tr.Send(t.Context(), Message{Recipient: "a@b.com", Subject: "Quote"}, "tok-2")
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, 2, attempts)
}

func TestGraphTransportPollFindsMessageByHeader(t *testing.T) {
	srv, cfg := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(graphMessageList{Value: []graphMessage{{ID: "AAMk-1"}}})
	})
	_ = srv

	tr := NewGraphTransport(cfg, http.DefaultClient)
	id, ok, err := tr.Poll(t.Context(), "tok-3")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "AAMk-1", id)
}

func TestGraphTransportScanSentMatchesSubjectAndRecipient(t *testing.T) {
	now := time.Now().UTC()
	srv, cfg := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(graphMessageList{Value: []graphMessage{
			{ID: "wrong-subject", Subject: "Other", SentDateTime: now, ToRecipients: []graphRecipient{{EmailAddress: graphEmailAddress{Address: "a@b.com"}}}},
			{ID: "right-one", Subject: "Quote Request", SentDateTime: now, ToRecipients: []graphRecipient{{EmailAddress: graphEmailAddress{Address: "a@b.com"}}}},
		}})
	})
	_ = srv

	tr := NewGraphTransport(cfg, http.DefaultClient)
	id, found, err := tr.ScanSent(t.Context(), "Quote Request", "a@b.com", now)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "right-one", id)
}

func TestGraphTransportReconcileFallsBackToBodyMarker(t *testing.T) {
	srv, cfg := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		filter := r.URL.Query().Get("$filter")
		if strings.Contains(filter, "contains(body/content") {
			_ = json.NewEncoder(w).Encode(graphMessageList{Value: []graphMessage{{ID: "body-matched", Subject: "Quote Request",
				ToRecipients: []graphRecipient{{EmailAddress: graphEmailAddress{Address: "a@b.com"}}}}}})
			return
		}
		_ = json.NewEncoder(w).Encode(graphMessageList{})
	})
	_ = srv

	tr := NewGraphTransport(cfg, http.DefaultClient)
	outcome, err := tr.Reconcile(t.Context(), "tok-4", "marker-xyz", "", "Quote Request", "a@b.com")
	require.NoError(t, err)
	assert.True(t, outcome.Matched)
	assert.Equal(t, SourceBody, outcome.Method)
	assert.Equal(t, "body-matched", outcome.MessageID)
}
