package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ignite/quote-sender/internal/keys"
	"github.com/ignite/quote-sender/internal/pkg/httpretry"
	"github.com/ignite/quote-sender/internal/pkg/logger"
)

// GraphConfig configures a GraphTransport. BearerToken is supplied by the
// caller's own token acquisition (client-credentials or device-code flow
// against Azure AD); this package only consumes a valid token, it does not
// mint one.
type GraphConfig struct {
	BaseURL        string // default https://graph.microsoft.com/v1.0
	BearerToken    string
	HeaderName     string // custom header carrying the idempotency token, default X-Quote-Sender-Token
	SendInterval   time.Duration
	MaxSendRetries int
	SendRetryDelay time.Duration
	PollDeadline   time.Duration
	PollStep       time.Duration
	ScanRetries    int
	ScanInterval   time.Duration
	MaxScan        int
}

func (c GraphConfig) withDefaults() GraphConfig {
	if c.BaseURL == "" {
		c.BaseURL = "https://graph.microsoft.com/v1.0"
	}
	if c.HeaderName == "" {
		c.HeaderName = "X-Quote-Sender-Token"
	}
	if c.SendInterval <= 0 {
		c.SendInterval = 2 * time.Second
	}
	if c.MaxSendRetries <= 0 {
		c.MaxSendRetries = 3
	}
	if c.SendRetryDelay <= 0 {
		c.SendRetryDelay = 2 * time.Second
	}
	if c.PollDeadline <= 0 {
		c.PollDeadline = 5 * time.Second
	}
	if c.PollStep <= 0 {
		c.PollStep = 500 * time.Millisecond
	}
	if c.ScanRetries <= 0 {
		c.ScanRetries = 3
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = time.Second
	}
	if c.MaxScan <= 0 {
		c.MaxScan = 200
	}
	return c
}

// GraphTransport implements Transport against the Microsoft Graph mail API
// using a hand-rolled HTTP client wrapped in the shared retry client: no
// vendor SDK, matching the teacher's own PMTA client idiom.
type GraphTransport struct {
	cfg    GraphConfig
	client *httpretry.RetryClient

	mu         sync.Mutex
	lastSendAt time.Time
}

// NewGraphTransport constructs a GraphTransport. doer overrides the
// underlying HTTPDoer for tests; pass nil in production.
func NewGraphTransport(cfg GraphConfig, doer httpretry.HTTPDoer) *GraphTransport {
	cfg = cfg.withDefaults()
	return &GraphTransport{
		cfg:    cfg,
		client: httpretry.NewRetryClient(doer, 2),
	}
}

func (t *GraphTransport) waitForSendInterval() {
	t.mu.Lock()
	defer t.mu.Unlock()
	elapsed := time.Since(t.lastSendAt)
	if elapsed < t.cfg.SendInterval {
		time.Sleep(t.cfg.SendInterval - elapsed)
	}
	t.lastSendAt = time.Now()
}

type graphEmailAddress struct {
	Address string `json:"address"`
}

type graphRecipient struct {
	EmailAddress graphEmailAddress `json:"emailAddress"`
}

type graphMessageHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type graphSendMailRequest struct {
	Message struct {
		Subject                string               `json:"subject"`
		Body                   graphBody            `json:"body"`
		ToRecipients           []graphRecipient     `json:"toRecipients"`
		InternetMessageHeaders []graphMessageHeader `json:"internetMessageHeaders"`
	} `json:"message"`
	SaveToSentItems bool `json:"saveToSentItems"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// Send delivers msg via POST /me/sendMail, retrying transient failures up
// to MaxSendRetries with a fixed delay between attempts, and enforces
// SendInterval between successive calls.
func (t *GraphTransport) Send(ctx context.Context, msg Message, idempotencyToken string) (SendOutcome, error) {
	t.waitForSendInterval()

	var req graphSendMailRequest
	req.Message.Subject = msg.Subject
	req.Message.Body = graphBody{ContentType: "Text", Content: msg.Body + "\n" + msg.BodyMarker}
	req.Message.ToRecipients = []graphRecipient{{EmailAddress: graphEmailAddress{Address: msg.Recipient}}}
	req.Message.InternetMessageHeaders = []graphMessageHeader{{Name: t.cfg.HeaderName, Value: idempotencyToken}}
	req.SaveToSentItems = true

	body, err := json.Marshal(req)
	if err != nil {
		return SendOutcome{}, fmt.Errorf("transport: encode send request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= t.cfg.MaxSendRetries; attempt++ {
		err := t.sendOnce(ctx, body)
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		if !containsTransientSubstring(err.Error()) {
			break
		}
		logger.Warn("transport.send.retry", "attempt", attempt, "error", err.Error())
		if attempt < t.cfg.MaxSendRetries {
			select {
			case <-ctx.Done():
				return SendOutcome{}, ctx.Err()
			case <-time.After(t.cfg.SendRetryDelay):
			}
		}
	}
	if lastErr != nil {
		return SendOutcome{Success: false, Email: msg.Recipient, CompanyName: msg.CompanyName, Error: lastErr.Error()}, lastErr
	}

	outcome := SendOutcome{
		Success:     true,
		Email:       msg.Recipient,
		CompanyName: msg.CompanyName,
		SentAt:      time.Now().UTC(),
	}

	if id, ok, err := t.Poll(ctx, idempotencyToken); err != nil {
		logger.Warn("transport.poll.error", "error", err.Error())
	} else if ok {
		outcome.MessageID = id
		outcome.MessageIDSource = SourceDirect
		return outcome, nil
	}

	if id, found, err := t.ScanSent(ctx, keys.SubjectNorm(msg.Subject), msg.Recipient, outcome.SentAt); err != nil {
		logger.Warn("transport.scan.error", "error", err.Error())
	} else if found {
		outcome.MessageID = id
		outcome.MessageIDSource = SourceSentItem
		return outcome, nil
	}

	outcome.MessageID = FallbackID(msg.Subject, outcome.SentAt)
	outcome.MessageIDSource = SourceFallback
	outcome.IsFallbackID = true
	logger.Warn("transport.fallback_id", "recipient", msg.Recipient)
	return outcome, nil
}

func (t *GraphTransport) sendOnce(ctx context.Context, body []byte) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.BaseURL+"/me/sendMail", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+t.cfg.BearerToken)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("transport: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("transport: graph sendMail returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

type graphMessageList struct {
	Value []graphMessage `json:"value"`
}

type graphMessage struct {
	ID              string    `json:"id"`
	InternetMessageID string  `json:"internetMessageId"`
	Subject         string    `json:"subject"`
	SentDateTime    time.Time `json:"sentDateTime"`
	ToRecipients    []graphRecipient `json:"toRecipients"`
}

// Poll checks /me/messages for a message carrying handle as its custom
// header value, stepping PollStep apart until PollDeadline elapses.
func (t *GraphTransport) Poll(ctx context.Context, handle string) (string, bool, error) {
	deadline := time.Now().Add(t.cfg.PollDeadline)
	for {
		id, found, err := t.lookupByHeader(ctx, handle)
		if err != nil {
			return "", false, err
		}
		if found {
			return id, true, nil
		}
		if time.Now().After(deadline) {
			return "", false, nil
		}
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-time.After(t.cfg.PollStep):
		}
	}
}

func (t *GraphTransport) lookupByHeader(ctx context.Context, handle string) (string, bool, error) {
	filter := fmt.Sprintf("internetMessageHeaders/any(h: h/name eq '%s' and h/value eq '%s')", escapeODataLiteral(t.cfg.HeaderName), escapeODataLiteral(handle))
	list, err := t.queryMessages(ctx, "/me/messages", filter, 1)
	if err != nil {
		return "", false, err
	}
	if len(list) == 0 {
		return "", false, nil
	}
	return list[0].ID, true, nil
}

// ScanSent looks for the most recent sent-items message matching
// subjectNorm and recipient within sentTime +/- 180s, retrying the scan up
// to ScanRetries times with ScanInterval between attempts.
func (t *GraphTransport) ScanSent(ctx context.Context, subjectNorm, recipient string, sentTime time.Time) (string, bool, error) {
	windowStart := sentTime.Add(-180 * time.Second)
	windowEnd := sentTime.Add(180 * time.Second)
	filter := fmt.Sprintf("sentDateTime ge %s and sentDateTime le %s",
		windowStart.UTC().Format(time.RFC3339), windowEnd.UTC().Format(time.RFC3339))

	var lastErr error
	for attempt := 1; attempt <= t.cfg.ScanRetries; attempt++ {
		list, err := t.queryMessages(ctx, "/me/mailFolders/sentitems/messages", filter, t.cfg.MaxScan)
		if err != nil {
			lastErr = err
		} else {
			var bestID string
			var bestAt time.Time
			for _, m := range list {
				if !subjectMatches(m.Subject, subjectNorm) {
					continue
				}
				if !recipientMatches(recipientHeader(m), recipient) {
					continue
				}
				if bestID == "" || m.SentDateTime.After(bestAt) {
					bestID, bestAt = m.ID, m.SentDateTime
				}
			}
			if bestID != "" {
				return bestID, true, nil
			}
			lastErr = nil
		}
		if attempt < t.cfg.ScanRetries {
			select {
			case <-ctx.Done():
				return "", false, ctx.Err()
			case <-time.After(t.cfg.ScanInterval):
			}
		}
	}
	return "", false, lastErr
}

func recipientHeader(m graphMessage) string {
	var addrs []string
	for _, r := range m.ToRecipients {
		addrs = append(addrs, r.EmailAddress.Address)
	}
	return strings.Join(addrs, ",")
}

// Reconcile tries an id-hint match, then a recipient-header scan, then a
// body-marker scan, in that order.
func (t *GraphTransport) Reconcile(ctx context.Context, token, bodyMarker, messageIDHint, subjectNorm, recipient string) (ReconcileOutcome, error) {
	if messageIDHint != "" {
		if id, found, err := t.lookupByID(ctx, messageIDHint); err != nil {
			return ReconcileOutcome{}, err
		} else if found {
			return ReconcileOutcome{Matched: true, Method: SourceHeader, MessageID: id}, nil
		}
	}

	if id, found, err := t.lookupByHeader(ctx, token); err != nil {
		return ReconcileOutcome{}, err
	} else if found {
		return ReconcileOutcome{Matched: true, Method: SourceHeader, MessageID: id}, nil
	}

	if id, found, err := t.lookupByBodyMarker(ctx, bodyMarker, subjectNorm, recipient); err != nil {
		return ReconcileOutcome{}, err
	} else if found {
		return ReconcileOutcome{Matched: true, Method: SourceBody, MessageID: id}, nil
	}

	return ReconcileOutcome{}, nil
}

func (t *GraphTransport) lookupByID(ctx context.Context, id string) (string, bool, error) {
	list, err := t.queryMessages(ctx, "/me/messages/"+url.PathEscape(id), "", 1)
	if err != nil {
		return "", false, nil // a 404-shaped lookup failure is "not found", not a hard error
	}
	if len(list) == 0 {
		return "", false, nil
	}
	return list[0].ID, true, nil
}

func (t *GraphTransport) lookupByBodyMarker(ctx context.Context, bodyMarker, subjectNorm, recipient string) (string, bool, error) {
	filter := fmt.Sprintf("contains(body/content, '%s')", escapeODataLiteral(bodyMarker))
	list, err := t.queryMessages(ctx, "/me/mailFolders/sentitems/messages", filter, t.cfg.MaxScan)
	if err != nil {
		return "", false, err
	}
	for _, m := range list {
		if subjectNorm != "" && !subjectMatches(m.Subject, subjectNorm) {
			continue
		}
		if recipient != "" && !recipientMatches(recipientHeader(m), recipient) {
			continue
		}
		return m.ID, true, nil
	}
	return "", false, nil
}

func (t *GraphTransport) queryMessages(ctx context.Context, path, filter string, top int) ([]graphMessage, error) {
	u := t.cfg.BaseURL + path
	q := url.Values{}
	if filter != "" {
		q.Set("$filter", filter)
	}
	if top > 0 {
		q.Set("$top", fmt.Sprintf("%d", top))
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+t.cfg.BearerToken)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("transport: query messages: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("transport: graph messages query returned %d: %s", resp.StatusCode, string(respBody))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	// Both the collection endpoint ({"value": [...]}) and the single-message
	// endpoint (a bare message object) are callable through this helper.
	var list graphMessageList
	if err := json.Unmarshal(data, &list); err == nil && len(list.Value) > 0 {
		return list.Value, nil
	}
	var single graphMessage
	if err := json.Unmarshal(data, &single); err == nil && single.ID != "" {
		return []graphMessage{single}, nil
	}
	return nil, nil
}

func escapeODataLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
