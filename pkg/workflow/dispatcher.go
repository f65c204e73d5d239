package workflow

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// signPayload computes an HMAC-SHA256 signature over body, hex-encoded,
// so webhook receivers can verify the sender.
func signPayload(key string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// HTTPActionDispatcher is the default ActionDispatcher: it shapes outbound
// integration calls as JSON POSTs, stamping the idempotency key as a
// header so a receiver can de-duplicate retried attempts.
type HTTPActionDispatcher struct {
	Client            *http.Client
	IntegrationURL    string // destination for DispatchHTTPRequest
	WebhookURL        string // destination for DispatchWebhook
	WebhookSigningKey string
	EmailSender       EmailSender
}

// NewHTTPActionDispatcher builds a dispatcher with a 30s-timeout client.
func NewHTTPActionDispatcher(integrationURL, webhookURL, webhookSigningKey string, email EmailSender) *HTTPActionDispatcher {
	return &HTTPActionDispatcher{
		Client:            &http.Client{Timeout: 30 * time.Second},
		IntegrationURL:    integrationURL,
		WebhookURL:        webhookURL,
		WebhookSigningKey: webhookSigningKey,
		EmailSender:       email,
	}
}

func (d *HTTPActionDispatcher) DispatchAction(ctx context.Context, req ActionDispatchRequest) error {
	switch req.Kind {
	case DispatchHTTPRequest:
		return d.postJSON(ctx, d.IntegrationURL, req)
	case DispatchWebhook:
		return d.postJSON(ctx, d.WebhookURL, req)
	case DispatchEmail:
		if d.EmailSender == nil {
			return NewValidationError("no email sender configured for email_outbox dispatch")
		}
		return d.EmailSender.SendEmail(ctx, req.Payload)
	default:
		return NewValidationError("unsupported dispatch kind: " + string(req.Kind))
	}
}

func (d *HTTPActionDispatcher) postJSON(ctx context.Context, url string, req ActionDispatchRequest) error {
	if url == "" {
		return NewValidationError(fmt.Sprintf("no destination url configured for %s dispatch", req.Kind))
	}
	body, err := json.Marshal(req.Payload)
	if err != nil {
		return WrapInternal("marshal dispatch payload", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return WrapInternal("build dispatch request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	if d.WebhookSigningKey != "" && req.Kind == DispatchWebhook {
		httpReq.Header.Set("X-Webhook-Signature", signPayload(d.WebhookSigningKey, body))
	}

	resp, err := d.Client.Do(httpReq)
	if err != nil {
		return WrapInternal("dispatch request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return WrapInternal(fmt.Sprintf("dispatch request returned status %d", resp.StatusCode), nil)
	}
	return nil
}

// RecordingActionDispatcher is a test double that captures every dispatched
// request instead of performing network I/O, so tests can assert on
// idempotency keys and payload shapes.
type RecordingActionDispatcher struct {
	mu       sync.Mutex
	Requests []ActionDispatchRequest
	Err      error
}

func (d *RecordingActionDispatcher) DispatchAction(ctx context.Context, req ActionDispatchRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return d.Err
	}
	d.Requests = append(d.Requests, req)
	return nil
}

// Recorded returns a snapshot of dispatched requests.
func (d *RecordingActionDispatcher) Recorded() []ActionDispatchRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ActionDispatchRequest, len(d.Requests))
	copy(out, d.Requests)
	return out
}
