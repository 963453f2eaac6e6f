package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agentoven/scriptrun/pkg/models"
)

// Header names set on webhook deliveries.
const (
	HeaderEvent     = "X-Scriptrun-Event"
	HeaderSignature = "X-Scriptrun-Signature"
)

// WebhookSink POSTs events as JSON with optional HMAC-SHA256 signing.
type WebhookSink struct {
	url      string
	secret   string
	client   *http.Client
	attempts uint64
	backoff  time.Duration
}

// NewWebhookSink creates a sink for url. A non-empty secret signs every
// body as "sha256=<hex>" in HeaderSignature.
func NewWebhookSink(url, secret string) (*WebhookSink, error) {
	if url == "" {
		return nil, errors.New("webhook event sink: URL is required")
	}
	return &WebhookSink{
		url:      url,
		secret:   secret,
		client:   &http.Client{Timeout: 15 * time.Second},
		attempts: 3,
		backoff:  time.Second,
	}, nil
}

// Publish delivers ev, retrying network errors and non-2xx answers.
func (w *WebhookSink) Publish(ctx context.Context, ev models.RunEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	sig := ""
	if w.secret != "" {
		mac := hmac.New(sha256.New, []byte(w.secret))
		mac.Write(body)
		sig = "sha256=" + hex.EncodeToString(mac.Sum(nil))
	}

	send := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build webhook request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "scriptrun-webhook/1.0")
		req.Header.Set(HeaderEvent, string(ev.Type))
		if sig != "" {
			req.Header.Set(HeaderSignature, sig)
		}
		resp, err := w.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		return fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, w.url)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = w.backoff
	b := backoff.WithContext(backoff.WithMaxRetries(eb, w.attempts-1), ctx)
	if err := backoff.Retry(send, b); err != nil {
		return fmt.Errorf("webhook failed after %d attempts: %w", w.attempts, err)
	}
	return nil
}

func (w *WebhookSink) Close() error { return nil }
