package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/streamforge/pipeline/internal/logging"
	"github.com/streamforge/pipeline/internal/scheduler"
	"github.com/streamforge/pipeline/pkg/models"
)

const deliveryAttempts = 3

// Payload is the body posted to each webhook endpoint.
type Payload struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Job       *models.Job `json:"job"`
}

// Webhook delivers job lifecycle events to configured HTTP endpoints.
// It implements scheduler.EventSink; delivery happens off the caller's
// goroutine so event emission never blocks job processing.
type Webhook struct {
	client    *http.Client
	endpoints []string
	secret    string
	log       *logging.Logger
}

// NewWebhook returns a sink posting to the given endpoints. secret, when
// non-empty, is used to sign each payload.
func NewWebhook(endpoints []string, secret string, log *logging.Logger) *Webhook {
	return &Webhook{
		client:    &http.Client{Timeout: 30 * time.Second},
		endpoints: endpoints,
		secret:    secret,
		log:       log,
	}
}

// Notify implements scheduler.EventSink.
func (w *Webhook) Notify(ev scheduler.Event) {
	payload, err := json.Marshal(Payload{
		Event:     ev.Type,
		Timestamp: time.Now().UTC(),
		Job:       ev.Job,
	})
	if err != nil {
		w.log.WithJobID(ev.Job.ID).ErrorWithErr("Failed to marshal webhook payload", err)
		return
	}

	for _, endpoint := range w.endpoints {
		go w.deliver(endpoint, ev, payload)
	}
}

func (w *Webhook) deliver(endpoint string, ev scheduler.Event, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= deliveryAttempts; attempt++ {
		lastErr = w.post(ctx, endpoint, ev, payload)
		if lastErr == nil {
			break
		}
		if attempt == deliveryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			attempt = deliveryAttempts
		case <-time.After(time.Duration(attempt) * 5 * time.Second):
		}
	}

	if lastErr != nil {
		w.log.WithJobID(ev.Job.ID).WithField("endpoint", endpoint).
			ErrorWithErr("Webhook delivery failed", lastErr)
	}
}

func (w *Webhook) post(ctx context.Context, endpoint string, ev scheduler.Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Pipeline-Webhook/1.0")
	req.Header.Set("X-Pipeline-Event", ev.Type)
	if w.secret != "" {
		req.Header.Set("X-Pipeline-Signature", Signature(payload, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Signature computes the HMAC-SHA256 signature receivers use to verify
// a payload.
func Signature(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}
