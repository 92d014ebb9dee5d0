package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/opensource-finance/fraudscope/internal/domain"
)

// WebhookSubscriber delivers alerts as JSON POSTs to an external URL.
// Delivery shares the broadcaster's bounded-write semantics: a failing
// endpoint gets this subscriber pruned, never the record failed.
type WebhookSubscriber struct {
	id     string
	url    string
	client *http.Client
}

// NewWebhookSubscriber creates a webhook subscriber for the given URL.
func NewWebhookSubscriber(id, url string) *WebhookSubscriber {
	return &WebhookSubscriber{
		id:  id,
		url: url,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

func (w *WebhookSubscriber) ID() string { return w.id }

// Send posts the scored record to the webhook URL. Any non-2xx status
// counts as a delivery failure.
func (w *WebhookSubscriber) Send(ctx context.Context, rec *domain.ScoredRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSubscriber, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: webhook returned status %d", domain.ErrSubscriber, resp.StatusCode)
	}
	return nil
}
