package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/freight-settlement/internal/models"
)

// WebhookSender posts each notification as JSON to a push provider
// endpoint.
type WebhookSender struct {
	Endpoint string
	Client   *http.Client
}

func NewWebhookSender(endpoint string) *WebhookSender {
	return &WebhookSender{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *WebhookSender) Send(ctx context.Context, n models.Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned %d", p.Endpoint, resp.StatusCode)
	}
	return nil
}
