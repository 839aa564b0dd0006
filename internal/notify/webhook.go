package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// WebhookNotifier posts alerts as JSON to a configured URL.
type WebhookNotifier struct {
	URL  string
	HTTP *http.Client
}

type webhookPayload struct {
	Service string `json:"service"`
	Message string `json:"message"`
}

func (n *WebhookNotifier) Send(ctx context.Context, message string) error {
	body, err := json.Marshal(webhookPayload{Service: "ledger-engine", Message: message})
	if err != nil {
		return err
	}
	client := n.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify webhook: http %d", resp.StatusCode)
	}
	return nil
}
