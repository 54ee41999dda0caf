package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
)

type WebhookChannel struct {
	url      string
	severity []string
	client   *http.Client
}

func NewWebhookChannel(url string, severity []string) *WebhookChannel {
	return &WebhookChannel{url: url, severity: severity, client: httpClient}
}

func (w *WebhookChannel) Name() string { return "webhook" }

func (w *WebhookChannel) Send(n Notification) error {
	if !severityAllowed(w.severity, n.Severity) {
		return nil
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}
