// Package slack provides operator notification sending via Slack incoming
// webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aristeoibarra/nextdns-blocker/internal/notify"
)

const defaultTimeout = 10 * time.Second

// Sender implements notify.Sender for Slack incoming webhooks.
type Sender struct {
	webhookURL string
	httpClient *http.Client
}

// NewSender creates a new Slack sender.
func NewSender(webhookURL string) *Sender {
	return &Sender{
		webhookURL: webhookURL,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// Type returns the channel type.
func (s *Sender) Type() string { return "slack" }

type webhookPayload struct {
	Text string `json:"text"`
}

// Send posts a message to the webhook.
func (s *Sender) Send(ctx context.Context, msg notify.Message) error {
	text := msg.Body
	if msg.Subject != "" {
		text = fmt.Sprintf("*%s*\n%s", msg.Subject, msg.Body)
	}

	body, err := json.Marshal(webhookPayload{Text: text})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusOK {
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("slack error %d: %s", resp.StatusCode, string(respBody))
}
