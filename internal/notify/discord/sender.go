// Package discord provides operator notification sending via Discord webhooks.
package discord

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

// Sender implements notify.Sender for Discord webhooks.
type Sender struct {
	webhookURL string
	httpClient *http.Client
}

// NewSender creates a new Discord sender.
func NewSender(webhookURL string) *Sender {
	return &Sender{
		webhookURL: webhookURL,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// Type returns the channel type.
func (s *Sender) Type() string { return "discord" }

type webhookPayload struct {
	Content string `json:"content"`
}

// Send posts a message to the webhook.
func (s *Sender) Send(ctx context.Context, msg notify.Message) error {
	content := msg.Body
	if msg.Subject != "" {
		content = fmt.Sprintf("**%s**\n%s", msg.Subject, msg.Body)
	}
	// Discord rejects content over 2000 characters.
	if len(content) > 2000 {
		content = content[:1997] + "..."
	}

	body, err := json.Marshal(webhookPayload{Content: content})
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

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("discord error %d: %s", resp.StatusCode, string(respBody))
}
