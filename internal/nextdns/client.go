// Package nextdns provides the filtering-service REST client. All mutations
// are idempotent: removing an already-absent rule or adding an already-present
// one succeeds with changed=false, which lets callers safely redo a step
// after a crash.
package nextdns

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/aristeoibarra/nextdns-blocker/internal/domain"
	"github.com/aristeoibarra/nextdns-blocker/internal/pkg/metrics"
)

const defaultTimeout = 10 * time.Second

// domainPattern matches a plausible DNS name: dot-separated labels of
// letters, digits and hyphens.
var domainPattern = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)

// Config holds filtering-service client configuration.
type Config struct {
	APIKey    string
	ProfileID string
	BaseURL   string
	Timeout   time.Duration
}

// Client is the filtering-service REST client.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates a new filtering-service client.
func NewClient(config Config) (*Client, error) {
	if config.APIKey == "" {
		return nil, errors.New("nextdns client: api key is required")
	}
	if config.ProfileID == "" {
		return nil, errors.New("nextdns client: profile id is required")
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.nextdns.io"
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}, nil
}

// Block adds a domain to the denylist.
func (c *Client) Block(ctx context.Context, name string) (ok, changed bool, err error) {
	return c.flatten(c.BlockWithResult(ctx, name))
}

// Unblock removes a domain from the denylist.
func (c *Client) Unblock(ctx context.Context, name string) (ok, changed bool, err error) {
	return c.flatten(c.UnblockWithResult(ctx, name))
}

// Allow adds a domain to the allowlist.
func (c *Client) Allow(ctx context.Context, name string) (ok, changed bool, err error) {
	return c.flatten(c.AllowWithResult(ctx, name))
}

// Disallow removes a domain from the allowlist.
func (c *Client) Disallow(ctx context.Context, name string) (ok, changed bool, err error) {
	return c.flatten(c.DisallowWithResult(ctx, name))
}

// BlockWithResult adds a domain to the denylist, returning an error
// classification on failure.
func (c *Client) BlockWithResult(ctx context.Context, name string) (ok, changed bool, res *domain.RequestResult) {
	return c.addRule(ctx, "denylist", domain.ActionBlock, name)
}

// UnblockWithResult removes a domain from the denylist.
func (c *Client) UnblockWithResult(ctx context.Context, name string) (ok, changed bool, res *domain.RequestResult) {
	return c.removeRule(ctx, "denylist", domain.ActionUnblock, name)
}

// AllowWithResult adds a domain to the allowlist.
func (c *Client) AllowWithResult(ctx context.Context, name string) (ok, changed bool, res *domain.RequestResult) {
	return c.addRule(ctx, "allowlist", domain.ActionAllow, name)
}

// DisallowWithResult removes a domain from the allowlist.
func (c *Client) DisallowWithResult(ctx context.Context, name string) (ok, changed bool, res *domain.RequestResult) {
	return c.removeRule(ctx, "allowlist", domain.ActionDisallow, name)
}

// Apply dispatches an action kind to the corresponding operation. Unknown
// kinds are a validation failure.
func (c *Client) Apply(ctx context.Context, action domain.ActionKind, name string) (ok, changed bool, res *domain.RequestResult) {
	switch action {
	case domain.ActionBlock:
		return c.BlockWithResult(ctx, name)
	case domain.ActionUnblock:
		return c.UnblockWithResult(ctx, name)
	case domain.ActionAllow:
		return c.AllowWithResult(ctx, name)
	case domain.ActionDisallow:
		return c.DisallowWithResult(ctx, name)
	}
	return false, false, &domain.RequestResult{
		Kind:    domain.ErrorKindValidation,
		Message: fmt.Sprintf("unknown action %q", action),
	}
}

type ruleEntry struct {
	ID     string `json:"id"`
	Active bool   `json:"active"`
}

func (c *Client) addRule(ctx context.Context, list string, action domain.ActionKind, name string) (bool, bool, *domain.RequestResult) {
	if !domainPattern.MatchString(name) {
		return false, false, &domain.RequestResult{
			Kind:    domain.ErrorKindValidation,
			Message: fmt.Sprintf("invalid domain %q", name),
		}
	}

	body, err := json.Marshal(ruleEntry{ID: name, Active: true})
	if err != nil {
		return false, false, &domain.RequestResult{Kind: domain.ErrorKindUnknown, Message: err.Error()}
	}

	endpoint := fmt.Sprintf("%s/profiles/%s/%s", c.config.BaseURL, c.config.ProfileID, list)
	resp, reqErr := c.do(ctx, action, http.MethodPost, endpoint, body)
	if reqErr != nil {
		return false, false, reqErr
	}
	defer func() { _ = resp.Body.Close() }()
	drain(resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, true, nil
	case resp.StatusCode == http.StatusConflict:
		// Rule already present: a successful no-op.
		return true, false, nil
	}
	return false, false, classifyStatus(resp.StatusCode)
}

func (c *Client) removeRule(ctx context.Context, list string, action domain.ActionKind, name string) (bool, bool, *domain.RequestResult) {
	if !domainPattern.MatchString(name) {
		return false, false, &domain.RequestResult{
			Kind:    domain.ErrorKindValidation,
			Message: fmt.Sprintf("invalid domain %q", name),
		}
	}

	endpoint := fmt.Sprintf("%s/profiles/%s/%s/%s",
		c.config.BaseURL, c.config.ProfileID, list, url.PathEscape(name))
	resp, reqErr := c.do(ctx, action, http.MethodDelete, endpoint, nil)
	if reqErr != nil {
		return false, false, reqErr
	}
	defer func() { _ = resp.Body.Close() }()
	drain(resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, true, nil
	case resp.StatusCode == http.StatusNotFound:
		// Rule already absent: a successful no-op.
		return true, false, nil
	}
	return false, false, classifyStatus(resp.StatusCode)
}

func (c *Client) do(ctx context.Context, action domain.ActionKind, method, endpoint string, body []byte) (*http.Response, *domain.RequestResult) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, &domain.RequestResult{Kind: domain.ErrorKindUnknown, Message: err.Error()}
	}
	req.Header.Set("X-Api-Key", c.config.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)

	if err != nil {
		metrics.NextDNSRequestDuration.WithLabelValues(string(action), "error").Observe(duration.Seconds())
		return nil, classifyTransportError(err)
	}

	metrics.NextDNSRequestDuration.WithLabelValues(string(action), strconv.Itoa(resp.StatusCode)).Observe(duration.Seconds())
	return resp, nil
}

func (c *Client) flatten(ok, changed bool, res *domain.RequestResult) (bool, bool, error) {
	if res == nil {
		return ok, changed, nil
	}
	return ok, changed, fmt.Errorf("nextdns %s: %s", res.Kind, res.Message)
}

// classifyTransportError maps a transport failure to an error kind.
func classifyTransportError(err error) *domain.RequestResult {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &domain.RequestResult{Kind: domain.ErrorKindTimeout, Message: err.Error()}
	}
	if strings.Contains(err.Error(), "Client.Timeout") {
		return &domain.RequestResult{Kind: domain.ErrorKindTimeout, Message: err.Error()}
	}
	return &domain.RequestResult{Kind: domain.ErrorKindConnection, Message: err.Error()}
}

// classifyStatus maps a non-success HTTP status to an error kind.
func classifyStatus(status int) *domain.RequestResult {
	msg := fmt.Sprintf("unexpected status %d", status)
	switch {
	case status == http.StatusTooManyRequests:
		return &domain.RequestResult{Kind: domain.ErrorKindRateLimited, Message: msg}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &domain.RequestResult{Kind: domain.ErrorKindAuth, Message: msg}
	case status >= 500:
		return &domain.RequestResult{Kind: domain.ErrorKindHTTP5xx, Message: msg}
	case status >= 400:
		return &domain.RequestResult{Kind: domain.ErrorKindValidation, Message: msg}
	}
	return &domain.RequestResult{Kind: domain.ErrorKindUnknown, Message: msg}
}

func drain(r io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r, 4096))
}
