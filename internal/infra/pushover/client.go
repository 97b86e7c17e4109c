// Package pushover sends session failure notices through the Pushover API.
package pushover

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"voice-bridge/internal/application"
	"voice-bridge/internal/infra"
)

var _ application.Notifier = (*Client)(nil)

const (
	DefaultAPIURL = "https://api.pushover.net/1/messages.json"
	title         = "Voice Bridge"
	// Pushover rejects messages longer than this.
	maxMessageLen = 1024
)

type Option func(*Client)

func WithAPIURL(u string) Option {
	return func(c *Client) { c.apiURL = u }
}

func WithRetry(cfg infra.RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

type Client struct {
	token      string
	userKey    string
	apiURL     string
	retry      infra.RetryConfig
	httpClient *http.Client
}

func NewClient(token, userKey string, opts ...Option) *Client {
	c := &Client{
		token:      token,
		userKey:    userKey,
		apiURL:     DefaultAPIURL,
		retry:      infra.DefaultRetryConfig(),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Notify is a no-op when credentials are missing.
func (c *Client) Notify(ctx context.Context, message string) error {
	if c.token == "" || c.userKey == "" {
		return nil
	}
	message = truncate(message, maxMessageLen)

	data := url.Values{}
	data.Set("token", c.token)
	data.Set("user", c.userKey)
	data.Set("message", message)
	data.Set("title", title)
	body := data.Encode()

	return infra.WithRetry(ctx, c.retry, func() error {
		return c.send(ctx, body)
	})
}

func (c *Client) send(ctx context.Context, body string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &infra.StatusError{Service: "pushover", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
