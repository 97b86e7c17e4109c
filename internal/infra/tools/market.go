// Package tools implements the function calls the model may request.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"voice-bridge/internal/application"
	"voice-bridge/internal/domain"
	"voice-bridge/internal/infra"
)

var _ application.ToolHandler = (*MarketIntel)(nil)

const MarketIntelligence = "getMarketIntelligence"

var (
	ErrUnknownFunction = errors.New("unknown function")
	ErrInvalidArgs     = errors.New("invalid arguments")
	ErrNotConfigured   = errors.New("market intelligence endpoint not configured")
)

var modes = []string{"scrape-only", "api-only", "hybrid"}

// MarketIntel forwards getMarketIntelligence calls to an HTTP endpoint
// that accepts the call arguments as JSON and answers with a JSON object.
type MarketIntel struct {
	url        string
	httpClient *http.Client
	retry      infra.RetryConfig
	logger     *slog.Logger
}

type Option func(*MarketIntel)

func WithHTTPClient(c *http.Client) Option {
	return func(m *MarketIntel) { m.httpClient = c }
}

func WithRetry(cfg infra.RetryConfig) Option {
	return func(m *MarketIntel) { m.retry = cfg }
}

func NewMarketIntel(url string, logger *slog.Logger, opts ...Option) *MarketIntel {
	m := &MarketIntel{
		url:        url,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry:      infra.DefaultRetryConfig(),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MarketIntel) Declarations() []domain.FunctionDeclaration {
	return []domain.FunctionDeclaration{{
		Name:        MarketIntelligence,
		Description: "Look up real estate market intelligence for a location.",
		Parameters: map[string]any{
			"type": "OBJECT",
			"properties": map[string]any{
				"location": map[string]any{
					"type":        "STRING",
					"description": "City, neighbourhood or address to research.",
				},
				"mode": map[string]any{
					"type":        "STRING",
					"enum":        modes,
					"description": "Where the data comes from.",
				},
				"refinementSpec": map[string]any{
					"type":        "STRING",
					"description": "Optional free-text narrowing of the request.",
				},
			},
			"required": []string{"location", "mode"},
		},
	}}
}

type marketRequest struct {
	Location       string `json:"location"`
	Mode           string `json:"mode"`
	RefinementSpec string `json:"refinementSpec,omitempty"`
}

func (m *MarketIntel) Call(ctx context.Context, call domain.FunctionCall) (map[string]any, error) {
	if call.Name != MarketIntelligence {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, call.Name)
	}
	if m.url == "" {
		return nil, ErrNotConfigured
	}

	req, err := parseMarketArgs(call.Args)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	var result map[string]any
	err = infra.WithRetry(ctx, m.retry, func() error {
		var postErr error
		result, postErr = m.post(ctx, body)
		return postErr
	})
	if err != nil {
		return nil, err
	}

	m.logger.Debug("market intelligence fetched", "location", req.Location, "mode", req.Mode)
	return result, nil
}

func (m *MarketIntel) post(ctx context.Context, body []byte) (map[string]any, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &infra.StatusError{Service: "market intelligence", StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, &infra.StatusError{Service: "market intelligence", StatusCode: http.StatusBadGateway, Body: "response is not a JSON object"}
	}
	return result, nil
}

func parseMarketArgs(args map[string]any) (marketRequest, error) {
	var req marketRequest

	location, _ := args["location"].(string)
	if location == "" {
		return req, fmt.Errorf("%w: location is required", ErrInvalidArgs)
	}
	mode, _ := args["mode"].(string)
	if !slices.Contains(modes, mode) {
		return req, fmt.Errorf("%w: mode must be one of %v", ErrInvalidArgs, modes)
	}

	req.Location = location
	req.Mode = mode
	if refine, ok := args["refinementSpec"].(string); ok {
		req.RefinementSpec = refine
	}
	return req, nil
}
