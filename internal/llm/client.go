// Package llm is a minimal chat-completions client used by the /prompt proxy.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shalteor/zerotrace/internal/auditlog"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL   = "https://api.chatanywhere.tech/v1"
	DefaultModel     = "gpt-3.5-turbo"
	DefaultMaxTokens = 500
	DefaultTimeout   = 60 * time.Second

	// PurposeChat is recorded in the outbound log for every completion request
	PurposeChat = "chat-completion"
)

var (
	ErrQuotaExceeded = errors.New("upstream quota exceeded")
	ErrEmptyPrompt   = errors.New("prompt is required")
	ErrNoChoices     = errors.New("upstream returned no choices")
)

// UpstreamError is a non-2xx answer from the completions endpoint
type UpstreamError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("upstream error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream error (%d)", e.StatusCode)
}

// AuditFunc is called with every request before it is sent
type AuditFunc func(ctx context.Context, e auditlog.Entry)

// Config holds the upstream settings
type Config struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// Client sends single-turn prompts to a chat-completions API. It never retries.
type Client struct {
	cfg    Config
	http   *http.Client
	audit  AuditFunc
	logger *zap.Logger
}

// NewClient creates a Client. Zero Config fields take the package defaults.
func NewClient(cfg Config, audit AuditFunc, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		audit:  audit,
		logger: logger,
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model     string    `json:"model"`
	Messages  []message `json:"messages"`
	MaxTokens int       `json:"max_tokens"`
}

type completionResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Endpoint returns the URL completions are posted to
func (c *Client) Endpoint() string {
	return c.cfg.BaseURL + "/chat/completions"
}

// Complete sends prompt as a single user message and returns the first choice
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", ErrEmptyPrompt
	}

	body, err := json.Marshal(completionRequest{
		Model:     c.cfg.Model,
		Messages:  []message{{Role: "user", Content: prompt}},
		MaxTokens: c.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	if c.audit != nil {
		c.audit(ctx, auditlog.Entry{
			Method:        http.MethodPost,
			URL:           c.Endpoint(),
			Body:          body,
			UserInitiated: true,
			Purpose:       PurposeChat,
		})
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to reach upstream: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read upstream response: %w", err)
	}

	c.logger.Debug("completion request finished",
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var er errorResponse
		_ = json.Unmarshal(raw, &er)
		if er.Error.Code == "insufficient_quota" {
			return "", ErrQuotaExceeded
		}
		return "", &UpstreamError{StatusCode: resp.StatusCode, Code: er.Error.Code, Message: er.Error.Message}
	}

	var cr completionResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return "", fmt.Errorf("failed to decode upstream response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return "", ErrNoChoices
	}

	return cr.Choices[0].Message.Content, nil
}
