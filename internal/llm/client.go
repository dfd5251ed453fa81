// Package llm provides the advisory text-generation client. Summaries
// and explanations produced here are never authoritative; every caller
// carries a deterministic fallback.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ErrDisabled is returned when no API key is configured.
var ErrDisabled = errors.New("llm: client disabled")

// DefaultDeadline bounds every generation call. The pipeline never
// waits longer than this for advisory text.
const DefaultDeadline = 2 * time.Second

// Client generates short advisory text with a hard deadline.
type Client interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Config configures the REST text-generation client.
type Config struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	Deadline  time.Duration
}

// DefaultConfig returns conservative generation settings.
func DefaultConfig() Config {
	return Config{
		Model:     "gpt-4o-mini",
		MaxTokens: 256,
		Deadline:  DefaultDeadline,
	}
}

// RESTClient talks to an OpenAI-compatible completion endpoint.
type RESTClient struct {
	logger *zap.Logger
	http   *resty.Client
	config Config
}

// New builds a client; returns a disabled client when no key is set.
func New(logger *zap.Logger, config Config) *RESTClient {
	if config.Deadline == 0 {
		config.Deadline = DefaultDeadline
	}
	http := resty.New().
		SetBaseURL(config.BaseURL).
		SetTimeout(config.Deadline).
		SetHeader("Authorization", "Bearer "+config.APIKey).
		SetHeader("Content-Type", "application/json")
	return &RESTClient{logger: logger.Named("llm"), http: http, config: config}
}

type chatRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Messages  []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate returns one short completion for the prompt, failing fast at
// the configured deadline.
func (c *RESTClient) Generate(ctx context.Context, prompt string) (string, error) {
	if c.config.APIKey == "" {
		return "", ErrDisabled
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Deadline)
	defer cancel()

	var out chatResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(chatRequest{
			Model:     c.config.Model,
			MaxTokens: c.config.MaxTokens,
			Messages:  []chatMessage{{Role: "user", Content: prompt}},
		}).
		SetResult(&out).
		Post("/v1/chat/completions")
	if err != nil {
		return "", fmt.Errorf("llm: generate: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("llm: generate: status %d", resp.StatusCode())
	}
	if len(out.Choices) == 0 {
		return "", errors.New("llm: empty completion")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

var _ Client = (*RESTClient)(nil)
