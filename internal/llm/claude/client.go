// Package claude implements the analyst.Provider interface on the
// Anthropic API.
package claude

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/scribe/internal/analyst"
)

// Client sends single-shot completion requests to the Claude API.
type Client struct {
	client      anthropic.Client
	model       string
	temperature float64
}

// New creates a Claude provider with the given API key, model name, and
// sampling temperature.
func New(apiKey, model string, temperature float64) *Client {
	return &Client{
		client:      anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:       model,
		temperature: temperature,
	}
}

// Complete implements analyst.Provider.
func (c *Client) Complete(ctx context.Context, req *analyst.CompletionRequest) (*analyst.Completion, error) {
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   int64(req.MaxTokens),
		Temperature: anthropic.Float(c.temperature),
		System:      []anthropic.TextBlockParam{{Text: req.System}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		return nil, mapError(err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return &analyst.Completion{
		Text:         text,
		Model:        string(msg.Model),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}, nil
}

// mapError translates SDK failures onto the analyst error taxonomy so the
// pipeline can classify transient vs permanent without importing the SDK.
func mapError(err error) error {
	var apierr *anthropic.Error
	if !errors.As(err, &apierr) {
		// Transport-level failure: connection refused, DNS, timeout.
		return fmt.Errorf("%w: %v", analyst.ErrModelUnavailable, err)
	}

	switch apierr.StatusCode {
	case http.StatusTooManyRequests:
		return &analyst.RateLimitError{RetryAfter: retryAfterHint(apierr)}
	case http.StatusInternalServerError, http.StatusServiceUnavailable, 529: // 529 = anthropic overloaded
		return fmt.Errorf("%w: api returned %d", analyst.ErrModelUnavailable, apierr.StatusCode)
	default:
		return fmt.Errorf("claude api error: %w", err)
	}
}

func retryAfterHint(apierr *anthropic.Error) time.Duration {
	if apierr.Response == nil {
		return 0
	}
	v := apierr.Response.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
