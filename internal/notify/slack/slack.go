// Package slack sends pipeline run summaries to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/scribe/internal/pipeline"
)

const (
	maxFailuresListed = 10
	maxErrorLen       = 200
	httpTimeout       = 10 * time.Second
)

// Notifier sends run summaries to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Send posts a run summary to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Send(ctx context.Context, summary *pipeline.Summary) error {
	if n.webhookURL == "" {
		return nil
	}

	msg := buildMessage(summary)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(s *pipeline.Summary) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(s),
			{"type": "divider"},
			fieldsBlock(s),
			{"type": "divider"},
			failuresBlock(s),
			{"type": "divider"},
			contextBlock(s),
		},
	}
}

func headerBlock(s *pipeline.Summary) map[string]any {
	title := "Alert Annotation Run Complete"
	if s.FailedPermanent > 0 {
		title = "Alert Annotation Run Completed with Failures"
	}
	text := fmt.Sprintf("%s %s", outcomeEmoji(s), title)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(s *pipeline.Summary) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Rules:* %d", s.Rules),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Signals:* %d", s.Signals),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Annotated:* %d", s.Done),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Skipped:* %d", s.Skipped),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Failed:* %d", s.FailedPermanent),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Retries:* %d", s.TransientRetries),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func failuresBlock(s *pipeline.Summary) map[string]any {
	text := "_No permanent failures._"
	if len(s.Failures) > 0 {
		var b strings.Builder
		for i, f := range s.Failures {
			if i == maxFailuresListed {
				fmt.Fprintf(&b, "… and %d more\n", len(s.Failures)-maxFailuresListed)
				break
			}
			fmt.Fprintf(&b, "• `%s`: %s\n", f.AlertID, truncate(f.Error, maxErrorLen))
		}
		text = b.String()
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Failures*\n\n%s", text),
		},
	}
}

func contextBlock(s *pipeline.Summary) map[string]any {
	ts := s.FinishedAt
	if ts.IsZero() {
		ts = s.StartedAt
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("scribe • run %s • %.0fs • %s",
				s.RunID, s.FinishedAt.Sub(s.StartedAt).Seconds(), ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func outcomeEmoji(s *pipeline.Summary) string {
	switch {
	case s.FailedPermanent > 0:
		return "\U0001f534" // red circle
	case s.TransientRetries > 0:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
