// Package kibana is the Kibana connector: detection-rule listing via the
// detection engine API and note write-back via the timeline note API.
package kibana

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/linnemanlabs/scribe/internal/siem"
)

const (
	httpTimeout = 30 * time.Second
	rulePage    = 100
)

// Client talks to the Kibana API for a single space.
type Client struct {
	baseURL    string
	space      string
	apiKey     string
	username   string
	password   string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey authenticates requests with an API key. Takes precedence over
// basic auth when both are set.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithBasicAuth authenticates requests with username/password.
func WithBasicAuth(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithHTTPClient overrides the underlying HTTP client (used in tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a Kibana client for the given host and space. The default
// space uses the bare /api prefix, any other space uses /s/<space>/api.
func New(host, space string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(host, "/"),
		space:      space,
		httpClient: &http.Client{Timeout: httpTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) apiEndpoint() string {
	if c.space == "" || c.space == "default" {
		return c.baseURL + "/api"
	}
	return c.baseURL + "/s/" + url.PathEscape(c.space) + "/api"
}

// ListRules retrieves all detection rules, walking the paginated _find
// endpoint until a short page signals the end.
func (c *Client) ListRules(ctx context.Context) ([]siem.DetectionRule, error) {
	var all []siem.DetectionRule

	for page := 1; ; page++ {
		u := fmt.Sprintf("%s/detection_engine/rules/_find?page=%d&per_page=%d", c.apiEndpoint(), page, rulePage)

		var body struct {
			Data []siem.DetectionRule `json:"data"`
		}
		if err := c.do(ctx, http.MethodGet, u, nil, &body); err != nil {
			return nil, fmt.Errorf("list rules page %d: %w", page, err)
		}

		all = append(all, body.Data...)
		if len(body.Data) < rulePage {
			return all, nil
		}
	}
}

// GetRule retrieves a single detection rule by its rule_id.
func (c *Client) GetRule(ctx context.Context, ruleID string) (*siem.DetectionRule, error) {
	u := c.apiEndpoint() + "/detection_engine/rules?rule_id=" + url.QueryEscape(ruleID)

	var rule siem.DetectionRule
	if err := c.do(ctx, http.MethodGet, u, nil, &rule); err != nil {
		return nil, fmt.Errorf("get rule %s: %w", ruleID, err)
	}
	return &rule, nil
}

// AttachNote writes the analysis note to the alert. The note ID is derived
// from the alert ID, so a second write with the same result overwrites the
// existing note instead of creating a duplicate.
func (c *Client) AttachNote(ctx context.Context, alertID string, note siem.Note) error {
	payload := map[string]any{
		"noteId":  noteID(alertID),
		"version": nil,
		"note": map[string]any{
			"timelineId": "",
			"eventId":    alertID,
			"note":       renderNote(note),
		},
	}

	if err := c.do(ctx, http.MethodPatch, c.apiEndpoint()+"/note", payload, nil); err != nil {
		return fmt.Errorf("attach note to %s: %w", alertID, err)
	}
	return nil
}

// noteID derives the stable per-alert note identifier used for
// overwrite-by-key idempotency.
func noteID(alertID string) string {
	sum := sha256.Sum256([]byte("scribe-note:" + alertID))
	return hex.EncodeToString(sum[:16])
}

func renderNote(n siem.Note) string {
	var b strings.Builder
	b.WriteString("## AI Security Analysis\n\n")
	b.WriteString("**Severity:** " + n.Severity + "\n\n")
	b.WriteString(n.Body)
	if len(n.Actions) > 0 {
		b.WriteString("\n\n**Recommended Actions:**\n")
		for _, a := range n.Actions {
			b.WriteString("- " + a + "\n")
		}
	}
	b.WriteString("\n---\n")
	b.WriteString("Alert ID: " + n.AlertID + "\n")
	b.WriteString("Generated: " + n.GeneratedAt.UTC().Format(time.RFC3339) + "\n")
	return b.String()
}

// do issues one API request and decodes the response into out (when out is
// non-nil). Transport failures and status codes map onto the siem error
// taxonomy.
func (c *Client) do(ctx context.Context, method, u string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("kbn-xsrf", "true")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.apiKey != "":
		req.Header.Set("Authorization", "ApiKey "+c.apiKey)
	case c.username != "":
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", siem.ErrBackendUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := statusError(resp); err != nil {
		return err
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: kibana returned %d", siem.ErrAuthFailure, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: kibana returned 404", siem.ErrNotFound)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: kibana returned %d", siem.ErrBackendUnavailable, resp.StatusCode)
	default:
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("kibana returned %d: %s", resp.StatusCode, strconv.Quote(string(respBody)))
	}
}
