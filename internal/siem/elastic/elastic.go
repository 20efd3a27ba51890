// Package elastic is the alert-signal source. It queries the
// .internal.alerts-security.alerts-<space>-* indices through the
// OpenSearch client, which speaks the Elasticsearch search API.
package elastic

import (
	"crypto/tls"
	"fmt"
	"net/http"

	"github.com/opensearch-project/opensearch-go/v2"

	"github.com/linnemanlabs/scribe/internal/siem"
)

const defaultPageSize = 500

// Config holds connection settings for the search backend.
type Config struct {
	URL      string
	Username string
	Password string
	Insecure bool
	Space    string
	PageSize int
}

// Source queries alert signals. Read-only; implements siem.SignalQuerier.
type Source struct {
	client   *opensearch.Client
	index    string
	pageSize int
}

// New connects to the search backend and verifies it is reachable.
func New(cfg Config) (*Source, error) {
	osCfg := opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	}
	if cfg.Insecure {
		osCfg.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // G402: operator opt-in for self-signed SIEM certs
		}
	}

	client, err := opensearch.NewClient(osCfg)
	if err != nil {
		return nil, fmt.Errorf("create search client: %w", err)
	}

	info, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("%w: ping failed: %v", siem.ErrBackendUnavailable, err)
	}
	defer func() { _ = info.Body.Close() }()
	if info.IsError() {
		return nil, statusError(info.StatusCode, info.Status())
	}

	space := cfg.Space
	if space == "" {
		space = "default"
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	return &Source{
		client:   client,
		index:    ".internal.alerts-security.alerts-" + space + "-*",
		pageSize: pageSize,
	}, nil
}

// Signals returns an iterator over the rule's alert signals within the
// window, in ascending timestamp order. A non-nil cursor resumes after the
// signal that produced it.
func (s *Source) Signals(rule siem.DetectionRule, window siem.TimeWindow, cursor siem.Cursor) siem.SignalIterator {
	return &iterator{
		source: s,
		rule:   rule,
		window: window,
		cursor: cursor,
	}
}

func statusError(code int, status string) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: search backend returned %s", siem.ErrAuthFailure, status)
	case code >= 500:
		return fmt.Errorf("%w: search backend returned %s", siem.ErrBackendUnavailable, status)
	default:
		return fmt.Errorf("search backend returned %s", status)
	}
}
