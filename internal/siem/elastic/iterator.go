package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/linnemanlabs/scribe/internal/siem"
)

// contextFields are the signal fields surfaced to the analyst as host/user
// context. These are never truncated out of the prompt, so keep the set
// focused on what drives severity judgment.
var contextFields = []string{
	"host.hostname",
	"host.name",
	"host.os.name",
	"user.name",
	"user.domain",
	"process.name",
	"process.command_line",
	"process.working_directory",
	"process.parent.name",
	"process.parent.command_line",
}

// iterator pages through one rule's signals with search_after. Not safe
// for concurrent use; the orchestrator consumes it from a single goroutine.
type iterator struct {
	source *Source
	rule   siem.DetectionRule
	window siem.TimeWindow
	cursor siem.Cursor

	buf  []*siem.AlertSignal
	done bool
}

func (it *iterator) Next(ctx context.Context) (*siem.AlertSignal, bool, error) {
	if len(it.buf) == 0 && !it.done {
		if err := it.fetchPage(ctx); err != nil {
			return nil, false, err
		}
	}
	if len(it.buf) == 0 {
		return nil, false, nil
	}

	sig := it.buf[0]
	it.buf = it.buf[1:]
	return sig, true, nil
}

func (it *iterator) Cursor() siem.Cursor {
	return it.cursor
}

func (it *iterator) fetchPage(ctx context.Context) error {
	query := map[string]any{
		"size": it.source.pageSize,
		"query": map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{"term": map[string]any{"kibana.alert.rule.uuid": it.rule.ID}},
					map[string]any{"range": map[string]any{"@timestamp": timeRange(it.window)}},
				},
			},
		},
		// _id tiebreak keeps the order total so search_after never skips
		// or repeats signals sharing a timestamp.
		"sort": []any{
			map[string]any{"@timestamp": "asc"},
			map[string]any{"_id": "asc"},
		},
	}
	if len(it.cursor) > 0 {
		query["search_after"] = []any(it.cursor)
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(query); err != nil {
		return fmt.Errorf("encode query: %w", err)
	}

	search := it.source.client.Search
	res, err := search(
		search.WithContext(ctx),
		search.WithIndex(it.source.index),
		search.WithBody(&buf),
		search.WithTrackTotalHits(false),
	)
	if err != nil {
		return fmt.Errorf("%w: search request: %v", siem.ErrBackendUnavailable, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return statusError(res.StatusCode, res.Status())
	}

	var result struct {
		Hits struct {
			Hits []struct {
				ID     string          `json:"_id"`
				Source json.RawMessage `json:"_source"`
				Sort   []any           `json:"sort"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode search response: %w", err)
	}

	if len(result.Hits.Hits) == 0 {
		it.done = true
		return nil
	}

	for _, hit := range result.Hits.Hits {
		sig, err := mapSignal(hit.ID, it.rule.ID, hit.Source)
		if err != nil {
			return fmt.Errorf("map signal %s: %w", hit.ID, err)
		}
		it.buf = append(it.buf, sig)
		it.cursor = siem.Cursor(hit.Sort)
	}
	if len(result.Hits.Hits) < it.source.pageSize {
		it.done = true
	}
	return nil
}

func timeRange(w siem.TimeWindow) map[string]any {
	r := map[string]any{"gte": w.Start.UTC().Format(time.RFC3339)}
	if !w.End.IsZero() {
		r["lt"] = w.End.UTC().Format(time.RFC3339)
	}
	return r
}

// mapSignal builds an AlertSignal from a search hit: the full _source is
// kept as the opaque payload, and the host/user fields are flattened into
// the context map.
func mapSignal(id, ruleID string, source json.RawMessage) (*siem.AlertSignal, error) {
	var doc map[string]any
	if err := json.Unmarshal(source, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal _source: %w", err)
	}

	sig := &siem.AlertSignal{
		ID:      id,
		RuleID:  ruleID,
		Context: map[string]string{},
		Payload: source,
	}

	if ts, ok := doc["@timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			sig.Timestamp = t
		}
	}

	for _, field := range contextFields {
		if v, ok := lookupString(doc, field); ok {
			sig.Context[field] = v
		}
	}
	return sig, nil
}

// lookupString resolves a dotted path through nested JSON objects.
func lookupString(doc map[string]any, path string) (string, bool) {
	cur := any(doc)
	start := 0
	for i := 0; i <= len(path); i++ {
		if i < len(path) && path[i] != '.' {
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = m[path[start:i]]
		if !ok {
			return "", false
		}
		start = i + 1
	}
	s, ok := cur.(string)
	return s, ok && s != ""
}
