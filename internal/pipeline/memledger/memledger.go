// Package memledger provides an in-memory implementation of
// pipeline.Ledger. Suitable for dev/testing; records do not survive a
// restart, so the idempotency gate only holds within one process.
package memledger

import (
	"context"
	"sync"

	"github.com/linnemanlabs/scribe/internal/pipeline"
)

// Ledger holds processing records in memory.
type Ledger struct {
	mu      sync.RWMutex
	records []*pipeline.Record
	byAlert map[string][]*pipeline.Record
	success map[string]struct{}
}

// New initializes an empty in-memory Ledger.
func New() *Ledger {
	return &Ledger{
		byAlert: make(map[string][]*pipeline.Record),
		success: make(map[string]struct{}),
	}
}

// Append stores a copy of the record. A second success for the same alert
// is dropped to keep the one-success-per-alert invariant.
func (l *Ledger) Append(_ context.Context, r *pipeline.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if r.Outcome == pipeline.OutcomeSuccess {
		if _, dup := l.success[r.AlertID]; dup {
			return nil
		}
		l.success[r.AlertID] = struct{}{}
	}

	cp := *r
	l.records = append(l.records, &cp)
	l.byAlert[r.AlertID] = append(l.byAlert[r.AlertID], &cp)
	return nil
}

// HasSuccess reports whether a success record exists for the alert.
func (l *Ledger) HasSuccess(_ context.Context, alertID string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.success[alertID]
	return ok, nil
}

// ByAlert returns copies of the alert's records in append order.
func (l *Ledger) ByAlert(_ context.Context, alertID string) ([]*pipeline.Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	recs := l.byAlert[alertID]
	out := make([]*pipeline.Record, 0, len(recs))
	for _, r := range recs {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// Recent returns copies of the newest records, newest first.
func (l *Ledger) Recent(_ context.Context, limit int) ([]*pipeline.Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 || limit > len(l.records) {
		limit = len(l.records)
	}
	out := make([]*pipeline.Record, 0, limit)
	for i := len(l.records) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *l.records[i]
		out = append(out, &cp)
	}
	return out, nil
}
