package pipeline

import (
	"context"
	"time"
)

// Outcome is the final disposition of one alert in one processing attempt
// cycle. The JSON names are consumed by offline review tooling; do not
// rename them.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeSkipped         Outcome = "skipped-already-processed"
	OutcomeFailedTransient Outcome = "failed-transient"
	OutcomeFailedPermanent Outcome = "failed-permanent"
)

// Record is one append-only audit entry. The set of success records is the
// durable "already processed" marker: at most one success exists per alert
// id, enforced by the ledger.
type Record struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Seq       int       `json:"seq"`
	AlertID   string    `json:"alert_id"`
	Outcome   Outcome   `json:"outcome"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// Ledger is the persistence interface for processing records.
type Ledger interface {
	// Append writes one record. For success records the ledger must keep
	// the at-most-one-success-per-alert invariant: a second success append
	// for the same alert id is a no-op, not an error.
	Append(ctx context.Context, r *Record) error

	// HasSuccess reports whether a success record exists for the alert.
	HasSuccess(ctx context.Context, alertID string) (bool, error)

	// ByAlert returns all records for an alert in append order.
	ByAlert(ctx context.Context, alertID string) ([]*Record, error)

	// Recent returns the most recent records, newest first, up to limit.
	Recent(ctx context.Context, limit int) ([]*Record, error)
}

// Failure identifies a permanently failed alert for manual follow-up.
type Failure struct {
	AlertID string `json:"alert_id"`
	Error   string `json:"error"`
}

// Summary is the outcome of one pipeline run.
type Summary struct {
	RunID            string    `json:"run_id"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
	Rules            int       `json:"rules"`
	Signals          int       `json:"signals"`
	Done             int       `json:"done"`
	Skipped          int       `json:"skipped_already_processed"`
	FailedPermanent  int       `json:"failed_permanent"`
	TransientRetries int       `json:"transient_retries"`
	Failures         []Failure `json:"failures,omitempty"`
}
