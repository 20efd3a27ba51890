// Package pipeline drives the fetch -> analyze -> write-back cycle over
// SIEM alert signals. It owns the per-alert state machine, the idempotency
// gate on the success ledger, retry/backoff of transient failures, the
// bounded worker pool, and the append-only audit trail.
package pipeline
