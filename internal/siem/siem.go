// Package siem defines the domain types and capability interfaces for the
// SIEM backend: detection-rule and alert-signal reads, and note write-back.
// Implementations live in the kibana and elastic subpackages.
package siem

import (
	"context"
	"encoding/json"
	"time"
)

// DetectionRule is a SIEM detection rule. Rules are owned by the SIEM and
// read-only to scribe.
type DetectionRule struct {
	ID          string          `json:"id"`
	RuleID      string          `json:"rule_id"`
	Name        string          `json:"name"`
	Enabled     bool            `json:"enabled"`
	Severity    string          `json:"severity"`
	RiskScore   int             `json:"risk_score"`
	Description string          `json:"description"`
	Threat      json.RawMessage `json:"threat,omitempty"`
}

// AlertSignal is a single detected security event. Identity is the
// SIEM-assigned document ID; signals are immutable once fetched.
type AlertSignal struct {
	ID        string            `json:"id"`
	RuleID    string            `json:"rule_id"`
	Timestamp time.Time         `json:"timestamp"`
	Context   map[string]string `json:"context,omitempty"`
	Payload   json.RawMessage   `json:"payload"`
}

// Note is the annotation attached back to an alert.
type Note struct {
	AlertID     string    `json:"alertId"`
	Severity    string    `json:"severity"`
	Body        string    `json:"body"`
	Actions     []string  `json:"recommendedActions"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// TimeWindow bounds a signal query. End is exclusive when set; a zero End
// means "now".
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// Cursor marks a resume point within a rule's signal stream. It is the
// sort key of the last consumed signal and is opaque to callers.
type Cursor []any

// SignalIterator yields alert signals one at a time in ascending timestamp
// order. Next returns ok=false once the stream is exhausted.
type SignalIterator interface {
	Next(ctx context.Context) (*AlertSignal, bool, error)
	// Cursor returns the resume point after the last signal returned by Next.
	Cursor() Cursor
}

// SignalSource reads detection rules and matching alert signals. Pure
// query capability, no side effects.
type SignalSource interface {
	ListRules(ctx context.Context) ([]DetectionRule, error)
	Signals(rule DetectionRule, window TimeWindow, cursor Cursor) SignalIterator
}

// AnnotationSink writes an analysis note back to the SIEM. AttachNote must
// be idempotent per alert: writing the same note twice leaves one note.
type AnnotationSink interface {
	AttachNote(ctx context.Context, alertID string, note Note) error
}

// RuleSource lists detection rules. The kibana connector implements this
// half of SignalSource; the elastic connector implements the signal half.
type RuleSource interface {
	ListRules(ctx context.Context) ([]DetectionRule, error)
}

// SignalQuerier queries alert signals for a rule.
type SignalQuerier interface {
	Signals(rule DetectionRule, window TimeWindow, cursor Cursor) SignalIterator
}

type splitSource struct {
	rules   RuleSource
	signals SignalQuerier
}

// NewSplitSource composes a SignalSource from separate rule and signal
// backends (Kibana for rules, the search backend for signals).
func NewSplitSource(rules RuleSource, signals SignalQuerier) SignalSource {
	return &splitSource{rules: rules, signals: signals}
}

func (s *splitSource) ListRules(ctx context.Context) ([]DetectionRule, error) {
	return s.rules.ListRules(ctx)
}

func (s *splitSource) Signals(rule DetectionRule, window TimeWindow, cursor Cursor) SignalIterator {
	return s.signals.Signals(rule, window, cursor)
}
