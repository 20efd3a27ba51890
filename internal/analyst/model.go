package analyst

import (
	"strings"
	"time"
)

// Severity is the analyst's assessment of an alert.
type Severity string

const (
	SeverityInformational Severity = "informational"
	SeverityLow           Severity = "low"
	SeverityMedium        Severity = "medium"
	SeverityHigh          Severity = "high"
	SeverityCritical      Severity = "critical"
)

// ParseSeverity normalizes a model-reported severity to the enum.
func ParseSeverity(s string) (Severity, bool) {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityInformational:
		return SeverityInformational, true
	case SeverityLow:
		return SeverityLow, true
	case SeverityMedium:
		return SeverityMedium, true
	case SeverityHigh:
		return SeverityHigh, true
	case SeverityCritical:
		return SeverityCritical, true
	}
	return "", false
}

// Result is the outcome of analyzing one alert signal. Created exactly
// once per alert; immutable thereafter.
type Result struct {
	AlertID     string    `json:"alert_id"`
	Severity    Severity  `json:"severity"`
	Description string    `json:"description"`
	Analysis    string    `json:"analysis"`
	Actions     []string  `json:"actions"`
	Techniques  []string  `json:"techniques,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
	Model       string    `json:"model"`
}
