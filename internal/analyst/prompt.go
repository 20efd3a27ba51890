package analyst

import (
	"fmt"
	"sort"
	"strings"

	"github.com/linnemanlabs/scribe/internal/siem"
)

const defaultPromptBudget = 24000

const truncationMarker = "\n... [payload truncated]"

// systemPrompt pins the response format the v1 parser extracts. Changing
// the labels here requires a new parse version.
const systemPrompt = `You are an expert SOC security analyst. Analyze the security alert and respond using EXACTLY these labeled sections, in this order:

SEVERITY: one of informational, low, medium, high, critical
DESCRIPTION: one short paragraph describing the rule and what fired
ANALYSIS: detailed technical analysis of the alert, explaining the key fields (process arguments, files, registry, network indicators) and what they mean
RECOMMENDED ACTIONS: bulleted list of immediate actions, one per line, each starting with "- "
MITRE: comma-separated ATT&CK technique IDs, or "none"

Do not add any other sections. Be concise and actionable.`

// buildSignalPrompt renders the user prompt within the character budget.
// The rule and host/user context blocks are always kept intact; only the
// raw payload is cut to fit, since the context fields drive severity
// judgment.
func buildSignalPrompt(signal *siem.AlertSignal, rule *siem.DetectionRule, budget int) (prompt string, truncated bool) {
	var head strings.Builder

	head.WriteString("Analyze the following security alert and provide a triage assessment.\n\n")
	head.WriteString("Alert Details:\n")
	fmt.Fprintf(&head, "- Rule Name: %s\n", rule.Name)
	fmt.Fprintf(&head, "- Rule Severity: %s\n", rule.Severity)
	fmt.Fprintf(&head, "- Risk Score: %d\n", rule.RiskScore)
	fmt.Fprintf(&head, "- Rule Description: %s\n", rule.Description)
	fmt.Fprintf(&head, "- Alert ID: %s\n", signal.ID)
	if !signal.Timestamp.IsZero() {
		fmt.Fprintf(&head, "- Timestamp: %s\n", signal.Timestamp.UTC().Format("2006-01-02T15:04:05Z07:00"))
	}
	if len(rule.Threat) > 0 {
		fmt.Fprintf(&head, "- MITRE ATT&CK Mapping: %s\n", string(rule.Threat))
	}

	if len(signal.Context) > 0 {
		head.WriteString("\nHost and User Context:\n")
		keys := make([]string, 0, len(signal.Context))
		for k := range signal.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&head, "- %s: %s\n", k, signal.Context[k])
		}
	}

	payloadHeader := "\nRaw Event Payload:\n"
	payload := string(signal.Payload)

	remaining := budget - head.Len() - len(payloadHeader)
	switch {
	case remaining <= 0 || payload == "":
		// No room for any payload. Context is never sacrificed to make room.
		return head.String(), payload != ""
	case len(payload) > remaining:
		cut := remaining - len(truncationMarker)
		if cut < 0 {
			cut = 0
		}
		payload = payload[:cut] + truncationMarker
		truncated = true
	}

	head.WriteString(payloadHeader)
	head.WriteString(payload)
	return head.String(), truncated
}
