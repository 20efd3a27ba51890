package analyst

import (
	"regexp"
	"strings"
)

// parseVersion identifies the extraction contract. The model is prompted
// to emit exactly these labels; anything that does not decompose is a
// malformed response, never a guess.
const parseVersion = "v1"

var sectionLabels = []string{
	"SEVERITY",
	"DESCRIPTION",
	"ANALYSIS",
	"RECOMMENDED ACTIONS",
	"MITRE",
}

var labelRe = regexp.MustCompile(`^\s*\**([A-Z][A-Z &]+?)\**\s*:\s*(.*)$`)

var techniqueRe = regexp.MustCompile(`T\d{4}(?:\.\d{3})?`)

// parseResponse decomposes the model output into the labeled sections.
// SEVERITY, DESCRIPTION, ANALYSIS, and RECOMMENDED ACTIONS are required;
// MITRE is optional.
func parseResponse(raw string) (*Result, error) {
	sections := splitSections(raw)

	var missing []string

	sevText, ok := sections["SEVERITY"]
	severity := Severity("")
	if ok {
		severity, ok = ParseSeverity(firstWord(sevText))
	}
	if !ok {
		missing = append(missing, "SEVERITY")
	}

	description := strings.TrimSpace(sections["DESCRIPTION"])
	if description == "" {
		missing = append(missing, "DESCRIPTION")
	}

	analysis := strings.TrimSpace(sections["ANALYSIS"])
	if analysis == "" {
		missing = append(missing, "ANALYSIS")
	}

	actions := parseActions(sections["RECOMMENDED ACTIONS"])
	if len(actions) == 0 {
		missing = append(missing, "RECOMMENDED ACTIONS")
	}

	if len(missing) > 0 {
		return nil, &MalformedResponseError{Missing: missing, Raw: raw}
	}

	return &Result{
		Severity:    severity,
		Description: description,
		Analysis:    analysis,
		Actions:     actions,
		Techniques:  parseTechniques(sections["MITRE"]),
	}, nil
}

// splitSections walks the output line by line, starting a new section at
// every known label.
func splitSections(raw string) map[string]string {
	sections := make(map[string]string)
	current := ""
	var buf strings.Builder

	flush := func() {
		if current != "" {
			sections[current] = buf.String()
		}
		buf.Reset()
	}

	for _, line := range strings.Split(raw, "\n") {
		if m := labelRe.FindStringSubmatch(line); m != nil {
			label := strings.TrimSpace(m[1])
			if knownLabel(label) {
				flush()
				current = label
				buf.WriteString(m[2])
				buf.WriteString("\n")
				continue
			}
		}
		if current != "" {
			buf.WriteString(line)
			buf.WriteString("\n")
		}
	}
	flush()
	return sections
}

func knownLabel(label string) bool {
	for _, l := range sectionLabels {
		if l == label {
			return true
		}
	}
	return false
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[0], ".,;:")
}

// parseActions pulls the ordered action list out of the section body.
// Accepts "- item", "* item", and "1. item" forms.
func parseActions(body string) []string {
	var actions []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "- "):
			line = line[2:]
		case strings.HasPrefix(line, "* "):
			line = line[2:]
		default:
			if m := numberedRe.FindStringSubmatch(line); m != nil {
				line = m[1]
			} else {
				continue
			}
		}
		if line = strings.TrimSpace(line); line != "" {
			actions = append(actions, line)
		}
	}
	return actions
}

var numberedRe = regexp.MustCompile(`^\d+[.)]\s+(.*)$`)

func parseTechniques(body string) []string {
	ids := techniqueRe.FindAllString(body, -1)
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
