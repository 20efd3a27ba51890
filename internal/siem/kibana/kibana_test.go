package kibana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/scribe/internal/siem"
)

func rulesPage(start, n int) []siem.DetectionRule {
	rules := make([]siem.DetectionRule, 0, n)
	for i := 0; i < n; i++ {
		rules = append(rules, siem.DetectionRule{
			ID:      fmt.Sprintf("uuid-%d", start+i),
			RuleID:  fmt.Sprintf("rule-%d", start+i),
			Name:    fmt.Sprintf("Rule %d", start+i),
			Enabled: true,
		})
	}
	return rules
}

func TestListRules_Paginates(t *testing.T) {
	t.Parallel()

	var pages []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/detection_engine/rules/_find" {
			t.Errorf("path = %q, want /api/detection_engine/rules/_find", r.URL.Path)
		}
		page := r.URL.Query().Get("page")
		pages = append(pages, page)

		var data []siem.DetectionRule
		switch page {
		case "1":
			data = rulesPage(0, rulePage) // full page, expect another fetch
		case "2":
			data = rulesPage(rulePage, 2) // short page ends the walk
		default:
			t.Errorf("unexpected page %q", page)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	defer srv.Close()

	c := New(srv.URL, "", WithAPIKey("test-key"))
	rules, err := c.ListRules(context.Background())
	if err != nil {
		t.Fatalf("ListRules: %v", err)
	}

	if len(rules) != rulePage+2 {
		t.Errorf("got %d rules, want %d", len(rules), rulePage+2)
	}
	if len(pages) != 2 {
		t.Errorf("fetched pages %v, want exactly 2", pages)
	}
	if rules[0].RuleID != "rule-0" || rules[rulePage+1].RuleID != fmt.Sprintf("rule-%d", rulePage+1) {
		t.Errorf("rules out of order: first %q last %q", rules[0].RuleID, rules[len(rules)-1].RuleID)
	}
}

func TestListRules_SpacePrefix(t *testing.T) {
	t.Parallel()

	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []siem.DetectionRule{}})
	}))
	defer srv.Close()

	c := New(srv.URL, "secops", WithAPIKey("k"))
	if _, err := c.ListRules(context.Background()); err != nil {
		t.Fatalf("ListRules: %v", err)
	}
	if gotPath != "/s/secops/api/detection_engine/rules/_find" {
		t.Errorf("path = %q, want space-prefixed endpoint", gotPath)
	}
}

func TestListRules_DefaultSpaceBarePrefix(t *testing.T) {
	t.Parallel()

	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []siem.DetectionRule{}})
	}))
	defer srv.Close()

	c := New(srv.URL, "default", WithAPIKey("k"))
	if _, err := c.ListRules(context.Background()); err != nil {
		t.Fatalf("ListRules: %v", err)
	}
	if !strings.HasPrefix(gotPath, "/api/") {
		t.Errorf("path = %q, default space must use bare /api prefix", gotPath)
	}
}

func TestGetRule(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/detection_engine/rules" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("rule_id"); got != "rule-7" {
			t.Errorf("rule_id = %q, want rule-7", got)
		}
		_ = json.NewEncoder(w).Encode(siem.DetectionRule{ID: "uuid-7", RuleID: "rule-7", Name: "R7"})
	}))
	defer srv.Close()

	c := New(srv.URL, "", WithAPIKey("k"))
	rule, err := c.GetRule(context.Background(), "rule-7")
	if err != nil {
		t.Fatalf("GetRule: %v", err)
	}
	if rule.ID != "uuid-7" || rule.Name != "R7" {
		t.Errorf("rule = %+v", rule)
	}
}

func TestAttachNote_PayloadAndHeaders(t *testing.T) {
	t.Parallel()

	var (
		gotMethod  string
		gotPath    string
		gotXSRF    string
		gotAuth    string
		gotPayload map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotXSRF = r.Header.Get("kbn-xsrf")
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "", WithAPIKey("secret-key"))
	note := siem.Note{
		AlertID:     "alert-1",
		Severity:    "high",
		Body:        "Encoded PowerShell download cradle.",
		Actions:     []string{"Isolate the host", "Reset credentials"},
		GeneratedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := c.AttachNote(context.Background(), "alert-1", note); err != nil {
		t.Fatalf("AttachNote: %v", err)
	}

	if gotMethod != http.MethodPatch {
		t.Errorf("method = %q, want PATCH", gotMethod)
	}
	if gotPath != "/api/note" {
		t.Errorf("path = %q, want /api/note", gotPath)
	}
	if gotXSRF != "true" {
		t.Errorf("kbn-xsrf = %q, want true", gotXSRF)
	}
	if gotAuth != "ApiKey secret-key" {
		t.Errorf("authorization = %q, want ApiKey secret-key", gotAuth)
	}

	if gotPayload["noteId"] != noteID("alert-1") {
		t.Errorf("noteId = %v, want %q", gotPayload["noteId"], noteID("alert-1"))
	}
	inner, ok := gotPayload["note"].(map[string]any)
	if !ok {
		t.Fatalf("note field missing: %v", gotPayload)
	}
	if inner["eventId"] != "alert-1" {
		t.Errorf("eventId = %v, want alert-1", inner["eventId"])
	}
	text, _ := inner["note"].(string)
	for _, want := range []string{
		"## AI Security Analysis",
		"**Severity:** high",
		"Encoded PowerShell download cradle.",
		"- Isolate the host",
		"- Reset credentials",
		"Alert ID: alert-1",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("rendered note missing %q", want)
		}
	}
}

func TestNoteID_StablePerAlert(t *testing.T) {
	t.Parallel()

	a := noteID("alert-1")
	b := noteID("alert-1")
	c := noteID("alert-2")

	if a != b {
		t.Errorf("noteID not stable: %q vs %q", a, b)
	}
	if a == c {
		t.Error("different alerts must get different note ids")
	}
	if len(a) != 32 {
		t.Errorf("noteID length = %d, want 32 hex chars", len(a))
	}
}

func TestBasicAuthFallback(t *testing.T) {
	t.Parallel()

	var gotUser, gotPass string
	var gotOK bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, gotOK = r.BasicAuth()
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []siem.DetectionRule{}})
	}))
	defer srv.Close()

	c := New(srv.URL, "", WithBasicAuth("reader", "hunter2"))
	if _, err := c.ListRules(context.Background()); err != nil {
		t.Fatalf("ListRules: %v", err)
	}
	if !gotOK || gotUser != "reader" || gotPass != "hunter2" {
		t.Errorf("basic auth = %q/%q ok=%v", gotUser, gotPass, gotOK)
	}
}

func TestStatusErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{"unauthorized", http.StatusUnauthorized, siem.ErrAuthFailure},
		{"forbidden", http.StatusForbidden, siem.ErrAuthFailure},
		{"not found", http.StatusNotFound, siem.ErrNotFound},
		{"server error", http.StatusInternalServerError, siem.ErrBackendUnavailable},
		{"unavailable", http.StatusServiceUnavailable, siem.ErrBackendUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := New(srv.URL, "", WithAPIKey("k"))
			err := c.AttachNote(context.Background(), "alert-1", siem.Note{})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestTransportFailure_IsBackendUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // refuse all connections

	c := New(srv.URL, "", WithAPIKey("k"))
	_, err := c.ListRules(context.Background())
	if !errors.Is(err, siem.ErrBackendUnavailable) {
		t.Errorf("err = %v, want ErrBackendUnavailable", err)
	}
}
