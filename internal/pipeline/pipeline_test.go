package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/scribe/internal/analyst"
	"github.com/linnemanlabs/scribe/internal/pipeline"
	"github.com/linnemanlabs/scribe/internal/pipeline/memledger"
	"github.com/linnemanlabs/scribe/internal/siem"
)

// fastRetry keeps test retries in the millisecond range.
func fastRetry(maxAttempts int) pipeline.RetryPolicy {
	return pipeline.RetryPolicy{
		MaxAttempts:         maxAttempts,
		InitialInterval:     time.Millisecond,
		MaxInterval:         2 * time.Millisecond,
		Multiplier:          1.0,
		RandomizationFactor: 0,
	}
}

type fakeIterator struct {
	sigs []*siem.AlertSignal
	errs []error // consumed before signals, one per Next call
	pos  int
}

func (it *fakeIterator) Next(context.Context) (*siem.AlertSignal, bool, error) {
	if len(it.errs) > 0 {
		err := it.errs[0]
		it.errs = it.errs[1:]
		return nil, false, err
	}
	if it.pos >= len(it.sigs) {
		return nil, false, nil
	}
	sig := it.sigs[it.pos]
	it.pos++
	return sig, true, nil
}

func (it *fakeIterator) Cursor() siem.Cursor { return nil }

type fakeSource struct {
	mu        sync.Mutex
	rules     []siem.DetectionRule
	rulesErrs []error // returned by ListRules before the first success
	signals   map[string][]*siem.AlertSignal
	pageErrs  map[string][]error
	queried   []string
}

func (s *fakeSource) ListRules(context.Context) ([]siem.DetectionRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rulesErrs) > 0 {
		err := s.rulesErrs[0]
		s.rulesErrs = s.rulesErrs[1:]
		return nil, err
	}
	return s.rules, nil
}

func (s *fakeSource) Signals(rule siem.DetectionRule, _ siem.TimeWindow, _ siem.Cursor) siem.SignalIterator {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queried = append(s.queried, rule.ID)
	return &fakeIterator{sigs: s.signals[rule.ID], errs: s.pageErrs[rule.ID]}
}

type fakeAnnotator struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(sig *siem.AlertSignal, attempt int) (*analyst.Result, error)
}

func newFakeAnnotator(fn func(sig *siem.AlertSignal, attempt int) (*analyst.Result, error)) *fakeAnnotator {
	return &fakeAnnotator{calls: make(map[string]int), fn: fn}
}

func (a *fakeAnnotator) Analyze(_ context.Context, sig *siem.AlertSignal, _ *siem.DetectionRule) (*analyst.Result, error) {
	a.mu.Lock()
	a.calls[sig.ID]++
	attempt := a.calls[sig.ID]
	a.mu.Unlock()
	return a.fn(sig, attempt)
}

func (a *fakeAnnotator) Budget() analyst.BudgetState { return analyst.BudgetState{} }

func (a *fakeAnnotator) callCount(alertID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[alertID]
}

type fakeSink struct {
	mu    sync.Mutex
	notes map[string][]siem.Note
	calls map[string]int
	fn    func(alertID string, call int) error
}

func newFakeSink(fn func(alertID string, call int) error) *fakeSink {
	return &fakeSink{notes: make(map[string][]siem.Note), calls: make(map[string]int), fn: fn}
}

func (s *fakeSink) AttachNote(_ context.Context, alertID string, note siem.Note) error {
	s.mu.Lock()
	s.calls[alertID]++
	call := s.calls[alertID]
	s.mu.Unlock()
	if s.fn != nil {
		if err := s.fn(alertID, call); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.notes[alertID] = append(s.notes[alertID], note)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) notesFor(alertID string) []siem.Note {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]siem.Note(nil), s.notes[alertID]...)
}

func okResult(sig *siem.AlertSignal, severity analyst.Severity) *analyst.Result {
	return &analyst.Result{
		AlertID:     sig.ID,
		Severity:    severity,
		Description: "Encoded PowerShell command executed.",
		Analysis:    "The command decodes to a download cradle.",
		Actions:     []string{"Isolate the host", "Reset credentials"},
		Techniques:  []string{"T1059.001"},
		GeneratedAt: time.Now().UTC(),
		Model:       "claude-test",
	}
}

func powershellRule() siem.DetectionRule {
	return siem.DetectionRule{
		ID:          "uuid-ps",
		RuleID:      "rule-ps",
		Name:        "Suspicious PowerShell Execution",
		Enabled:     true,
		Severity:    "high",
		RiskScore:   73,
		Description: "Detects encoded PowerShell commands.",
	}
}

func signal(id string) *siem.AlertSignal {
	return &siem.AlertSignal{
		ID:        id,
		RuleID:    "rule-ps",
		Timestamp: time.Now().UTC(),
		Context:   map[string]string{"host.hostname": "ws-042", "user.name": "jdoe"},
		Payload:   json.RawMessage(`{"event":"x"}`),
	}
}

func newOrchestrator(source siem.SignalSource, annotator pipeline.Annotator, sink siem.AnnotationSink, ledger pipeline.Ledger, opts pipeline.Options) *pipeline.Orchestrator {
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = fastRetry(3)
	}
	return pipeline.NewOrchestrator(source, annotator, sink, ledger, nil, nil, opts)
}

func TestRun_AnnotatesAllSignals(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		rules:   []siem.DetectionRule{powershellRule()},
		signals: map[string][]*siem.AlertSignal{"uuid-ps": {signal("sig-1"), signal("sig-2")}},
	}
	annotator := newFakeAnnotator(func(sig *siem.AlertSignal, _ int) (*analyst.Result, error) {
		return okResult(sig, analyst.SeverityHigh), nil
	})
	sink := newFakeSink(nil)
	ledger := memledger.New()

	orch := newOrchestrator(source, annotator, sink, ledger, pipeline.Options{})
	summary, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Rules != 1 || summary.Signals != 2 {
		t.Errorf("rules/signals = %d/%d, want 1/2", summary.Rules, summary.Signals)
	}
	if summary.Done != 2 || summary.Skipped != 0 || summary.FailedPermanent != 0 {
		t.Errorf("summary = %+v, want 2 done", summary)
	}

	for _, id := range []string{"sig-1", "sig-2"} {
		notes := sink.notesFor(id)
		if len(notes) != 1 {
			t.Fatalf("alert %s: %d notes, want 1", id, len(notes))
		}
		if notes[0].Severity != "high" {
			t.Errorf("alert %s severity = %q", id, notes[0].Severity)
		}
		if !strings.Contains(notes[0].Body, "download cradle") {
			t.Errorf("alert %s note body = %q", id, notes[0].Body)
		}

		ok, lerr := ledger.HasSuccess(context.Background(), id)
		if lerr != nil || !ok {
			t.Errorf("alert %s: success record missing (err %v)", id, lerr)
		}
		recs, _ := ledger.ByAlert(context.Background(), id)
		if len(recs) != 1 || recs[0].Outcome != pipeline.OutcomeSuccess {
			t.Errorf("alert %s records = %+v", id, recs)
		}
	}
}

func TestRun_RerunSkipsProcessedAlerts(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		rules:   []siem.DetectionRule{powershellRule()},
		signals: map[string][]*siem.AlertSignal{"uuid-ps": {signal("sig-1"), signal("sig-2")}},
	}
	annotator := newFakeAnnotator(func(sig *siem.AlertSignal, _ int) (*analyst.Result, error) {
		return okResult(sig, analyst.SeverityHigh), nil
	})
	sink := newFakeSink(nil)
	ledger := memledger.New()
	orch := newOrchestrator(source, annotator, sink, ledger, pipeline.Options{})

	if _, err := orch.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if second.Done != 0 || second.Skipped != 2 {
		t.Errorf("second run = done %d skipped %d, want 0/2", second.Done, second.Skipped)
	}
	for _, id := range []string{"sig-1", "sig-2"} {
		if got := annotator.callCount(id); got != 1 {
			t.Errorf("alert %s: %d model calls across both runs, want 1", id, got)
		}
		if got := len(sink.notesFor(id)); got != 1 {
			t.Errorf("alert %s: %d notes across both runs, want 1", id, got)
		}
		// One success plus one skip marker; never a second success.
		recs, _ := ledger.ByAlert(context.Background(), id)
		var successes int
		for _, r := range recs {
			if r.Outcome == pipeline.OutcomeSuccess {
				successes++
			}
		}
		if successes != 1 {
			t.Errorf("alert %s: %d success records, want exactly 1", id, successes)
		}
	}
}

func TestRun_PermanentFailureIsIsolated(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		rules: []siem.DetectionRule{powershellRule()},
		signals: map[string][]*siem.AlertSignal{
			"uuid-ps": {signal("sig-1"), signal("sig-2"), signal("sig-3")},
		},
	}
	annotator := newFakeAnnotator(func(sig *siem.AlertSignal, _ int) (*analyst.Result, error) {
		if sig.ID == "sig-2" {
			return nil, &analyst.MalformedResponseError{Missing: []string{"SEVERITY"}, Raw: "garbage"}
		}
		return okResult(sig, analyst.SeverityHigh), nil
	})
	sink := newFakeSink(nil)
	ledger := memledger.New()

	orch := newOrchestrator(source, annotator, sink, ledger, pipeline.Options{})
	summary, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v (one alert's permanent failure must not abort the batch)", err)
	}

	if summary.Done != 2 || summary.FailedPermanent != 1 {
		t.Errorf("summary = done %d failed %d, want 2/1", summary.Done, summary.FailedPermanent)
	}
	if len(summary.Failures) != 1 || summary.Failures[0].AlertID != "sig-2" {
		t.Errorf("failures = %+v, want sig-2", summary.Failures)
	}
	if got := annotator.callCount("sig-2"); got != 1 {
		t.Errorf("malformed response retried %d times, want no retries", got)
	}
	if len(sink.notesFor("sig-2")) != 0 {
		t.Error("failed alert must not get a note")
	}

	recs, _ := ledger.ByAlert(context.Background(), "sig-2")
	if len(recs) != 1 || recs[0].Outcome != pipeline.OutcomeFailedPermanent {
		t.Errorf("sig-2 records = %+v, want one failed-permanent", recs)
	}
}

func TestRun_TransientRetryBound(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		rateLimits  int // failures before the provider recovers
		maxAttempts int
		wantDone    int
		wantFailed  int
	}{
		{"recovers within budget", 2, 3, 1, 0},
		{"budget exhausted", 3, 3, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			source := &fakeSource{
				rules:   []siem.DetectionRule{powershellRule()},
				signals: map[string][]*siem.AlertSignal{"uuid-ps": {signal("sig-1")}},
			}
			annotator := newFakeAnnotator(func(sig *siem.AlertSignal, attempt int) (*analyst.Result, error) {
				if attempt <= tt.rateLimits {
					return nil, &analyst.RateLimitError{}
				}
				return okResult(sig, analyst.SeverityMedium), nil
			})
			sink := newFakeSink(nil)
			ledger := memledger.New()

			orch := newOrchestrator(source, annotator, sink, ledger, pipeline.Options{Retry: fastRetry(tt.maxAttempts)})
			summary, err := orch.Run(context.Background())
			if err != nil {
				t.Fatalf("Run: %v", err)
			}

			if summary.Done != tt.wantDone || summary.FailedPermanent != tt.wantFailed {
				t.Errorf("summary = done %d failed %d, want %d/%d",
					summary.Done, summary.FailedPermanent, tt.wantDone, tt.wantFailed)
			}
			wantRetries := tt.rateLimits
			if tt.rateLimits >= tt.maxAttempts {
				wantRetries = tt.maxAttempts
			}
			if summary.TransientRetries != wantRetries {
				t.Errorf("transient retries = %d, want %d", summary.TransientRetries, wantRetries)
			}

			if tt.wantFailed == 1 {
				recs, _ := ledger.ByAlert(context.Background(), "sig-1")
				last := recs[len(recs)-1]
				if last.Outcome != pipeline.OutcomeFailedPermanent {
					t.Errorf("final record outcome = %q, want failed-permanent", last.Outcome)
				}
				if !strings.Contains(last.Error, "retry budget exhausted") {
					t.Errorf("final record error = %q", last.Error)
				}
			}
		})
	}
}

func TestRun_SinkRetryKeepsAnalysis(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		rules:   []siem.DetectionRule{powershellRule()},
		signals: map[string][]*siem.AlertSignal{"uuid-ps": {signal("sig-1")}},
	}
	annotator := newFakeAnnotator(func(sig *siem.AlertSignal, _ int) (*analyst.Result, error) {
		return okResult(sig, analyst.SeverityHigh), nil
	})
	// First write-back fails retryably, second succeeds.
	sink := newFakeSink(func(_ string, call int) error {
		if call == 1 {
			return fmt.Errorf("%w: kibana returned 503", siem.ErrBackendUnavailable)
		}
		return nil
	})
	ledger := memledger.New()

	orch := newOrchestrator(source, annotator, sink, ledger, pipeline.Options{})
	summary, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Done != 1 || summary.TransientRetries != 1 {
		t.Errorf("summary = %+v, want 1 done with 1 retry", summary)
	}
	if got := annotator.callCount("sig-1"); got != 1 {
		t.Errorf("model calls = %d; a flaky write-back must not re-analyze", got)
	}
	if got := len(sink.notesFor("sig-1")); got != 1 {
		t.Errorf("attached notes = %d, want 1", got)
	}
}

func TestRun_AuthFailureAbortsRun(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		rules:   []siem.DetectionRule{powershellRule()},
		signals: map[string][]*siem.AlertSignal{"uuid-ps": {signal("sig-1"), signal("sig-2")}},
	}
	annotator := newFakeAnnotator(func(*siem.AlertSignal, int) (*analyst.Result, error) {
		return nil, fmt.Errorf("%w: kibana returned 401", siem.ErrAuthFailure)
	})
	sink := newFakeSink(nil)
	ledger := memledger.New()

	orch := newOrchestrator(source, annotator, sink, ledger, pipeline.Options{})
	_, err := orch.Run(context.Background())
	if !errors.Is(err, siem.ErrAuthFailure) {
		t.Fatalf("Run err = %v, want ErrAuthFailure", err)
	}
	if got := annotator.callCount("sig-1") + annotator.callCount("sig-2"); got > 2 {
		t.Errorf("auth failure retried: %d calls", got)
	}
}

func TestRun_ListRulesRetriesBackendFailures(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		rulesErrs: []error{
			fmt.Errorf("%w: 503", siem.ErrBackendUnavailable),
			fmt.Errorf("%w: 503", siem.ErrBackendUnavailable),
		},
		rules:   []siem.DetectionRule{powershellRule()},
		signals: map[string][]*siem.AlertSignal{"uuid-ps": {signal("sig-1")}},
	}
	annotator := newFakeAnnotator(func(sig *siem.AlertSignal, _ int) (*analyst.Result, error) {
		return okResult(sig, analyst.SeverityLow), nil
	})
	orch := newOrchestrator(source, annotator, newFakeSink(nil), memledger.New(),
		pipeline.Options{BackendRetries: 3})

	summary, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Done != 1 {
		t.Errorf("done = %d, want 1", summary.Done)
	}
}

func TestRun_ListRulesBudgetExhausted(t *testing.T) {
	t.Parallel()

	var errs []error
	for i := 0; i < 10; i++ {
		errs = append(errs, fmt.Errorf("%w: 503", siem.ErrBackendUnavailable))
	}
	source := &fakeSource{rulesErrs: errs}

	orch := newOrchestrator(source, newFakeAnnotator(nil), newFakeSink(nil), memledger.New(),
		pipeline.Options{BackendRetries: 2})

	_, err := orch.Run(context.Background())
	if !errors.Is(err, siem.ErrBackendUnavailable) {
		t.Fatalf("err = %v, want ErrBackendUnavailable", err)
	}
	if !strings.Contains(err.Error(), "retry budget exhausted") {
		t.Errorf("err = %v, want retry budget exhausted", err)
	}
}

func TestRun_PageFetchRetries(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		rules: []siem.DetectionRule{powershellRule()},
		signals: map[string][]*siem.AlertSignal{
			"uuid-ps": {signal("sig-1")},
		},
		pageErrs: map[string][]error{
			"uuid-ps": {fmt.Errorf("%w: search 503", siem.ErrBackendUnavailable)},
		},
	}
	annotator := newFakeAnnotator(func(sig *siem.AlertSignal, _ int) (*analyst.Result, error) {
		return okResult(sig, analyst.SeverityLow), nil
	})

	orch := newOrchestrator(source, annotator, newFakeSink(nil), memledger.New(), pipeline.Options{})
	summary, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Done != 1 {
		t.Errorf("done = %d, want 1 after page retry", summary.Done)
	}
}

func TestRun_SkipsDisabledRules(t *testing.T) {
	t.Parallel()

	disabled := powershellRule()
	disabled.ID = "uuid-off"
	disabled.Enabled = false

	source := &fakeSource{
		rules: []siem.DetectionRule{disabled, powershellRule()},
		signals: map[string][]*siem.AlertSignal{
			"uuid-off": {signal("sig-off")},
			"uuid-ps":  {signal("sig-1")},
		},
	}
	annotator := newFakeAnnotator(func(sig *siem.AlertSignal, _ int) (*analyst.Result, error) {
		return okResult(sig, analyst.SeverityLow), nil
	})

	orch := newOrchestrator(source, annotator, newFakeSink(nil), memledger.New(), pipeline.Options{})
	summary, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Signals != 1 || summary.Done != 1 {
		t.Errorf("summary = %+v, want only the enabled rule's signal", summary)
	}
	for _, id := range source.queried {
		if id == "uuid-off" {
			t.Error("disabled rule's signals were queried")
		}
	}
}

func TestRun_CanceledBeforeStart(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		rules:   []siem.DetectionRule{powershellRule()},
		signals: map[string][]*siem.AlertSignal{"uuid-ps": {signal("sig-1")}},
	}
	annotator := newFakeAnnotator(func(sig *siem.AlertSignal, _ int) (*analyst.Result, error) {
		return okResult(sig, analyst.SeverityLow), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	orch := newOrchestrator(source, annotator, newFakeSink(nil), memledger.New(), pipeline.Options{})
	summary, err := orch.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if summary == nil {
		t.Fatal("summary must be returned even for canceled runs")
	}
}

func TestRun_WorkerBound(t *testing.T) {
	t.Parallel()

	var sigs []*siem.AlertSignal
	for i := 0; i < 12; i++ {
		sigs = append(sigs, signal(fmt.Sprintf("sig-%d", i)))
	}
	source := &fakeSource{
		rules:   []siem.DetectionRule{powershellRule()},
		signals: map[string][]*siem.AlertSignal{"uuid-ps": sigs},
	}

	var mu sync.Mutex
	var inFlight, peak int
	annotator := newFakeAnnotator(func(sig *siem.AlertSignal, _ int) (*analyst.Result, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return okResult(sig, analyst.SeverityLow), nil
	})

	orch := newOrchestrator(source, annotator, newFakeSink(nil), memledger.New(), pipeline.Options{Workers: 3})
	summary, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Done != 12 {
		t.Errorf("done = %d, want 12", summary.Done)
	}
	if peak > 3 {
		t.Errorf("peak concurrency = %d, want <= 3 workers", peak)
	}
}

// Two PowerShell signals fire on the same rule: an encoded download cradle
// and a benign-looking script-policy bypass. Both end annotated with their
// own severity and a non-empty action list.
func TestRun_PowerShellScenario(t *testing.T) {
	t.Parallel()

	cradle := signal("sig-1")
	cradle.Context["process.command_line"] = "powershell.exe -enc SQBFAFgA"
	bypass := signal("sig-2")
	bypass.Context["process.command_line"] = "powershell.exe -ExecutionPolicy Bypass -File audit.ps1"

	source := &fakeSource{
		rules:   []siem.DetectionRule{powershellRule()},
		signals: map[string][]*siem.AlertSignal{"uuid-ps": {cradle, bypass}},
	}
	annotator := newFakeAnnotator(func(sig *siem.AlertSignal, _ int) (*analyst.Result, error) {
		if sig.ID == "sig-1" {
			r := okResult(sig, analyst.SeverityHigh)
			r.Analysis = "Encoded command decodes to an IEX download cradle."
			return r, nil
		}
		r := okResult(sig, analyst.SeverityMedium)
		r.Analysis = "Execution policy bypass for a local audit script."
		r.Actions = []string{"Confirm the script with its owner"}
		return r, nil
	})
	sink := newFakeSink(nil)
	ledger := memledger.New()

	orch := newOrchestrator(source, annotator, sink, ledger, pipeline.Options{Workers: 2})
	summary, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Done != 2 {
		t.Fatalf("done = %d, want 2", summary.Done)
	}

	want := map[string]string{"sig-1": "high", "sig-2": "medium"}
	for id, severity := range want {
		notes := sink.notesFor(id)
		if len(notes) != 1 {
			t.Fatalf("alert %s: %d notes, want 1", id, len(notes))
		}
		if notes[0].Severity != severity {
			t.Errorf("alert %s severity = %q, want %q", id, notes[0].Severity, severity)
		}
		if len(notes[0].Actions) == 0 {
			t.Errorf("alert %s: empty action list", id)
		}
		ok, _ := ledger.HasSuccess(context.Background(), id)
		if !ok {
			t.Errorf("alert %s: no success record", id)
		}
	}
}
