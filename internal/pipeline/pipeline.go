package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/scribe/internal/analyst"
	"github.com/linnemanlabs/scribe/internal/siem"
)

const (
	defaultWindowDays  = 30
	defaultCallTimeout = 120 * time.Second
	maxWorkers         = 8
)

// Annotator produces an analysis for one alert signal and exposes its rate
// budget so the orchestrator can throttle submission.
type Annotator interface {
	Analyze(ctx context.Context, signal *siem.AlertSignal, rule *siem.DetectionRule) (*analyst.Result, error)
	Budget() analyst.BudgetState
}

// Options tunes a pipeline run.
type Options struct {
	// WindowDays is how far back to query signals.
	WindowDays int

	// Workers bounds concurrent alert processing (1..8).
	Workers int

	// Retry is the per-alert transient retry policy.
	Retry RetryPolicy

	// BackendRetries is the run-level retry budget for signal-source
	// reads; exhausting it aborts the run.
	BackendRetries int

	// CallTimeout bounds each individual analyze/annotate network call.
	CallTimeout time.Duration
}

// Orchestrator runs the alert-processing pipeline.
type Orchestrator struct {
	source    siem.SignalSource
	annotator Annotator
	sink      siem.AnnotationSink
	ledger    Ledger
	logger    log.Logger
	metrics   *Metrics
	opts      Options
}

// NewOrchestrator wires the pipeline. metrics may be nil.
func NewOrchestrator(source siem.SignalSource, annotator Annotator, sink siem.AnnotationSink, ledger Ledger, logger log.Logger, metrics *Metrics, opts Options) *Orchestrator {
	if logger == nil {
		logger = log.Nop()
	}
	if opts.WindowDays <= 0 {
		opts.WindowDays = defaultWindowDays
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Workers > maxWorkers {
		opts.Workers = maxWorkers
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.BackendRetries <= 0 {
		opts.BackendRetries = 3
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	return &Orchestrator{
		source:    source,
		annotator: annotator,
		sink:      sink,
		ledger:    ledger,
		logger:    logger,
		metrics:   metrics,
		opts:      opts,
	}
}

// Run executes one batch: fetch rules, stream each rule's signals in
// ascending timestamp order, and process every signal through the state
// machine. One alert's permanent failure never aborts the batch; only
// auth failures and an exhausted backend retry budget do. The returned
// Summary is valid even when err is non-nil.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	runID := ulid.Make().String()
	start := time.Now()
	L := o.logger.With("run_id", runID)

	window := siem.TimeWindow{Start: start.AddDate(0, 0, -o.opts.WindowDays)}
	summary := &Summary{RunID: runID, StartedAt: start.UTC()}

	L.Info(ctx, "pipeline run starting",
		"window_days", o.opts.WindowDays,
		"workers", o.opts.Workers,
		"max_attempts", o.opts.Retry.MaxAttempts,
	)

	rules, err := o.listRules(ctx, L)
	if err != nil {
		o.metrics.observeRun("fatal", time.Since(start).Seconds())
		return summary, err
	}
	summary.Rules = len(rules)
	L.Info(ctx, "fetched detection rules", "total", len(rules))

	var (
		mu       sync.Mutex // guards summary counters and failure list
		seq      int
		fatalErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Workers)

dispatch:
	for _, rule := range rules {
		if !rule.Enabled {
			L.Info(ctx, "skipping disabled rule", "rule", rule.Name)
			continue
		}

		it := o.source.Signals(rule, window, nil)
		for {
			sig, ok, err := o.nextSignal(gctx, L, it)
			if err != nil {
				if gctx.Err() == nil {
					fatalErr = fmt.Errorf("rule %q: signals: %w", rule.Name, err)
				}
				break dispatch
			}
			if !ok {
				break
			}

			seq++
			n := seq
			g.Go(func() error {
				return o.process(gctx, runID, n, &rule, sig, summary, &mu)
			})

			if gctx.Err() != nil {
				break dispatch
			}
		}
		L.Info(ctx, "rule signals dispatched", "rule", rule.Name, "cursor", it.Cursor())
	}

	werr := g.Wait()
	if fatalErr == nil {
		fatalErr = werr
	}

	summary.Signals = seq
	summary.FinishedAt = time.Now().UTC()
	o.metrics.setRateBudget(o.annotator.Budget().Tokens)

	elapsed := time.Since(start).Seconds()
	switch {
	case errors.Is(fatalErr, context.Canceled):
		o.metrics.observeRun("canceled", elapsed)
		L.Warn(ctx, "pipeline run canceled", "done", summary.Done, "signals", summary.Signals)
	case fatalErr != nil:
		o.metrics.observeRun("fatal", elapsed)
		L.Error(ctx, fatalErr, "pipeline run aborted", "done", summary.Done, "signals", summary.Signals)
	default:
		o.metrics.observeRun("completed", elapsed)
		L.Info(ctx, "pipeline run complete",
			"signals", summary.Signals,
			"done", summary.Done,
			"skipped", summary.Skipped,
			"failed_permanent", summary.FailedPermanent,
			"transient_retries", summary.TransientRetries,
			"duration", elapsed,
		)
	}
	for _, f := range summary.Failures {
		L.Warn(ctx, "permanent failure requires manual follow-up", "alert_id", f.AlertID, "error", f.Error)
	}

	return summary, fatalErr
}

// listRules fetches the rule set, retrying backend unavailability with
// backoff up to the run-level budget. Auth failures abort immediately.
func (o *Orchestrator) listRules(ctx context.Context, L log.Logger) ([]siem.DetectionRule, error) {
	bo := o.opts.Retry.newBackOff()
	for attempt := 1; ; attempt++ {
		rules, err := o.source.ListRules(ctx)
		if err == nil {
			return rules, nil
		}
		if !errors.Is(err, siem.ErrBackendUnavailable) {
			return nil, fmt.Errorf("list rules: %w", err)
		}
		if attempt > o.opts.BackendRetries {
			return nil, fmt.Errorf("list rules: retry budget exhausted: %w", err)
		}
		delay := bo.NextBackOff()
		L.Warn(ctx, "signal source unavailable, retrying", "attempt", attempt, "delay", delay.String())
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// nextSignal pulls the next signal, retrying backend unavailability so one
// flaky page does not kill the run.
func (o *Orchestrator) nextSignal(ctx context.Context, L log.Logger, it siem.SignalIterator) (*siem.AlertSignal, bool, error) {
	bo := o.opts.Retry.newBackOff()
	for attempt := 1; ; attempt++ {
		sig, ok, err := it.Next(ctx)
		if err == nil {
			return sig, ok, nil
		}
		if !errors.Is(err, siem.ErrBackendUnavailable) {
			return nil, false, err
		}
		if attempt > o.opts.BackendRetries {
			return nil, false, fmt.Errorf("retry budget exhausted: %w", err)
		}
		delay := bo.NextBackOff()
		L.Warn(ctx, "signal page fetch failed, retrying", "attempt", attempt, "delay", delay.String(), "cursor", it.Cursor())
		if err := sleep(ctx, delay); err != nil {
			return nil, false, err
		}
	}
}

// process runs one alert through the state machine:
// fetched -> queued -> analyzing -> annotating -> done, with transient
// failures looping back to queued until the attempt budget runs out.
// Returns a non-nil error only for run-fatal conditions.
func (o *Orchestrator) process(ctx context.Context, runID string, seq int, rule *siem.DetectionRule, sig *siem.AlertSignal, summary *Summary, mu *sync.Mutex) error {
	L := o.logger.With("run_id", runID, "alert_id", sig.ID, "rule", rule.Name)
	state := StateFetched

	// Idempotency gate: an alert with a success record is never
	// re-annotated, no matter how many times the pipeline runs.
	done, err := o.ledger.HasSuccess(ctx, sig.ID)
	if err != nil {
		return fmt.Errorf("ledger lookup for %s: %w", sig.ID, err)
	}
	if done {
		o.append(ctx, L, &Record{RunID: runID, Seq: seq, AlertID: sig.ID, Outcome: OutcomeSkipped})
		mu.Lock()
		summary.Skipped++
		mu.Unlock()
		L.Info(ctx, "alert already processed, skipping")
		return nil
	}
	state = StateQueued

	bo := o.opts.Retry.newBackOff()
	var result *analyst.Result

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		var attemptErr error
		if result == nil {
			state = StateAnalyzing
			result, attemptErr = o.analyze(ctx, sig, rule)
		}
		if attemptErr == nil {
			// Keep the analysis across sink retries so a flaky write-back
			// never spends a second model call.
			state = StateAnnotating
			attemptErr = o.attach(ctx, sig.ID, result)
		}
		if attemptErr == nil {
			state = StateDone
			o.append(ctx, L, &Record{RunID: runID, Seq: seq, AlertID: sig.ID, Outcome: OutcomeSuccess})
			mu.Lock()
			summary.Done++
			mu.Unlock()
			L.Info(ctx, "alert annotated",
				"state", string(state),
				"severity", string(result.Severity),
				"attempts", attempt,
			)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch classify(attemptErr) {
		case classFatal:
			o.append(ctx, L, &Record{RunID: runID, Seq: seq, AlertID: sig.ID, Outcome: OutcomeFailedTransient, Error: attemptErr.Error()})
			return fmt.Errorf("alert %s: %w", sig.ID, attemptErr)

		case classPermanent:
			state = StateFailedPermanent
			o.failPermanent(ctx, L, summary, mu, &Record{RunID: runID, Seq: seq, AlertID: sig.ID, Outcome: OutcomeFailedPermanent, Error: attemptErr.Error()}, state, attemptErr)
			return nil

		default: // transient
			state = StateFailedTransient
			mu.Lock()
			summary.TransientRetries++
			mu.Unlock()
			o.metrics.observeRetry()

			if attempt >= o.opts.Retry.MaxAttempts {
				state = StateFailedPermanent
				exhausted := fmt.Errorf("retry budget exhausted after %d attempts: %w", attempt, attemptErr)
				o.failPermanent(ctx, L, summary, mu, &Record{RunID: runID, Seq: seq, AlertID: sig.ID, Outcome: OutcomeFailedPermanent, Error: exhausted.Error()}, state, exhausted)
				return nil
			}

			o.append(ctx, L, &Record{RunID: runID, Seq: seq, AlertID: sig.ID, Outcome: OutcomeFailedTransient, Error: attemptErr.Error()})
			delay := retryDelay(bo, attemptErr)
			L.Warn(ctx, "transient failure, backing off",
				"state", string(state),
				"attempt", attempt,
				"delay", delay.String(),
				"error", attemptErr.Error(),
			)
			if serr := sleep(ctx, delay); serr != nil {
				return serr
			}
			state = StateQueued
		}
	}
}

func (o *Orchestrator) failPermanent(ctx context.Context, L log.Logger, summary *Summary, mu *sync.Mutex, rec *Record, state State, cause error) {
	o.append(ctx, L, rec)
	mu.Lock()
	summary.FailedPermanent++
	summary.Failures = append(summary.Failures, Failure{AlertID: rec.AlertID, Error: rec.Error})
	mu.Unlock()

	fields := []any{"state", string(state), "error", rec.Error}
	var malformed *analyst.MalformedResponseError
	if errors.As(cause, &malformed) {
		// Raw output is kept for manual review of parse failures.
		fields = append(fields, "raw_response", malformed.Raw)
	}
	L.Warn(ctx, "alert failed permanently", fields...)
}

// analyze runs one model call under the per-call timeout. The run context
// is kept so shutdown can interrupt the rate-budget wait.
func (o *Orchestrator) analyze(ctx context.Context, sig *siem.AlertSignal, rule *siem.DetectionRule) (*analyst.Result, error) {
	cctx, cancel := context.WithTimeout(ctx, o.opts.CallTimeout)
	defer cancel()

	result, err := o.annotator.Analyze(cctx, sig, rule)
	o.metrics.setRateBudget(o.annotator.Budget().Tokens)
	return result, err
}

// attach writes the note on a context detached from run cancellation: a
// write-back is never aborted midway, it completes or times out on its own.
func (o *Orchestrator) attach(ctx context.Context, alertID string, result *analyst.Result) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.CallTimeout)
	defer cancel()

	start := time.Now()
	err := o.sink.AttachNote(cctx, alertID, siem.Note{
		AlertID:     alertID,
		Severity:    string(result.Severity),
		Body:        noteBody(result),
		Actions:     result.Actions,
		GeneratedAt: result.GeneratedAt,
	})
	o.metrics.observeAttach(time.Since(start).Seconds())
	return err
}

func noteBody(r *analyst.Result) string {
	var b strings.Builder
	b.WriteString(r.Description)
	b.WriteString("\n\n")
	b.WriteString(r.Analysis)
	if len(r.Techniques) > 0 {
		b.WriteString("\n\nMITRE ATT&CK: ")
		b.WriteString(strings.Join(r.Techniques, ", "))
	}
	return b.String()
}

// append writes an audit record. Records are written on a detached context
// so shutdown never loses the outcome of a finished attempt; a ledger
// write failure is logged, not escalated, because AttachNote idempotency
// makes a re-annotation on the next run harmless.
func (o *Orchestrator) append(ctx context.Context, L log.Logger, r *Record) {
	r.ID = ulid.Make().String()
	r.Timestamp = time.Now().UTC()

	if err := o.ledger.Append(context.WithoutCancel(ctx), r); err != nil {
		L.Error(ctx, err, "failed to append processing record", "outcome", string(r.Outcome))
	}
	o.metrics.observeOutcome(r.Outcome)
}
