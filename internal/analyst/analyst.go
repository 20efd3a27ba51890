// Package analyst turns an alert signal plus its detection rule into a
// structured security analysis via a single language-model completion.
package analyst

import (
	"context"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"golang.org/x/time/rate"

	"github.com/linnemanlabs/scribe/internal/siem"
)

const responseTokens = 4096

// Provider is the interface for any LLM backend.
type Provider interface {
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)
}

// CompletionRequest is a single-shot prompt for the provider.
type CompletionRequest struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Completion is the provider's response.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Hooks receives instrumentation callbacks. Any field may be nil.
type Hooks struct {
	// OnModelCall fires after each successful provider call.
	OnModelCall func(inputTokens, outputTokens int, seconds float64)
}

// Options configures an Analyst.
type Options struct {
	// PromptBudget is the maximum rendered prompt size in characters. The
	// raw payload is truncated to fit; host/user context never is.
	PromptBudget int

	// RateLimit and RateBurst bound the external call budget. Every
	// Analyze call consumes one unit.
	RateLimit rate.Limit
	RateBurst int

	Hooks Hooks
}

// BudgetState is a snapshot of the rate budget, exposed so the
// orchestrator can throttle submission instead of relying purely on
// reactive rate-limit errors.
type BudgetState struct {
	Tokens float64
	Limit  float64
	Burst  int
}

// Analyst produces one Result per alert signal. Stateless between calls
// except for the rate-limit bookkeeping in the limiter.
type Analyst struct {
	provider Provider
	limiter  *rate.Limiter
	budget   int
	hooks    Hooks
	logger   log.Logger
}

// New creates an Analyst around the given provider.
func New(provider Provider, opts Options, logger log.Logger) *Analyst {
	if logger == nil {
		logger = log.Nop()
	}
	if opts.PromptBudget <= 0 {
		opts.PromptBudget = defaultPromptBudget
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = rate.Inf
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 1
	}
	return &Analyst{
		provider: provider,
		limiter:  rate.NewLimiter(opts.RateLimit, opts.RateBurst),
		budget:   opts.PromptBudget,
		hooks:    opts.Hooks,
		logger:   logger,
	}
}

// Budget reports the current rate-budget state.
func (a *Analyst) Budget() BudgetState {
	return BudgetState{
		Tokens: a.limiter.Tokens(),
		Limit:  float64(a.limiter.Limit()),
		Burst:  a.limiter.Burst(),
	}
}

// Analyze sends the signal to the model and parses the response into a
// Result. Blocks on the rate budget first so workers pace themselves
// instead of hammering the provider.
func (a *Analyst) Analyze(ctx context.Context, signal *siem.AlertSignal, rule *siem.DetectionRule) (*Result, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	prompt, truncated := buildSignalPrompt(signal, rule, a.budget)
	if truncated {
		a.logger.Info(ctx, "payload truncated to fit prompt budget",
			"alert_id", signal.ID,
			"budget_chars", a.budget,
		)
	}

	start := time.Now()
	comp, err := a.provider.Complete(ctx, &CompletionRequest{
		System:    systemPrompt,
		Prompt:    prompt,
		MaxTokens: responseTokens,
	})
	if err != nil {
		return nil, err
	}
	if a.hooks.OnModelCall != nil {
		a.hooks.OnModelCall(comp.InputTokens, comp.OutputTokens, time.Since(start).Seconds())
	}

	a.logger.Info(ctx, "model response",
		"alert_id", signal.ID,
		"model", comp.Model,
		"input_tokens", comp.InputTokens,
		"output_tokens", comp.OutputTokens,
	)

	result, err := parseResponse(comp.Text)
	if err != nil {
		return nil, err
	}

	result.AlertID = signal.ID
	result.GeneratedAt = time.Now().UTC()
	result.Model = comp.Model
	return result, nil
}
