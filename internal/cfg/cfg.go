package cfg

import (
	"errors"
	"flag"
	"fmt"
)

// Config adds scribe-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	KibanaURL       string
	ElasticURL      string
	KibanaSpace     string
	SIEMAPIKey      string
	SIEMUsername    string
	SIEMPassword    string
	ElasticInsecure bool

	ClaudeAPIKey      string
	ClaudeModel       string
	ClaudeTemperature float64

	WindowDays     int
	PageSize       int
	Workers        int
	MaxAttempts    int
	BackendRetries int
	RateLimit      float64
	RateBurst      int
	PromptBudget   int

	RunIntervalSeconds int

	DatabaseURL     string
	SlackWebhookURL string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight work to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "records API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on records API requests")
	fs.StringVar(&c.KibanaURL, "kibana-url", "", "Kibana base URL for detection rules and timeline notes")
	fs.StringVar(&c.ElasticURL, "elastic-url", "", "Elasticsearch base URL for alert signal queries")
	fs.StringVar(&c.KibanaSpace, "kibana-space", "", "Kibana space name (empty = default space)")
	fs.StringVar(&c.SIEMAPIKey, "siem-api-key", "", "SIEM API key (takes precedence over username/password)")
	fs.StringVar(&c.SIEMUsername, "siem-username", "", "SIEM basic auth username (used when no API key is set)")
	fs.StringVar(&c.SIEMPassword, "siem-password", "", "SIEM basic auth password (used when no API key is set)")
	fs.BoolVar(&c.ElasticInsecure, "elastic-insecure", false, "skip TLS certificate verification for Elasticsearch")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for accessing the Claude LLM provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.Float64Var(&c.ClaudeTemperature, "claude-temperature", 0.0, "Claude sampling temperature (0..1)")
	fs.IntVar(&c.WindowDays, "window-days", 30, "how many days back to query for alert signals (1..365)")
	fs.IntVar(&c.PageSize, "page-size", 500, "Elasticsearch page size per signal query (1..10000)")
	fs.IntVar(&c.Workers, "workers", 4, "concurrent analysis workers (1..8)")
	fs.IntVar(&c.MaxAttempts, "max-attempts", 4, "attempts per alert before a transient failure becomes permanent (1..10)")
	fs.IntVar(&c.BackendRetries, "backend-retries", 3, "retries for rule listing and signal page fetches (0..10)")
	fs.Float64Var(&c.RateLimit, "rate-limit", 0, "model calls per second across all workers (0 = unlimited)")
	fs.IntVar(&c.RateBurst, "rate-burst", 1, "model call burst allowance (>=1)")
	fs.IntVar(&c.PromptBudget, "prompt-budget", 24000, "maximum rendered prompt size in characters (>=1000)")
	fs.IntVar(&c.RunIntervalSeconds, "run-interval-seconds", 0, "seconds between pipeline runs (0 = run once and exit)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory ledger)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for run summaries")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// The records API is never served unauthenticated
	if c.APIToken == "" {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}

	// SIEM endpoints are required
	if c.KibanaURL == "" {
		errs = append(errs, errors.New("KIBANA_URL is required"))
	}
	if c.ElasticURL == "" {
		errs = append(errs, errors.New("ELASTIC_URL is required"))
	}

	// Either an API key or a full basic auth pair is required
	if c.SIEMAPIKey == "" && (c.SIEMUsername == "" || c.SIEMPassword == "") {
		errs = append(errs, errors.New("SIEM_API_KEY or both SIEM_USERNAME and SIEM_PASSWORD are required"))
	}

	// Claude API key is required for LLM access
	if c.ClaudeAPIKey == "" {
		errs = append(errs, errors.New("CLAUDE_API_KEY is required"))
	}

	// Claude model is required for LLM access
	if c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required"))
	}

	if c.ClaudeTemperature < 0 || c.ClaudeTemperature > 1 {
		errs = append(errs, fmt.Errorf("invalid CLAUDE_TEMPERATURE %g (must be 0..1)", c.ClaudeTemperature))
	}

	if c.WindowDays <= 0 || c.WindowDays > 365 {
		errs = append(errs, fmt.Errorf("invalid WINDOW_DAYS %d (must be 1..365)", c.WindowDays))
	}
	if c.PageSize <= 0 || c.PageSize > 10000 {
		errs = append(errs, fmt.Errorf("invalid PAGE_SIZE %d (must be 1..10000)", c.PageSize))
	}
	if c.Workers < 1 || c.Workers > 8 {
		errs = append(errs, fmt.Errorf("invalid WORKERS %d (must be 1..8)", c.Workers))
	}
	if c.MaxAttempts < 1 || c.MaxAttempts > 10 {
		errs = append(errs, fmt.Errorf("invalid MAX_ATTEMPTS %d (must be 1..10)", c.MaxAttempts))
	}
	if c.BackendRetries < 0 || c.BackendRetries > 10 {
		errs = append(errs, fmt.Errorf("invalid BACKEND_RETRIES %d (must be 0..10)", c.BackendRetries))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("invalid RATE_LIMIT %g (must be >= 0)", c.RateLimit))
	}
	if c.RateBurst < 1 {
		errs = append(errs, fmt.Errorf("invalid RATE_BURST %d (must be >= 1)", c.RateBurst))
	}
	if c.PromptBudget < 1000 {
		errs = append(errs, fmt.Errorf("invalid PROMPT_BUDGET %d (must be >= 1000)", c.PromptBudget))
	}
	if c.RunIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("invalid RUN_INTERVAL_SECONDS %d (must be >= 0)", c.RunIntervalSeconds))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
