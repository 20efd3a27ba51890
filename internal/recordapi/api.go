// Package recordapi exposes processing records and run summaries over HTTP
// for operators inspecting pipeline behavior.
package recordapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/scribe/internal/pipeline"
)

const defaultRecentLimit = 100

// Ledger defines the read operations the API needs.
type Ledger interface {
	ByAlert(ctx context.Context, alertID string) ([]*pipeline.Record, error)
	Recent(ctx context.Context, limit int) ([]*pipeline.Record, error)
}

// RunSource provides the most recent run summary.
type RunSource interface {
	Latest() *pipeline.Summary
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	ledger Ledger
	runs   RunSource
}

// New creates a new API handler.
func New(logger log.Logger, ledger Ledger, runs RunSource) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if ledger == nil {
		panic(xerrors.New("ledger is required"))
	}
	if runs == nil {
		panic(xerrors.New("run source is required"))
	}
	return &API{
		logger: logger,
		ledger: ledger,
		runs:   runs,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/records", a.handleRecentRecords)
		r.Get("/records/{alertID}", a.handleRecordsByAlert)
		r.Get("/runs/latest", a.handleLatestRun)
	})
}

func (a *API) handleRecentRecords(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			http.Error(w, `{"error":"limit must be an integer in 1..1000"}`, http.StatusBadRequest)
			return
		}
		limit = n
	}

	records, err := a.ledger.Recent(r.Context(), limit)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list recent records")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []*pipeline.Record{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"records": records,
	})
}

func (a *API) handleRecordsByAlert(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "alertID")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("scribe.alert.id", alertID))

	records, err := a.ledger.ByAlert(r.Context(), alertID)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get records", "alert_id", alertID)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if len(records) == 0 {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	span.SetAttributes(attribute.Int("scribe.alert.records", len(records)))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"alert_id": alertID,
		"records":  records,
	})
}

func (a *API) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	summary := a.runs.Latest()
	if summary == nil {
		http.Error(w, `{"error":"no completed runs"}`, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(summary)
}
