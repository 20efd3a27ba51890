// Package pgledger provides a PostgreSQL implementation of pipeline.Ledger.
package pgledger

import (
	"context"
	_ "embed"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/scribe/internal/pipeline"
)

var tracer = otel.Tracer("github.com/linnemanlabs/scribe/internal/pipeline/pgledger")

//go:embed schema.sql
var schema string

// Ledger persists processing records in PostgreSQL. The schema's partial
// unique index enforces the one-success-per-alert invariant even across
// concurrent writers and process restarts.
type Ledger struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a ready Ledger.
func New(ctx context.Context, pool *pgxpool.Pool) (*Ledger, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Ledger{pool: pool}, nil
}

const recordColumns = `id, run_id, seq, alert_id, outcome, ts, error`

// Append inserts one record. A conflicting second success for the same
// alert id is silently dropped (ON CONFLICT DO NOTHING), preserving the
// append-only invariant without failing the caller.
func (l *Ledger) Append(ctx context.Context, r *pipeline.Record) error {
	ctx, span := tracer.Start(ctx, "pgledger.Append", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	query := `INSERT INTO processing_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING`

	_, err := l.pool.Exec(ctx, query,
		r.ID, r.RunID, r.Seq, r.AlertID, string(r.Outcome), r.Timestamp, r.Error)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// HasSuccess reports whether a success record exists for the alert.
func (l *Ledger) HasSuccess(ctx context.Context, alertID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "pgledger.HasSuccess", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT EXISTS (
		SELECT 1 FROM processing_records WHERE alert_id = $1 AND outcome = 'success')`

	var exists bool
	if err := l.pool.QueryRow(ctx, query, alertID).Scan(&exists); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("success lookup: %w", err)
	}
	return exists, nil
}

// ByAlert returns all records for an alert in append order.
func (l *Ledger) ByAlert(ctx context.Context, alertID string) ([]*pipeline.Record, error) {
	ctx, span := tracer.Start(ctx, "pgledger.ByAlert", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + recordColumns + ` FROM processing_records WHERE alert_id = $1 ORDER BY ts, id`

	rows, err := l.pool.Query(ctx, query, alertID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Recent returns the newest records, newest first, up to limit.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]*pipeline.Record, error) {
	ctx, span := tracer.Start(ctx, "pgledger.Recent", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + recordColumns + ` FROM processing_records ORDER BY ts DESC, id DESC LIMIT $1`

	rows, err := l.pool.Query(ctx, query, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

func scanRecords(rows pgx.Rows) ([]*pipeline.Record, error) {
	var out []*pipeline.Record
	for rows.Next() {
		var r pipeline.Record
		var outcome string
		if err := rows.Scan(&r.ID, &r.RunID, &r.Seq, &r.AlertID, &outcome, &r.Timestamp, &r.Error); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.Outcome = pipeline.Outcome(outcome)
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}
