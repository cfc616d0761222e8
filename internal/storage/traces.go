package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vigil-ai/vigil/internal/model"
)

// traceColumns is the column order shared by COPY and INSERT paths.
var traceColumns = []string{
	"trace_id", "workspace_id", "agent_id", "ts", "latency_ms",
	"model", "model_provider", "status", "error", "input", "output",
	"tokens_input", "tokens_output", "tokens_total", "cost_usd",
	"tags", "metadata", "created_at",
}

func traceRow(t model.Trace) []any {
	return []any{
		t.TraceID, t.WorkspaceID, t.AgentID, t.Timestamp, t.LatencyMS,
		t.Model, t.ModelProvider, string(t.Status), t.Error, t.Input, t.Output,
		t.TokensInput, t.TokensOutput, t.TokensTotal, t.CostUSD,
		t.Tags, t.Metadata, t.CreatedAt,
	}
}

// InsertTrace inserts a single trace. Writes are idempotent on
// (workspace_id, trace_id): redelivery of an already-written trace returns
// ErrDuplicate instead of creating a second row.
func (db *DB) InsertTrace(ctx context.Context, t model.Trace) error {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO traces (trace_id, workspace_id, agent_id, ts, latency_ms,
		                     model, model_provider, status, error, input, output,
		                     tokens_input, tokens_output, tokens_total, cost_usd,
		                     tags, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 ON CONFLICT (workspace_id, trace_id) DO NOTHING`,
		traceRow(t)...,
	)
	if err != nil {
		return fmt.Errorf("storage: insert trace: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

// InsertTraces bulk-inserts traces with duplicate safety. The batch is
// COPYed into a temp table and moved into traces with ON CONFLICT DO
// NOTHING, so redelivered traces never fail the batch. Returns the number
// of new rows; duplicates are simply not counted.
func (db *DB) InsertTraces(ctx context.Context, traces []model.Trace) (int64, error) {
	if len(traces) == 0 {
		return 0, nil
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: begin trace batch tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`CREATE TEMP TABLE _incoming_traces (LIKE traces INCLUDING DEFAULTS) ON COMMIT DROP`,
	); err != nil {
		return 0, fmt.Errorf("storage: create trace temp table: %w", err)
	}

	rows := make([][]any, len(traces))
	for i, t := range traces {
		rows[i] = traceRow(t)
	}

	// Dedicated COPY timeout so a hung Postgres cannot block the writer's
	// flush loop indefinitely.
	copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
	_, err = tx.CopyFrom(copyCtx, pgx.Identifier{"_incoming_traces"}, traceColumns, pgx.CopyFromRows(rows))
	copyCancel()
	if err != nil {
		return 0, fmt.Errorf("storage: copy traces: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO traces SELECT * FROM _incoming_traces
		 ON CONFLICT (workspace_id, trace_id) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("storage: insert from trace temp table: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("storage: commit trace batch: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetTrace retrieves one trace, scoped by workspace for tenant isolation.
func (db *DB) GetTrace(ctx context.Context, workspaceID uuid.UUID, traceID string) (model.Trace, error) {
	var t model.Trace
	var status string
	err := db.pool.QueryRow(ctx,
		`SELECT trace_id, workspace_id, agent_id, ts, latency_ms,
		        model, model_provider, status, error, input, output,
		        tokens_input, tokens_output, tokens_total, cost_usd,
		        tags, metadata, created_at
		 FROM traces WHERE workspace_id = $1 AND trace_id = $2`,
		workspaceID, traceID,
	).Scan(
		&t.TraceID, &t.WorkspaceID, &t.AgentID, &t.Timestamp, &t.LatencyMS,
		&t.Model, &t.ModelProvider, &status, &t.Error, &t.Input, &t.Output,
		&t.TokensInput, &t.TokensOutput, &t.TokensTotal, &t.CostUSD,
		&t.Tags, &t.Metadata, &t.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return model.Trace{}, ErrNotFound
	}
	if err != nil {
		return model.Trace{}, fmt.Errorf("storage: get trace: %w", err)
	}
	t.Status = model.TraceStatus(status)
	return t, nil
}

// WorkspaceKPIs computes the aggregate numbers served by the KPI endpoint.
// Callers cache the result under the workspace's kpis facet.
func (db *DB) WorkspaceKPIs(ctx context.Context, workspaceID uuid.UUID) (model.WorkspaceKPIs, error) {
	k := model.WorkspaceKPIs{WorkspaceID: workspaceID}
	err := db.pool.QueryRow(ctx,
		`SELECT count(*),
		        count(*) FILTER (WHERE status = 'error'),
		        coalesce(avg(latency_ms), 0),
		        coalesce(max(latency_ms), 0),
		        coalesce(sum(tokens_total), 0),
		        coalesce(sum(cost_usd), 0)
		 FROM traces WHERE workspace_id = $1`,
		workspaceID,
	).Scan(&k.TraceCount, &k.ErrorCount, &k.AvgLatencyMS, &k.MaxLatencyMS, &k.TotalTokens, &k.TotalCostUSD)
	if err != nil {
		return model.WorkspaceKPIs{}, fmt.Errorf("storage: workspace kpis: %w", err)
	}
	if k.TraceCount > 0 {
		k.ErrorRate = float64(k.ErrorCount) / float64(k.TraceCount)
	}
	if err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM violations WHERE workspace_id = $1 AND status = 'open'`,
		workspaceID,
	).Scan(&k.OpenAlerts); err != nil {
		return model.WorkspaceKPIs{}, fmt.Errorf("storage: count open alerts: %w", err)
	}
	return k, nil
}
