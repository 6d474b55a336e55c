package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxgate/voxgate/pkg/types"
)

// ddlCalls is the durable call ledger. The admission controller inserts rows
// with status 'in_progress' at reservation time; the reconciler performs the
// single terminal transition.
const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    call_id          TEXT         PRIMARY KEY,
    tenant_id        TEXT         NOT NULL,
    agent_id         TEXT         NOT NULL DEFAULT '',
    direction        TEXT         NOT NULL DEFAULT 'web',
    status           TEXT         NOT NULL DEFAULT 'in_progress',
    started_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at         TIMESTAMPTZ,
    duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
    billed_minutes   BIGINT       NOT NULL DEFAULT 0,
    stt_provider     TEXT         NOT NULL DEFAULT '',
    llm_provider     TEXT         NOT NULL DEFAULT '',
    tts_provider     TEXT         NOT NULL DEFAULT '',
    stt_cost_minor   BIGINT       NOT NULL DEFAULT 0,
    llm_cost_minor   BIGINT       NOT NULL DEFAULT 0,
    tts_cost_minor   BIGINT       NOT NULL DEFAULT 0,
    error            TEXT         NOT NULL DEFAULT '',
    end_reason       TEXT         NOT NULL DEFAULT '',
    metadata         JSONB        NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_calls_tenant_status
    ON calls (tenant_id, status);

CREATE INDEX IF NOT EXISTS idx_calls_tenant_started
    ON calls (tenant_id, started_at);
`

// ddlUsageRecords is the append-only usage ledger. The unique index makes
// WriteUsageRecords idempotent on (call id, usage type).
const ddlUsageRecords = `
CREATE TABLE IF NOT EXISTS usage_records (
    id               BIGSERIAL    PRIMARY KEY,
    tenant_id        TEXT         NOT NULL,
    call_id          TEXT         NOT NULL,
    period_start     TIMESTAMPTZ  NOT NULL,
    period_end       TIMESTAMPTZ  NOT NULL,
    usage_type       TEXT         NOT NULL,
    quantity         DOUBLE PRECISION NOT NULL,
    unit_cost_minor  BIGINT       NOT NULL,
    total_cost_minor BIGINT       NOT NULL,
    provider_meta    JSONB        NOT NULL DEFAULT '{}',
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_usage_records_call_type
    ON usage_records (call_id, usage_type);

CREATE INDEX IF NOT EXISTS idx_usage_records_tenant_period
    ON usage_records (tenant_id, period_start);
`

// Migrate ensures the billing tables exist. Idempotent and safe to call on
// every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlCalls, ddlUsageRecords} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("billing migrate: %w", err)
		}
	}
	return nil
}

// PostgresStore is the canonical [Store] implementation. All methods are safe
// for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps pool as a Store. Run [Migrate] before first use.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ Store = (*PostgresStore)(nil)

// FinalizeCall implements [Store]. The guarded UPDATE only matches a
// non-terminal row, so the first finalizer wins and repeats read back the
// stored record instead.
func (s *PostgresStore) FinalizeCall(ctx context.Context, rec types.CallRecord) (types.CallRecord, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE calls SET
		    status = $2,
		    ended_at = $3,
		    duration_seconds = $4,
		    billed_minutes = $5,
		    stt_provider = $6,
		    llm_provider = $7,
		    tts_provider = $8,
		    stt_cost_minor = $9,
		    llm_cost_minor = $10,
		    tts_cost_minor = $11,
		    error = $12,
		    end_reason = $13
		WHERE call_id = $1 AND status = 'in_progress'`,
		rec.CallID, rec.Status, rec.EndedAt, rec.DurationSeconds, rec.BilledMinutes,
		rec.STTProvider, rec.LLMProvider, rec.TTSProvider,
		rec.STTCostMinor, rec.LLMCostMinor, rec.TTSCostMinor,
		rec.Error, string(rec.EndReason),
	)
	if err != nil {
		return types.CallRecord{}, false, fmt.Errorf("billing store: finalize %s: %w", rec.CallID, err)
	}
	if tag.RowsAffected() == 1 {
		return rec, true, nil
	}

	stored, err := s.loadCall(ctx, rec.CallID)
	if err != nil {
		return types.CallRecord{}, false, err
	}
	return stored, false, nil
}

// WriteUsageRecords implements [Store]. ON CONFLICT DO NOTHING on the
// (call_id, usage_type) unique index keeps retries from duplicating entries.
func (s *PostgresStore) WriteUsageRecords(ctx context.Context, recs []types.UsageRecord) error {
	if len(recs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, u := range recs {
		batch.Queue(`
			INSERT INTO usage_records
			    (tenant_id, call_id, period_start, period_end, usage_type,
			     quantity, unit_cost_minor, total_cost_minor, provider_meta)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (call_id, usage_type) DO NOTHING`,
			u.TenantID, u.CallID, u.PeriodStart, u.PeriodEnd, u.UsageType,
			u.Quantity, u.UnitCostMinor, u.TotalCostMinor, u.ProviderMetadata,
		)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range recs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("billing store: write usage records: %w", err)
		}
	}
	return nil
}

// MissingUsageCallIDs returns terminal calls ended after since that have no
// duration usage record yet — the background sweep's work list.
func (s *PostgresStore) MissingUsageCallIDs(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.call_id
		FROM   calls c
		WHERE  c.status IN ('completed', 'failed')
		  AND  c.ended_at > $1
		  AND  NOT EXISTS (
		       SELECT 1 FROM usage_records u
		       WHERE  u.call_id = c.call_id AND u.usage_type = 'duration')`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("billing store: missing usage: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("billing store: missing usage scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// loadCall reads back a call row as a CallRecord.
func (s *PostgresStore) loadCall(ctx context.Context, callID string) (types.CallRecord, error) {
	var (
		rec       types.CallRecord
		endedAt   *time.Time
		direction string
		endReason string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT call_id, tenant_id, agent_id, direction, status,
		       started_at, ended_at, duration_seconds, billed_minutes,
		       stt_provider, llm_provider, tts_provider,
		       stt_cost_minor, llm_cost_minor, tts_cost_minor,
		       error, end_reason
		FROM   calls WHERE call_id = $1`,
		callID,
	).Scan(
		&rec.CallID, &rec.TenantID, &rec.AgentID, &direction, &rec.Status,
		&rec.StartedAt, &endedAt, &rec.DurationSeconds, &rec.BilledMinutes,
		&rec.STTProvider, &rec.LLMProvider, &rec.TTSProvider,
		&rec.STTCostMinor, &rec.LLMCostMinor, &rec.TTSCostMinor,
		&rec.Error, &endReason,
	)
	if err != nil {
		return types.CallRecord{}, fmt.Errorf("billing store: load call %s: %w", callID, err)
	}
	rec.Direction = types.CallDirection(direction)
	rec.EndReason = types.EndReason(endReason)
	if endedAt != nil {
		rec.EndedAt = *endedAt
	}
	return rec, nil
}
