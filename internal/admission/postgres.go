package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlTenantCounters creates the per-tenant lock row the atomic reservation
// path serializes on. The table intentionally carries no counter column —
// the authoritative count is always derived from the calls table — it exists
// purely as a row-lock target.
const ddlTenantCounters = `
CREATE TABLE IF NOT EXISTS tenant_counters (
    tenant_id   TEXT         PRIMARY KEY,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Migrate ensures the admission tables exist. Idempotent and safe to call on
// every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTenantCounters); err != nil {
		return fmt.Errorf("admission migrate: %w", err)
	}
	return nil
}

// PostgresStore is the canonical [Store] implementation. It shares the calls
// table with the billing reconciler: a reservation is an in-progress calls
// row, and the slot frees when the row reaches a terminal status.
//
// All methods are safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps pool as a Store. The pool is owned by the caller;
// run [Migrate] (and the billing schema migration) before first use.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ Store = (*PostgresStore)(nil)

// ReserveSlot implements [Store]. It locks the tenant's counter row, counts
// in-progress calls inside the same transaction, and inserts the new call
// only when the count is strictly below max.
func (s *PostgresStore) ReserveSlot(ctx context.Context, tenantID string, max int, start CallStart) (int, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, false, fmt.Errorf("admission store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Ensure the lock row exists, then take it. Every reserver for this
	// tenant queues behind the row lock, making count+insert atomic.
	if _, err := tx.Exec(ctx,
		`INSERT INTO tenant_counters (tenant_id) VALUES ($1) ON CONFLICT (tenant_id) DO NOTHING`,
		tenantID,
	); err != nil {
		return 0, false, fmt.Errorf("admission store: ensure counter row: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`SELECT tenant_id FROM tenant_counters WHERE tenant_id = $1 FOR UPDATE`,
		tenantID,
	); err != nil {
		return 0, false, fmt.Errorf("admission store: lock counter row: %w", err)
	}

	var current int
	if err := tx.QueryRow(ctx,
		`SELECT count(*) FROM calls WHERE tenant_id = $1 AND status = 'in_progress'`,
		tenantID,
	).Scan(&current); err != nil {
		return 0, false, fmt.Errorf("admission store: count active: %w", err)
	}

	if current >= max {
		return current, false, nil
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO calls (call_id, tenant_id, agent_id, direction, status, started_at)
		VALUES ($1, $2, $3, $4, 'in_progress', $5)`,
		start.CallID, tenantID, start.AgentID, string(start.Direction), start.StartedAt,
	); err != nil {
		return current, false, fmt.Errorf("admission store: register call: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return current, false, fmt.Errorf("admission store: commit: %w", err)
	}
	return current + 1, true, nil
}

// ReleaseSlot implements [Store].
func (s *PostgresStore) ReleaseSlot(ctx context.Context, callID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE calls SET status = 'released', ended_at = now() WHERE call_id = $1 AND status = 'in_progress'`,
		callID,
	)
	if err != nil {
		return fmt.Errorf("admission store: release %s: %w", callID, err)
	}
	return nil
}

// ActiveCalls implements [Store].
func (s *PostgresStore) ActiveCalls(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM calls WHERE tenant_id = $1 AND status = 'in_progress'`,
		tenantID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("admission store: active calls: %w", err)
	}
	return n, nil
}

// UsedMinutes implements [Store].
func (s *PostgresStore) UsedMinutes(ctx context.Context, tenantID string, periodStart, periodEnd time.Time) (int64, error) {
	var minutes int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(billed_minutes), 0)
		FROM   calls
		WHERE  tenant_id = $1
		  AND  status IN ('completed', 'failed')
		  AND  started_at >= $2
		  AND  started_at <  $3`,
		tenantID, periodStart, periodEnd,
	).Scan(&minutes)
	if err != nil {
		return 0, fmt.Errorf("admission store: used minutes: %w", err)
	}
	return minutes, nil
}

// ReclaimStale implements [Store]. In-progress calls older than cutoff whose
// process died without finalizing are failed with a timeout end reason so the
// slot frees and the billing sweep can still emit usage for them.
func (s *PostgresStore) ReclaimStale(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE calls
		SET    status = 'failed',
		       end_reason = 'timeout',
		       error = 'stale reservation reclaimed',
		       ended_at = now(),
		       duration_seconds = EXTRACT(EPOCH FROM (now() - started_at)),
		       billed_minutes = CEIL(EXTRACT(EPOCH FROM (now() - started_at)) / 60)
		WHERE  status = 'in_progress'
		  AND  started_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("admission store: reclaim stale: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
