// Package admission implements the per-tenant concurrency and usage gate that
// every new session must pass before any provider stream is opened.
//
// The hot path is [Controller.Reserve]: provider-allowlist check, then a
// non-atomic usage-minute check, then an atomic slot reservation against the
// tenant's effective max_concurrent_calls. Atomicity is delegated to the
// [Store] — the canonical PostgreSQL implementation locks the tenant's
// counter row (SELECT ... FOR UPDATE) so concurrent reservers serialize.
//
// A reservation is released implicitly when the associated call row reaches a
// terminal status (the billing reconciler's finalize), or explicitly via
// [Controller.Release] when admission succeeded but session construction
// failed before any call took place.
package admission

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/pkg/types"
)

// CallStart captures the identity of a call being registered in-progress at
// reservation time.
type CallStart struct {
	CallID    string
	AgentID   string
	Direction types.CallDirection
	StartedAt time.Time
}

// Store is the durable backing for slot reservations and usage accounting.
// Implementations must make ReserveSlot atomic against concurrent reservers
// for the same tenant.
type Store interface {
	// ReserveSlot counts tenantID's non-terminal calls under a per-tenant
	// lock and, when the count is below max, registers start as an
	// in-progress call. It returns the observed count and whether the
	// reservation was granted.
	ReserveSlot(ctx context.Context, tenantID string, max int, start CallStart) (current int, ok bool, err error)

	// ReleaseSlot removes an in-progress call that never produced a session,
	// freeing its slot without finalization. Releasing an unknown or already
	// terminal call is a no-op.
	ReleaseSlot(ctx context.Context, callID string) error

	// ActiveCalls returns tenantID's current non-terminal call count.
	ActiveCalls(ctx context.Context, tenantID string) (int, error)

	// UsedMinutes sums billed minutes across tenantID's completed calls whose
	// start instant falls within [periodStart, periodEnd).
	UsedMinutes(ctx context.Context, tenantID string, periodStart, periodEnd time.Time) (int64, error)

	// ReclaimStale releases in-progress calls older than cutoff that never
	// finalized (their owning process died). Returns the number reclaimed.
	ReclaimStale(ctx context.Context, cutoff time.Time) (int, error)
}

// LimitsSource resolves a tenant's effective plan limits: plan defaults
// overlaid with per-subscription overrides. Implemented by the external SaaS
// layer; tests supply a static map.
type LimitsSource interface {
	EffectiveLimits(ctx context.Context, tenantID string) (types.EffectivePlanLimits, error)
}

// Controller is the admission gate. Safe for concurrent use.
type Controller struct {
	store   Store
	limits  LimitsSource
	metrics *observe.Metrics
}

// NewController wires a Controller from its store and limits source.
func NewController(store Store, limits LimitsSource, metrics *observe.Metrics) *Controller {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Controller{store: store, limits: limits, metrics: metrics}
}

// Reserve runs the full admission sequence for spec and, on success, returns
// a held Reservation. On denial the returned error wraps one of the package
// sentinels; no slot is consumed and no session may be created.
func (c *Controller) Reserve(ctx context.Context, spec types.SessionSpec) (*types.Reservation, error) {
	if spec.TenantID == "" {
		return nil, fmt.Errorf("%w: missing tenant id", ErrValidation)
	}
	if spec.MaxCallDurationSeconds <= 0 {
		return nil, fmt.Errorf("%w: maxCallDurationSeconds must be positive", ErrValidation)
	}

	limits, err := c.limits.EffectiveLimits(ctx, spec.TenantID)
	if err != nil {
		return nil, fmt.Errorf("admission: resolve limits for %s: %w", spec.TenantID, err)
	}

	if err := checkAllowlist(spec, limits.Allowlist); err != nil {
		c.metrics.RecordAdmissionRejection(ctx, "provider_not_allowed")
		return nil, err
	}

	// Usage check is deliberately non-atomic: a race here over-admits at most
	// one call at the minute boundary, which overage billing absorbs.
	used, err := c.store.UsedMinutes(ctx, spec.TenantID, limits.PeriodStart, limits.PeriodEnd)
	if err != nil {
		return nil, fmt.Errorf("admission: usage lookup for %s: %w", spec.TenantID, err)
	}
	if used >= limits.IncludedMinutes && !limits.SubscriptionActive {
		c.metrics.RecordAdmissionRejection(ctx, "usage_limit")
		return nil, fmt.Errorf("%w: %d of %d included minutes used", ErrUsageLimitExceeded, used, limits.IncludedMinutes)
	}

	callID := spec.CallID
	if callID == "" {
		callID = uuid.NewString()
	}
	start := CallStart{
		CallID:    callID,
		AgentID:   spec.AgentID,
		Direction: spec.Direction,
		StartedAt: time.Now(),
	}

	current, ok, err := c.store.ReserveSlot(ctx, spec.TenantID, limits.MaxConcurrentCalls, start)
	if err != nil {
		return nil, fmt.Errorf("admission: reserve slot for %s: %w", spec.TenantID, err)
	}
	if !ok {
		c.metrics.RecordAdmissionRejection(ctx, "concurrency")
		return nil, &ConcurrencyDenial{Current: current, Max: limits.MaxConcurrentCalls}
	}

	c.metrics.ReservedSlots.Add(ctx, 1)
	return &types.Reservation{
		ID:        uuid.NewString(),
		TenantID:  spec.TenantID,
		CallID:    callID,
		AgentID:   spec.AgentID,
		CreatedAt: start.StartedAt,
	}, nil
}

// Release frees a reservation whose session never materialized (provider
// construction failed, the connection dropped before Active, etc.). Calls
// that did run are released by the billing reconciler's finalize instead.
func (c *Controller) Release(ctx context.Context, res *types.Reservation) error {
	if res == nil {
		return nil
	}
	if err := c.store.ReleaseSlot(ctx, res.CallID); err != nil {
		return fmt.Errorf("admission: release %s: %w", res.CallID, err)
	}
	c.metrics.ReservedSlots.Add(ctx, -1)
	return nil
}

// SlotFreed records that a held reservation reached a terminal call status
// through finalization. It only adjusts the gauge — the durable slot is freed
// by the call row's status transition.
func (c *Controller) SlotFreed(ctx context.Context) {
	c.metrics.ReservedSlots.Add(ctx, -1)
}

// Stats returns the tenant's current admission snapshot for the library
// contract surface.
func (c *Controller) Stats(ctx context.Context, tenantID string) (types.TenantStats, error) {
	limits, err := c.limits.EffectiveLimits(ctx, tenantID)
	if err != nil {
		return types.TenantStats{}, fmt.Errorf("admission: resolve limits for %s: %w", tenantID, err)
	}
	active, err := c.store.ActiveCalls(ctx, tenantID)
	if err != nil {
		return types.TenantStats{}, fmt.Errorf("admission: active calls for %s: %w", tenantID, err)
	}
	used, err := c.store.UsedMinutes(ctx, tenantID, limits.PeriodStart, limits.PeriodEnd)
	if err != nil {
		return types.TenantStats{}, fmt.Errorf("admission: usage lookup for %s: %w", tenantID, err)
	}
	remaining := limits.IncludedMinutes - used
	if remaining < 0 {
		remaining = 0
	}
	return types.TenantStats{
		Active:           active,
		Max:              limits.MaxConcurrentCalls,
		UsedMinutes:      used,
		RemainingMinutes: remaining,
	}, nil
}

// ReclaimStale releases in-progress calls older than maxAge. The session
// manager's reaper calls this as the safety net behind scoped release.
func (c *Controller) ReclaimStale(ctx context.Context, maxAge time.Duration) (int, error) {
	return c.store.ReclaimStale(ctx, time.Now().Add(-maxAge))
}

// checkAllowlist verifies each selected provider slug against the plan's
// per-category allowlist. An empty category list permits any provider, so
// plans without explicit restrictions keep working.
func checkAllowlist(spec types.SessionSpec, allow types.ProviderAllowlist) error {
	checks := []struct {
		category string
		slug     string
		allowed  []string
	}{
		{"stt", spec.STT.Provider, allow.STT},
		{"llm", spec.LLM.Provider, allow.LLM},
		{"tts", spec.TTS.Provider, allow.TTS},
	}
	for _, c := range checks {
		if len(c.allowed) == 0 {
			continue
		}
		if !slices.ContainsFunc(c.allowed, func(s string) bool {
			return strings.EqualFold(s, c.slug)
		}) {
			return &ProviderDenial{Category: c.category, Slug: c.slug}
		}
	}
	return nil
}
