package admission

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/voxgate/voxgate/pkg/types"
)

// memCall is a MemStore call row.
type memCall struct {
	CallStart
	tenantID      string
	status        string // "in_progress" | "completed" | "failed" | "released"
	billedMinutes int64
}

// MemStore is an in-memory [Store] for tests and single-process development
// runs. A single mutex stands in for the per-tenant row lock; the reservation
// path is atomic by construction.
type MemStore struct {
	mu    sync.Mutex
	calls map[string]*memCall // callID -> row
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{calls: make(map[string]*memCall)}
}

var _ Store = (*MemStore)(nil)

// ReserveSlot implements [Store].
func (m *MemStore) ReserveSlot(_ context.Context, tenantID string, max int, start CallStart) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.activeLocked(tenantID)
	if current >= max {
		return current, false, nil
	}
	m.calls[start.CallID] = &memCall{CallStart: start, tenantID: tenantID, status: "in_progress"}
	return current + 1, true, nil
}

// ReleaseSlot implements [Store].
func (m *MemStore) ReleaseSlot(_ context.Context, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.calls[callID]; ok && c.status == "in_progress" {
		c.status = "released"
	}
	return nil
}

// ActiveCalls implements [Store].
func (m *MemStore) ActiveCalls(_ context.Context, tenantID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked(tenantID), nil
}

// UsedMinutes implements [Store].
func (m *MemStore) UsedMinutes(_ context.Context, tenantID string, periodStart, periodEnd time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var minutes int64
	for _, c := range m.calls {
		if c.tenantID != tenantID {
			continue
		}
		if c.status != "completed" && c.status != "failed" {
			continue
		}
		if c.StartedAt.Before(periodStart) || !c.StartedAt.Before(periodEnd) {
			continue
		}
		minutes += c.billedMinutes
	}
	return minutes, nil
}

// ReclaimStale implements [Store].
func (m *MemStore) ReclaimStale(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.status == "in_progress" && c.StartedAt.Before(cutoff) {
			c.status = "failed"
			c.billedMinutes = billedMinutesSince(c.StartedAt)
			n++
		}
	}
	return n, nil
}

// Finalize marks a call terminal with its billed minutes. The billing
// reconciler's in-memory store delegates here so admission and billing see
// the same rows in tests.
func (m *MemStore) Finalize(callID, status string, billedMinutes int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok || c.status != "in_progress" {
		return false
	}
	c.status = status
	c.billedMinutes = billedMinutes
	return true
}

// Status reports a call's current status, for test assertions.
func (m *MemStore) Status(callID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return "", false
	}
	return c.status, true
}

func (m *MemStore) activeLocked(tenantID string) int {
	n := 0
	for _, c := range m.calls {
		if c.tenantID == tenantID && c.status == "in_progress" {
			n++
		}
	}
	return n
}

func billedMinutesSince(start time.Time) int64 {
	secs := time.Since(start).Seconds()
	if secs <= 0 {
		return 0
	}
	return int64(math.Ceil(secs / 60))
}

// StaticLimits is a fixed [LimitsSource] keyed by tenant id, for tests and
// single-tenant deployments configured from file.
type StaticLimits map[string]types.EffectivePlanLimits

// EffectiveLimits implements [LimitsSource].
func (s StaticLimits) EffectiveLimits(_ context.Context, tenantID string) (types.EffectivePlanLimits, error) {
	if limits, ok := s[tenantID]; ok {
		return limits, nil
	}
	// Unknown tenants get a permissive default so development setups work
	// without seeding plan data.
	return types.EffectivePlanLimits{
		IncludedMinutes:    1000,
		MaxConcurrentCalls: 10,
		SubscriptionActive: true,
		PeriodStart:        time.Now().AddDate(0, -1, 0),
		PeriodEnd:          time.Now().AddDate(0, 1, 0),
	}, nil
}
