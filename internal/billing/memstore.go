package billing

import (
	"context"
	"sync"
	"time"

	"github.com/voxgate/voxgate/internal/admission"
	"github.com/voxgate/voxgate/pkg/types"
)

// MemStore is an in-memory [Store] for tests and single-process development
// runs. When an [admission.MemStore] is attached the terminal transition is
// mirrored into it, so admission slot counting and billing finalization stay
// consistent the way the shared calls table keeps them in PostgreSQL.
type MemStore struct {
	mu        sync.Mutex
	calls     map[string]types.CallRecord
	usage     map[string][]types.UsageRecord // callID -> records
	admission *admission.MemStore

	// FailUsageWrites makes WriteUsageRecords return an error, for testing
	// the log-and-continue path.
	FailUsageWrites bool
}

// NewMemStore returns an empty in-memory store. adm may be nil.
func NewMemStore(adm *admission.MemStore) *MemStore {
	return &MemStore{
		calls:     make(map[string]types.CallRecord),
		usage:     make(map[string][]types.UsageRecord),
		admission: adm,
	}
}

var _ Store = (*MemStore)(nil)

// FinalizeCall implements [Store].
func (m *MemStore) FinalizeCall(_ context.Context, rec types.CallRecord) (types.CallRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.calls[rec.CallID]; ok {
		return existing, false, nil
	}
	m.calls[rec.CallID] = rec
	if m.admission != nil {
		m.admission.Finalize(rec.CallID, rec.Status, rec.BilledMinutes)
	}
	return rec, true, nil
}

// WriteUsageRecords implements [Store].
func (m *MemStore) WriteUsageRecords(_ context.Context, recs []types.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailUsageWrites {
		return errUsageWriteFailed
	}
	for _, u := range recs {
		if m.hasUsageLocked(u.CallID, u.UsageType) {
			continue
		}
		m.usage[u.CallID] = append(m.usage[u.CallID], u)
	}
	return nil
}

// UsageFor returns the ledger entries recorded for callID.
func (m *MemStore) UsageFor(callID string) []types.UsageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.UsageRecord, len(m.usage[callID]))
	copy(out, m.usage[callID])
	return out
}

// Call returns the finalized record for callID, if any.
func (m *MemStore) Call(callID string) (types.CallRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.calls[callID]
	return rec, ok
}

func (m *MemStore) hasUsageLocked(callID, usageType string) bool {
	for _, u := range m.usage[callID] {
		if u.UsageType == usageType {
			return true
		}
	}
	return false
}

var errUsageWriteFailed = errForced("billing: usage write failed")

type errForced string

func (e errForced) Error() string { return string(e) }

// PeriodFromLimits adapts an [admission.LimitsSource] into a [PeriodSource].
type PeriodFromLimits struct {
	Limits admission.LimitsSource
}

// BillingPeriod implements [PeriodSource].
func (p PeriodFromLimits) BillingPeriod(ctx context.Context, tenantID string) (time.Time, time.Time, error) {
	limits, err := p.Limits.EffectiveLimits(ctx, tenantID)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return limits.PeriodStart, limits.PeriodEnd, nil
}
