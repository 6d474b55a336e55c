package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/pkg/types"
)

// Manager tracks every live session in this process. It keeps a hot cache
// (a sync.Map keyed by session id) in front of a distributed Store so that
// horizontally-scaled replicas converge on the same session state and
// orphaned sessions expire on their own.
//
// For a given session id, mutation is single-owner: the orchestrator
// goroutine that created it is expected to be the only caller of Update.
// The Manager itself is safe for concurrent use by many connections.
type Manager struct {
	store   Store
	ttl     time.Duration
	metrics *observe.Metrics

	cache sync.Map // sessionID -> *types.Session

	// reapHook, when set, runs after every successful force-end in ReapStale
	// so the caller can finalize billing and release the admission slot.
	reapHook func(ctx context.Context, sess *types.Session)

	closeOnce sync.Once
	stopReap  chan struct{}
	reapDone  chan struct{}
}

// NewManager constructs a Manager. ttl is the session expiry used to
// evaluate staleness in ReapStale; it should match the Store's own TTL
// (config.SessionConfig.TTL).
func NewManager(store Store, ttl time.Duration, metrics *observe.Metrics) *Manager {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Manager{
		store:    store,
		ttl:      ttl,
		metrics:  metrics,
		stopReap: make(chan struct{}),
	}
}

// Create initializes a new Session from spec, assigns it an id, persists it,
// and populates the hot cache.
func (m *Manager) Create(ctx context.Context, spec types.SessionSpec) (*types.Session, error) {
	now := time.Now()
	sess := &types.Session{
		ID:             uuid.NewString(),
		Spec:           spec,
		Status:         types.StatusInitializing,
		StartedAt:      now,
		LastAccessedAt: now,
		History:        make([]types.HistoryEntry, 0, 8),
		Context:        make(map[string]any),
	}

	if err := m.store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("session manager: create: %w", err)
	}
	m.cache.Store(sess.ID, sess)
	m.metrics.ActiveSessions.Add(ctx, 1)
	return sess, nil
}

// Get returns the current snapshot of a session, preferring the hot cache
// and falling back to the distributed store (e.g. when another replica owns
// the connection but this process needs a read-only view).
func (m *Manager) Get(ctx context.Context, sessionID string) (*types.Session, error) {
	if sessionID == "" {
		return nil, ErrInvalidID
	}
	if v, ok := m.cache.Load(sessionID); ok {
		return v.(*types.Session), nil
	}
	sess, err := m.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	m.cache.Store(sess.ID, sess)
	return sess, nil
}

// Update persists sess as the new canonical state for its id, refreshing
// both the hot cache and the distributed store. Last writer wins; under
// normal operation only the owning orchestrator calls Update for a given id.
func (m *Manager) Update(ctx context.Context, sess *types.Session) error {
	if sess == nil {
		return ErrInvalidSession
	}
	if sess.ID == "" {
		return ErrInvalidID
	}
	if err := m.store.Save(ctx, sess); err != nil {
		return fmt.Errorf("session manager: update: %w", err)
	}
	m.cache.Store(sess.ID, sess)
	return nil
}

// End transitions a session to a terminal status, records the end reason and
// timestamp, persists the final state, and removes it from the hot cache.
// The caller is responsible for releasing any associated admission slot.
func (m *Manager) End(ctx context.Context, sessionID string, reason types.EndReason) (*types.Session, error) {
	sess, err := m.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if reason == types.EndError {
		sess.Status = types.StatusError
	} else {
		sess.Status = types.StatusEnded
	}
	sess.EndedAt = &now
	sess.EndReason = reason
	sess.Metrics.TotalDuration = now.Sub(sess.StartedAt)

	if err := m.store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("session manager: end: %w", err)
	}
	m.cache.Delete(sessionID)
	m.metrics.ActiveSessions.Add(ctx, -1)
	m.metrics.RecordSessionEnded(ctx, string(reason))
	return sess, nil
}

// Delete removes a session from the cache and distributed store entirely,
// without recording an end reason. Intended for operator-driven cleanup of
// already-terminal sessions, not for normal turn-loop teardown (use End).
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrInvalidID
	}
	if err := m.store.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("session manager: delete: %w", err)
	}
	m.cache.Delete(sessionID)
	return nil
}

// ListByTenant returns the live sessions currently indexed under tenantID.
// Entries that have expired between index lookup and load are skipped.
func (m *Manager) ListByTenant(ctx context.Context, tenantID string) ([]*types.Session, error) {
	ids, err := m.store.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("session manager: list by tenant: %w", err)
	}
	sessions := make([]*types.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := m.Get(ctx, id)
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// Count returns the number of live sessions for tenantID.
func (m *Manager) Count(ctx context.Context, tenantID string) (int, error) {
	sessions, err := m.ListByTenant(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	return len(sessions), nil
}

// ReapStale force-ends any cached session whose age exceeds the Manager's
// TTL, finalizing it with EndTimeout. It returns the number of sessions
// reaped. Intended to be called on a periodic tick
// (config.SessionConfig.CleanupInterval, default 60s).
func (m *Manager) ReapStale(ctx context.Context) (int, error) {
	if m.ttl <= 0 {
		return 0, nil
	}
	var stale []string
	now := time.Now()
	m.cache.Range(func(key, value any) bool {
		sess := value.(*types.Session)
		if !sess.Status.Terminal() && now.Sub(sess.StartedAt) > m.ttl {
			stale = append(stale, key.(string))
		}
		return true
	})

	reaped := 0
	for _, id := range stale {
		sess, err := m.End(ctx, id, types.EndTimeout)
		if err != nil {
			slog.Warn("session manager: reap failed", "session", id, "err", err)
			continue
		}
		if m.reapHook != nil {
			m.reapHook(ctx, sess)
		}
		reaped++
	}
	return reaped, nil
}

// OnReap installs a hook invoked for every session the reaper force-ends.
// Set once at wiring time, before StartReaper.
func (m *Manager) OnReap(hook func(ctx context.Context, sess *types.Session)) {
	m.reapHook = hook
}

// StartReaper launches a background goroutine calling ReapStale on interval
// until Close is called. Logged failures never stop the loop.
func (m *Manager) StartReaper(ctx context.Context, interval time.Duration) {
	m.reapDone = make(chan struct{})
	go func() {
		defer close(m.reapDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopReap:
				return
			case <-ticker.C:
				n, err := m.ReapStale(ctx)
				if err != nil {
					slog.Error("session manager: reap tick failed", "err", err)
					continue
				}
				if n > 0 {
					slog.Info("session manager: reaped stale sessions", "count", n)
				}
			}
		}
	}()
}

// Close stops the reaper goroutine, if running. Safe to call multiple times.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.stopReap)
		if m.reapDone != nil {
			<-m.reapDone
		}
	})
	return nil
}
