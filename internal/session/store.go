// Package session implements the Session Manager: a process-local hot cache
// backed by a Redis distributed store, so that live call state survives a
// single replica's restart and is visible to the stale-session reaper
// regardless of which replica owns the WebSocket connection.
//
// The distributed store follows the pipelined-SET-with-TTL pattern used
// throughout the PromptKit runtime's Redis state store: every write is a
// single pipelined round trip covering both the session blob and its
// secondary per-tenant index, and every entry carries a TTL so an orphaned
// session (one whose owning process died without calling End) disappears on
// its own.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voxgate/voxgate/pkg/types"
)

// Store is the distributed persistence contract for Session state. A Manager
// keeps one Store and layers a local hot cache on top of it.
type Store interface {
	// Load retrieves a session by id. Returns ErrNotFound if absent.
	Load(ctx context.Context, id string) (*types.Session, error)

	// Save persists a session, refreshing its TTL and tenant index entry.
	Save(ctx context.Context, sess *types.Session) error

	// Delete removes a session and its tenant index entry.
	Delete(ctx context.Context, id string) error

	// ListByTenant returns all session ids currently indexed under tenantID.
	// The returned ids may include sessions that have since expired; callers
	// should tolerate ErrNotFound when loading each one.
	ListByTenant(ctx context.Context, tenantID string) ([]string, error)
}

// RedisStore is the canonical [Store] implementation.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix sets the Redis key prefix. Default is "voxgate".
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithTTL overrides the default session TTL. Values <= 0 disable expiry,
// which should only be used in tests.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

// NewRedisStore creates a Redis-backed Store. ttl is the default session
// expiry (default 3600s, see config.SessionConfig.TTL).
func NewRedisStore(client *redis.Client, ttl time.Duration, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		ttl:    ttl,
		prefix: "voxgate",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) sessionKey(id string) string {
	return fmt.Sprintf("%s:session:%s", s.prefix, id)
}

func (s *RedisStore) tenantIndexKey(tenantID string) string {
	return fmt.Sprintf("%s:tenant:%s:sessions", s.prefix, tenantID)
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, id string) (*types.Session, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	data, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("session store: get %s: %w", id, err)
	}
	var sess types.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("session store: unmarshal %s: %w", id, err)
	}
	return &sess, nil
}

// Save implements Store. It refreshes sess.LastAccessedAt, then pipelines
// the session blob SET+EXPIRE alongside the tenant index SAdd+EXPIRE so both
// writes complete (or fail) as a single round trip.
func (s *RedisStore) Save(ctx context.Context, sess *types.Session) error {
	if sess == nil {
		return ErrInvalidSession
	}
	if sess.ID == "" {
		return ErrInvalidID
	}
	sess.LastAccessedAt = time.Now()

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session store: marshal %s: %w", sess.ID, err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.sessionKey(sess.ID), data, s.ttl)

	if sess.Spec.TenantID != "" {
		idxKey := s.tenantIndexKey(sess.Spec.TenantID)
		pipe.SAdd(ctx, idxKey, sess.ID)
		if s.ttl > 0 {
			pipe.Expire(ctx, idxKey, s.ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session store: save pipeline %s: %w", sess.ID, err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidID
	}

	// The tenant id is needed to clean up the secondary index; load best-effort
	// so a missing blob (already expired) still allows deletion to proceed.
	tenantID := ""
	if sess, err := s.Load(ctx, id); err == nil {
		tenantID = sess.Spec.TenantID
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.sessionKey(id))
	if tenantID != "" {
		pipe.SRem(ctx, s.tenantIndexKey(tenantID), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session store: delete pipeline %s: %w", id, err)
	}
	return nil
}

// ListByTenant implements Store.
func (s *RedisStore) ListByTenant(ctx context.Context, tenantID string) ([]string, error) {
	if tenantID == "" {
		return nil, ErrInvalidID
	}
	ids, err := s.client.SMembers(ctx, s.tenantIndexKey(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("session store: list tenant %s: %w", tenantID, err)
	}
	return ids, nil
}

var _ Store = (*RedisStore)(nil)
