package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/voxgate/voxgate/pkg/types"
)

// MemStore is an in-memory [Store] for tests and single-process development
// runs. It round-trips every Save through the canonical JSON encoding so the
// stored form matches what the Redis store would hold.
type MemStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

var _ Store = (*MemStore)(nil)

// Load implements [Store].
func (s *MemStore) Load(_ context.Context, id string) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	var sess types.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Save implements [Store].
func (s *MemStore) Save(_ context.Context, sess *types.Session) error {
	if sess == nil {
		return ErrInvalidSession
	}
	if sess.ID == "" {
		return ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.LastAccessedAt = time.Now()
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	s.data[sess.ID] = raw
	return nil
}

// Delete implements [Store].
func (s *MemStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, id)
	return nil
}

// ListByTenant implements [Store].
func (s *MemStore) ListByTenant(_ context.Context, tenantID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, raw := range s.data {
		var sess types.Session
		if err := json.Unmarshal(raw, &sess); err != nil {
			continue
		}
		if sess.Spec.TenantID == tenantID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
