package store

import (
	"context"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/openremote/openremote-sub007/asset"
	"github.com/openremote/openremote-sub007/errors"
	"github.com/openremote/openremote-sub007/types"
)

// MemoryAssetStore keeps assets in a map.
type MemoryAssetStore struct {
	mu     sync.RWMutex
	assets map[string]*asset.Asset
	clock  clock.Clock
}

// NewMemoryAssetStore creates an empty store. A nil clock uses wall time.
func NewMemoryAssetStore(clk clock.Clock) *MemoryAssetStore {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryAssetStore{assets: make(map[string]*asset.Asset), clock: clk}
}

// Get implements AssetStore.
func (s *MemoryAssetStore) Get(_ context.Context, id string) (*asset.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[id]
	if !ok {
		return nil, errors.Wrap(errors.ErrAssetNotFound, "MemoryAssetStore", "Get", "lookup "+id)
	}
	return a.Clone(), nil
}

// Find implements AssetStore.
func (s *MemoryAssetStore) Find(_ context.Context, q *asset.Query) ([]*asset.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lookup := func(id string) (string, bool) {
		a, ok := s.assets[id]
		if !ok {
			return "", false
		}
		return a.ParentID, true
	}

	ids := make([]string, 0, len(s.assets))
	for id := range s.assets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []*asset.Asset
	for _, id := range ids {
		a := s.assets[id]
		if !q.Matches(a, lookup) {
			continue
		}
		out = append(out, q.Project(a))
		if q != nil && q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// Merge implements AssetStore.
func (s *MemoryAssetStore) Merge(_ context.Context, a *asset.Asset) (*asset.Asset, error) {
	if a == nil || a.ID == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "MemoryAssetStore", "Merge", "validate asset")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := nextVersion(s.assets[a.ID], a, s.clock.Now())
	s.assets[a.ID] = merged
	return merged.Clone(), nil
}

// Delete implements AssetStore.
func (s *MemoryAssetStore) Delete(_ context.Context, ids ...string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted []string
	for _, id := range ids {
		if _, ok := s.assets[id]; ok {
			delete(s.assets, id)
			deleted = append(deleted, id)
		}
	}
	return deleted, nil
}

// UpdateAttribute implements AssetStore.
func (s *MemoryAssetStore) UpdateAttribute(_ context.Context, ev *asset.AttributeEvent) (*asset.AttributeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[ev.Ref.ID]
	if !ok {
		return nil, errors.Wrap(errors.ErrAssetNotFound, "MemoryAssetStore", "UpdateAttribute", "lookup "+ev.Ref.ID)
	}
	a = a.Clone()
	out := applyAttribute(a, ev, s.clock.Now())
	s.assets[a.ID] = a
	return out, nil
}

// MemoryConnectionStore keeps gateway connections in a map.
type MemoryConnectionStore struct {
	mu    sync.RWMutex
	conns map[string]types.GatewayConnection
}

// NewMemoryConnectionStore creates an empty store.
func NewMemoryConnectionStore() *MemoryConnectionStore {
	return &MemoryConnectionStore{conns: make(map[string]types.GatewayConnection)}
}

// Get implements ConnectionStore.
func (s *MemoryConnectionStore) Get(_ context.Context, realm string) (*types.GatewayConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[realm]
	if !ok {
		return nil, errors.Wrap(errors.ErrGatewayNotFound, "MemoryConnectionStore", "Get", "lookup "+realm)
	}
	return &c, nil
}

// List implements ConnectionStore.
func (s *MemoryConnectionStore) List(_ context.Context) ([]*types.GatewayConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.GatewayConnection, 0, len(s.conns))
	for _, c := range s.conns {
		c := c
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalRealm < out[j].LocalRealm })
	return out, nil
}

// Put implements ConnectionStore.
func (s *MemoryConnectionStore) Put(_ context.Context, conn *types.GatewayConnection) error {
	if conn == nil || conn.LocalRealm == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "MemoryConnectionStore", "Put", "validate connection")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn.LocalRealm] = *conn
	return nil
}

// Delete implements ConnectionStore.
func (s *MemoryConnectionStore) Delete(_ context.Context, realms ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, realm := range realms {
		delete(s.conns, realm)
	}
	return nil
}
