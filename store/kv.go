package store

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/benbjohnson/clock"

	"github.com/openremote/openremote-sub007/asset"
	"github.com/openremote/openremote-sub007/errors"
	"github.com/openremote/openremote-sub007/natsclient"
	"github.com/openremote/openremote-sub007/types"
)

// KVAssetStore stores one JSON document per asset in a NATS KV bucket.
type KVAssetStore struct {
	kv    *natsclient.KVStore
	clock clock.Clock
}

// NewKVAssetStore wraps a KV bucket. A nil clock uses wall time.
func NewKVAssetStore(kv *natsclient.KVStore, clk clock.Clock) *KVAssetStore {
	if clk == nil {
		clk = clock.New()
	}
	return &KVAssetStore{kv: kv, clock: clk}
}

// Get implements AssetStore.
func (s *KVAssetStore) Get(ctx context.Context, id string) (*asset.Asset, error) {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, errors.Wrap(errors.ErrAssetNotFound, "KVAssetStore", "Get", "lookup "+id)
		}
		return nil, errors.WrapTransient(err, "KVAssetStore", "Get", "read "+id)
	}
	return decodeAsset(entry.Value)
}

// Find implements AssetStore. Every document is read, so recursive queries
// resolve parents from the same snapshot.
func (s *KVAssetStore) Find(ctx context.Context, q *asset.Query) ([]*asset.Asset, error) {
	all, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	lookup := func(id string) (string, bool) {
		a, ok := all[id]
		if !ok {
			return "", false
		}
		return a.ParentID, true
	}

	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []*asset.Asset
	for _, id := range ids {
		a := all[id]
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

func (s *KVAssetStore) all(ctx context.Context) (map[string]*asset.Asset, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "KVAssetStore", "Find", "list keys")
	}
	all := make(map[string]*asset.Asset, len(keys))
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			if natsclient.IsKVNotFoundError(err) {
				continue
			}
			return nil, errors.WrapTransient(err, "KVAssetStore", "Find", "read "+key)
		}
		a, err := decodeAsset(entry.Value)
		if err != nil {
			return nil, err
		}
		all[a.ID] = a
	}
	return all, nil
}

// Merge implements AssetStore.
func (s *KVAssetStore) Merge(ctx context.Context, a *asset.Asset) (*asset.Asset, error) {
	if a == nil || a.ID == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "KVAssetStore", "Merge", "validate asset")
	}
	var merged *asset.Asset
	err := s.kv.UpdateWithRetry(ctx, a.ID, func(current []byte) ([]byte, error) {
		var existing *asset.Asset
		if current != nil {
			var err error
			if existing, err = decodeAsset(current); err != nil {
				return nil, err
			}
		}
		merged = nextVersion(existing, a, s.clock.Now())
		return json.Marshal(merged)
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "KVAssetStore", "Merge", "write "+a.ID)
	}
	return merged, nil
}

// Delete implements AssetStore.
func (s *KVAssetStore) Delete(ctx context.Context, ids ...string) ([]string, error) {
	var deleted []string
	for _, id := range ids {
		if _, err := s.kv.Get(ctx, id); err != nil {
			if natsclient.IsKVNotFoundError(err) {
				continue
			}
			return deleted, errors.WrapTransient(err, "KVAssetStore", "Delete", "read "+id)
		}
		if err := s.kv.Delete(ctx, id); err != nil {
			return deleted, errors.WrapTransient(err, "KVAssetStore", "Delete", "delete "+id)
		}
		deleted = append(deleted, id)
	}
	return deleted, nil
}

// UpdateAttribute implements AssetStore.
func (s *KVAssetStore) UpdateAttribute(ctx context.Context, ev *asset.AttributeEvent) (*asset.AttributeEvent, error) {
	var out *asset.AttributeEvent
	err := s.kv.UpdateWithRetry(ctx, ev.Ref.ID, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, errors.ErrAssetNotFound
		}
		a, err := decodeAsset(current)
		if err != nil {
			return nil, err
		}
		out = applyAttribute(a, ev, s.clock.Now())
		return json.Marshal(a)
	})
	if err != nil {
		if errors.Is(err, errors.ErrAssetNotFound) {
			return nil, errors.Wrap(errors.ErrAssetNotFound, "KVAssetStore", "UpdateAttribute", "lookup "+ev.Ref.ID)
		}
		return nil, errors.WrapTransient(err, "KVAssetStore", "UpdateAttribute", "write "+ev.Ref.String())
	}
	return out, nil
}

func decodeAsset(data []byte) (*asset.Asset, error) {
	var a asset.Asset
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, errors.WrapInvalid(err, "store", "decodeAsset", "unmarshal asset")
	}
	return &a, nil
}

// KVConnectionStore stores one JSON document per gateway connection.
type KVConnectionStore struct {
	kv *natsclient.KVStore
}

// NewKVConnectionStore wraps a KV bucket.
func NewKVConnectionStore(kv *natsclient.KVStore) *KVConnectionStore {
	return &KVConnectionStore{kv: kv}
}

// Get implements ConnectionStore.
func (s *KVConnectionStore) Get(ctx context.Context, realm string) (*types.GatewayConnection, error) {
	entry, err := s.kv.Get(ctx, realm)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, errors.Wrap(errors.ErrGatewayNotFound, "KVConnectionStore", "Get", "lookup "+realm)
		}
		return nil, errors.WrapTransient(err, "KVConnectionStore", "Get", "read "+realm)
	}
	var conn types.GatewayConnection
	if err := json.Unmarshal(entry.Value, &conn); err != nil {
		return nil, errors.WrapInvalid(err, "KVConnectionStore", "Get", "unmarshal "+realm)
	}
	return &conn, nil
}

// List implements ConnectionStore.
func (s *KVConnectionStore) List(ctx context.Context) ([]*types.GatewayConnection, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "KVConnectionStore", "List", "list keys")
	}
	sort.Strings(keys)
	out := make([]*types.GatewayConnection, 0, len(keys))
	for _, key := range keys {
		conn, err := s.Get(ctx, key)
		if err != nil {
			if errors.Is(err, errors.ErrGatewayNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, conn)
	}
	return out, nil
}

// Put implements ConnectionStore.
func (s *KVConnectionStore) Put(ctx context.Context, conn *types.GatewayConnection) error {
	if conn == nil || conn.LocalRealm == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "KVConnectionStore", "Put", "validate connection")
	}
	data, err := json.Marshal(conn)
	if err != nil {
		return errors.WrapInvalid(err, "KVConnectionStore", "Put", "marshal "+conn.LocalRealm)
	}
	if _, err := s.kv.Put(ctx, conn.LocalRealm, data); err != nil {
		return errors.WrapTransient(err, "KVConnectionStore", "Put", "write "+conn.LocalRealm)
	}
	return nil
}

// Delete implements ConnectionStore.
func (s *KVConnectionStore) Delete(ctx context.Context, realms ...string) error {
	for _, realm := range realms {
		if err := s.kv.Delete(ctx, realm); err != nil {
			return errors.WrapTransient(err, "KVConnectionStore", "Delete", "delete "+realm)
		}
	}
	return nil
}
