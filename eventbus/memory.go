package eventbus

import (
	"context"
	"sync"

	"github.com/openremote/openremote-sub007/asset"
)

type subscription[T any] struct {
	id    uint64
	realm string
	fn    func(context.Context, T)
}

type topic[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription[T]
}

func (t *topic[T]) subscribe(realm string, fn func(context.Context, T)) func() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.subs = append(t.subs, subscription[T]{id: id, realm: realm, fn: fn})
	return func() error {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, s := range t.subs {
			if s.id == id {
				t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
				break
			}
		}
		return nil
	}
}

func (t *topic[T]) publish(ctx context.Context, realm string, v T) {
	t.mu.RLock()
	subs := make([]subscription[T], 0, len(t.subs))
	for _, s := range t.subs {
		if s.realm == "" || s.realm == realm {
			subs = append(subs, s)
		}
	}
	t.mu.RUnlock()

	for _, s := range subs {
		s.fn(ctx, v)
	}
}

// MemoryBus is an in-process Bus. Handlers run on the publisher's goroutine
// and must not block.
type MemoryBus struct {
	assets     topic[*asset.AssetEvent]
	attributes topic[*asset.AttributeEvent]
	status     topic[ConnectionStatus]
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// PublishAsset implements Bus.
func (b *MemoryBus) PublishAsset(ctx context.Context, ev *asset.AssetEvent) error {
	b.assets.publish(ctx, assetRealm(ev), ev)
	return nil
}

// PublishAttribute implements Bus.
func (b *MemoryBus) PublishAttribute(ctx context.Context, ev *asset.AttributeEvent) error {
	b.attributes.publish(ctx, ev.Realm, ev)
	return nil
}

// PublishStatus implements Bus.
func (b *MemoryBus) PublishStatus(ctx context.Context, status ConnectionStatus) error {
	b.status.publish(ctx, status.Realm, status)
	return nil
}

// SubscribeAssets implements Bus.
func (b *MemoryBus) SubscribeAssets(_ context.Context, realm string, fn func(context.Context, *asset.AssetEvent)) (func() error, error) {
	return b.assets.subscribe(realm, fn), nil
}

// SubscribeAttributes implements Bus.
func (b *MemoryBus) SubscribeAttributes(_ context.Context, realm string, fn func(context.Context, *asset.AttributeEvent)) (func() error, error) {
	return b.attributes.subscribe(realm, fn), nil
}

// SubscribeStatus implements Bus.
func (b *MemoryBus) SubscribeStatus(_ context.Context, realm string, fn func(context.Context, ConnectionStatus)) (func() error, error) {
	return b.status.subscribe(realm, fn), nil
}
