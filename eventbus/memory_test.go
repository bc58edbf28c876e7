package eventbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openremote/openremote-sub007/asset"
)

func TestMemoryBus_RealmFiltering(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	var all, master []string
	_, err := bus.SubscribeAttributes(ctx, "", func(_ context.Context, ev *asset.AttributeEvent) {
		all = append(all, ev.Ref.ID)
	})
	require.NoError(t, err)
	_, err = bus.SubscribeAttributes(ctx, "master", func(_ context.Context, ev *asset.AttributeEvent) {
		master = append(master, ev.Ref.ID)
	})
	require.NoError(t, err)

	require.NoError(t, bus.PublishAttribute(ctx, &asset.AttributeEvent{Ref: asset.AttributeRef{ID: "a"}, Realm: "master"}))
	require.NoError(t, bus.PublishAttribute(ctx, &asset.AttributeEvent{Ref: asset.AttributeRef{ID: "b"}, Realm: "other"}))

	assert.Equal(t, []string{"a", "b"}, all)
	assert.Equal(t, []string{"a"}, master)
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	count := 0
	unsubscribe, err := bus.SubscribeAssets(ctx, "master", func(context.Context, *asset.AssetEvent) { count++ })
	require.NoError(t, err)

	ev := &asset.AssetEvent{Cause: asset.CauseCreate, Asset: &asset.Asset{ID: "a", Realm: "master"}}
	require.NoError(t, bus.PublishAsset(ctx, ev))
	require.NoError(t, unsubscribe())
	require.NoError(t, bus.PublishAsset(ctx, ev))

	assert.Equal(t, 1, count)
}

func TestMemoryBus_HandlerMaySubscribe(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	var got []string
	_, err := bus.SubscribeStatus(ctx, "", func(ctx context.Context, s ConnectionStatus) {
		got = append(got, s.Status)
		if s.Status == "CONNECTING" {
			_, _ = bus.SubscribeStatus(ctx, "", func(context.Context, ConnectionStatus) {})
		}
	})
	require.NoError(t, err)

	require.NoError(t, bus.PublishStatus(ctx, ConnectionStatus{Realm: "r", Status: "CONNECTING"}))
	require.NoError(t, bus.PublishStatus(ctx, ConnectionStatus{Realm: "r", Status: "CONNECTED"}))
	assert.Equal(t, []string{"CONNECTING", "CONNECTED"}, got)
}
