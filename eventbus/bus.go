package eventbus

import (
	"context"
	"time"

	"github.com/openremote/openremote-sub007/asset"
)

// ConnectionStatus reports the connection state of an edge connection or a
// gateway, keyed by realm.
type ConnectionStatus struct {
	Realm     string    `json:"realm"`
	GatewayID string    `json:"gatewayId,omitempty"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus is the local pub/sub used by the federation services.
type Bus interface {
	PublishAsset(ctx context.Context, ev *asset.AssetEvent) error
	PublishAttribute(ctx context.Context, ev *asset.AttributeEvent) error
	PublishStatus(ctx context.Context, status ConnectionStatus) error

	SubscribeAssets(ctx context.Context, realm string, fn func(context.Context, *asset.AssetEvent)) (func() error, error)
	SubscribeAttributes(ctx context.Context, realm string, fn func(context.Context, *asset.AttributeEvent)) (func() error, error)
	SubscribeStatus(ctx context.Context, realm string, fn func(context.Context, ConnectionStatus)) (func() error, error)
}

func assetRealm(ev *asset.AssetEvent) string {
	if ev == nil || ev.Asset == nil {
		return ""
	}
	return ev.Asset.Realm
}
