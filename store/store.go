package store

import (
	"context"
	"time"

	"github.com/openremote/openremote-sub007/asset"
	"github.com/openremote/openremote-sub007/types"
)

// AssetStore persists assets and applies attribute updates.
type AssetStore interface {
	// Get returns the asset or an error wrapping errors.ErrAssetNotFound.
	Get(ctx context.Context, id string) (*asset.Asset, error)

	// Find returns the assets matching q, ordered by id.
	Find(ctx context.Context, q *asset.Query) ([]*asset.Asset, error)

	// Merge creates or replaces an asset and returns the stored copy. A zero
	// version is assigned the next version of the stored asset.
	Merge(ctx context.Context, a *asset.Asset) (*asset.Asset, error)

	// Delete removes the given assets. Unknown ids are ignored; the ids that
	// were actually removed are returned.
	Delete(ctx context.Context, ids ...string) ([]string, error)

	// UpdateAttribute writes an attribute value and returns the event
	// enriched with the old value and asset context.
	UpdateAttribute(ctx context.Context, ev *asset.AttributeEvent) (*asset.AttributeEvent, error)
}

// ConnectionStore persists edge gateway connections keyed by local realm.
type ConnectionStore interface {
	Get(ctx context.Context, realm string) (*types.GatewayConnection, error)
	List(ctx context.Context) ([]*types.GatewayConnection, error)
	Put(ctx context.Context, conn *types.GatewayConnection) error
	Delete(ctx context.Context, realms ...string) error
}

// nextVersion prepares an incoming asset for storage on top of current.
func nextVersion(current, incoming *asset.Asset, now time.Time) *asset.Asset {
	merged := incoming.Clone()
	if merged.Version == 0 {
		merged.Version = 1
		if current != nil {
			merged.Version = current.Version + 1
		}
	}
	if merged.CreatedOn.IsZero() {
		if current != nil && !current.CreatedOn.IsZero() {
			merged.CreatedOn = current.CreatedOn
		} else {
			merged.CreatedOn = now
		}
	}
	return merged
}

// applyAttribute writes ev onto a, returning the enriched event.
func applyAttribute(a *asset.Asset, ev *asset.AttributeEvent, now time.Time) *asset.AttributeEvent {
	out := ev.Clone()
	if out.Timestamp == 0 {
		out.Timestamp = now.UnixMilli()
	}

	attr, ok := a.Attribute(ev.Ref.Name)
	if ok {
		out.OldValue = attr.Value
		attr = attr.Clone()
	} else {
		attr = &asset.Attribute{Name: ev.Ref.Name}
	}
	attr.Value = out.Value
	attr.Timestamp = out.Timestamp
	a.SetAttribute(attr)
	a.Version++

	out.Realm = a.Realm
	out.AssetType = a.Type
	out.ParentID = a.ParentID
	if out.Meta == nil && attr.Meta != nil {
		out.Meta = attr.Meta
	}
	return out
}
