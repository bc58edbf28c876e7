// Package syncrule applies per asset type sync rules that strip and inject
// attribute data as assets cross between edge and central.
package syncrule

import (
	"slices"

	"github.com/openremote/openremote-sub007/asset"
	"github.com/openremote/openremote-sub007/types"
)

// Rules holds sync rules keyed by asset type, "*" being the fallback.
type Rules map[string]types.AssetSyncRule

// For returns the rule for assetType, falling back to the wildcard rule.
func (r Rules) For(assetType string) (types.AssetSyncRule, bool) {
	if len(r) == 0 {
		return types.AssetSyncRule{}, false
	}
	if rule, ok := r[assetType]; ok {
		return rule, true
	}
	rule, ok := r[types.WildcardType]
	return rule, ok
}

// Excludes reports whether attribute name is excluded for assetType.
func (r Rules) Excludes(assetType, name string) bool {
	rule, ok := r.For(assetType)
	return ok && slices.Contains(rule.ExcludeAttributes, name)
}

// ApplyAsset strips excluded attributes and meta and injects configured meta
// in place. Callers clone first when the asset is shared.
func (r Rules) ApplyAsset(a *asset.Asset) {
	if a == nil {
		return
	}
	rule, ok := r.For(a.Type)
	if !ok {
		return
	}

	for _, name := range rule.ExcludeAttributes {
		delete(a.Attributes, name)
	}
	for name, attr := range a.Attributes {
		attr.Meta = applyMeta(rule, name, attr.Meta)
	}
}

// ApplyAttributeEvent applies the meta part of the rule to a single
// attribute change in place. Exclusion is checked with Excludes.
func (r Rules) ApplyAttributeEvent(ev *asset.AttributeEvent) {
	if ev == nil {
		return
	}
	rule, ok := r.For(ev.AssetType)
	if !ok {
		return
	}
	ev.Meta = applyMeta(rule, ev.Ref.Name, ev.Meta)
}

func applyMeta(rule types.AssetSyncRule, name string, meta asset.Meta) asset.Meta {
	exclude, ok := rule.ExcludeAttributeMeta[name]
	if !ok {
		exclude = rule.ExcludeAttributeMeta[types.WildcardType]
	}
	for _, key := range exclude {
		delete(meta, key)
	}

	add, ok := rule.AddAttributeMeta[name]
	if !ok {
		add = rule.AddAttributeMeta[types.WildcardType]
	}
	if len(add) > 0 && meta == nil {
		meta = asset.Meta{}
	}
	for key, value := range add {
		meta[key] = value
	}
	return meta
}
