package asset

import "slices"

// Query selects assets from a store.
type Query struct {
	IDs               []string `json:"ids,omitempty"`
	ParentIDs         []string `json:"parentIds,omitempty"`
	Types             []string `json:"types,omitempty"`
	Realm             string   `json:"realm,omitempty"`
	Recursive         bool     `json:"recursive,omitempty"`
	ExcludeAttributes bool     `json:"excludeAttributes,omitempty"`
	Limit             int      `json:"limit,omitempty"`
}

// ParentLookup resolves the parent id of an asset, used for recursive matching.
type ParentLookup func(id string) (parentID string, ok bool)

// Matches reports whether a satisfies the query. Recursive parent matching
// walks ancestors through lookup and stops on cycles.
func (q *Query) Matches(a *Asset, lookup ParentLookup) bool {
	if q == nil {
		return true
	}
	if q.Realm != "" && a.Realm != q.Realm {
		return false
	}
	if len(q.IDs) > 0 && !slices.Contains(q.IDs, a.ID) {
		return false
	}
	if len(q.Types) > 0 && !slices.Contains(q.Types, a.Type) {
		return false
	}
	if len(q.ParentIDs) == 0 {
		return true
	}
	if slices.Contains(q.ParentIDs, a.ParentID) {
		return true
	}
	if !q.Recursive || lookup == nil {
		return false
	}

	seen := map[string]bool{a.ID: true}
	parent := a.ParentID
	for parent != "" && !seen[parent] {
		seen[parent] = true
		next, ok := lookup(parent)
		if !ok {
			return false
		}
		if slices.Contains(q.ParentIDs, next) {
			return true
		}
		parent = next
	}
	return false
}

// Project applies the query's projection to a matched asset, returning a copy.
func (q *Query) Project(a *Asset) *Asset {
	clone := a.Clone()
	if q != nil && q.ExcludeAttributes {
		clone.Attributes = nil
	}
	return clone
}
