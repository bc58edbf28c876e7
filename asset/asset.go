// Package asset defines the asset and attribute data contract that the
// federation components exchange with storage, the event bus and the peer.
package asset

import (
	"encoding/json"
	"sort"
	"time"
)

// Meta holds attribute meta items keyed by meta name.
type Meta map[string]any

// Attribute is a named, typed value on an asset.
type Attribute struct {
	Name      string `json:"name"`
	Type      string `json:"type,omitempty"`
	Value     any    `json:"value,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Meta      Meta   `json:"meta,omitempty"`
}

// Attributes is keyed by attribute name.
type Attributes map[string]*Attribute

// Names returns the attribute names in sorted order.
func (a Attributes) Names() []string {
	names := make([]string, 0, len(a))
	for name := range a {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Asset is a node in the asset hierarchy.
type Asset struct {
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	Type       string     `json:"type"`
	ParentID   string     `json:"parentId,omitempty"`
	Realm      string     `json:"realm,omitempty"`
	Version    int64      `json:"version"`
	CreatedOn  time.Time  `json:"createdOn,omitempty"`
	Attributes Attributes `json:"attributes,omitempty"`
}

// Attribute returns the named attribute if present.
func (a *Asset) Attribute(name string) (*Attribute, bool) {
	if a == nil || a.Attributes == nil {
		return nil, false
	}
	attr, ok := a.Attributes[name]
	return attr, ok
}

// SetAttribute adds or replaces an attribute.
func (a *Asset) SetAttribute(attr *Attribute) {
	if a.Attributes == nil {
		a.Attributes = Attributes{}
	}
	a.Attributes[attr.Name] = attr
}

// Clone returns a deep copy of the asset. Values are copied through JSON so
// nested maps and slices are not shared.
func (a *Asset) Clone() *Asset {
	if a == nil {
		return nil
	}
	clone := *a
	if a.Attributes != nil {
		clone.Attributes = make(Attributes, len(a.Attributes))
		for name, attr := range a.Attributes {
			clone.Attributes[name] = attr.Clone()
		}
	}
	return &clone
}

// Clone returns a deep copy of the attribute.
func (a *Attribute) Clone() *Attribute {
	if a == nil {
		return nil
	}
	clone := *a
	clone.Value = cloneValue(a.Value)
	if a.Meta != nil {
		clone.Meta = make(Meta, len(a.Meta))
		for k, v := range a.Meta {
			clone.Meta[k] = cloneValue(v)
		}
	}
	return &clone
}

func cloneValue(v any) any {
	switch v.(type) {
	case nil, string, bool, float64, float32, int, int32, int64:
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
