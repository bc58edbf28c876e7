package asset

import "fmt"

// Cause describes why an asset event was raised.
type Cause string

// Event causes
const (
	CauseCreate Cause = "CREATE"
	CauseRead   Cause = "READ"
	CauseUpdate Cause = "UPDATE"
	CauseDelete Cause = "DELETE"
)

// AssetEvent reports a change to a whole asset.
type AssetEvent struct {
	Cause             Cause    `json:"cause"`
	Asset             *Asset   `json:"asset"`
	UpdatedProperties []string `json:"updatedProperties,omitempty"`
}

// AssetID returns the id of the asset carried by the event.
func (e *AssetEvent) AssetID() string {
	if e == nil || e.Asset == nil {
		return ""
	}
	return e.Asset.ID
}

// AttributeRef identifies one attribute of one asset.
type AttributeRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (r AttributeRef) String() string {
	return fmt.Sprintf("%s:%s", r.ID, r.Name)
}

// AttributeEvent reports a change to a single attribute value.
type AttributeEvent struct {
	Ref       AttributeRef `json:"ref"`
	Value     any          `json:"value,omitempty"`
	OldValue  any          `json:"oldValue,omitempty"`
	Timestamp int64        `json:"timestamp,omitempty"`
	Realm     string       `json:"realm,omitempty"`
	AssetType string       `json:"assetType,omitempty"`
	ParentID  string       `json:"parentId,omitempty"`
	Source    string       `json:"source,omitempty"`
	Meta      Meta         `json:"meta,omitempty"`
}

// Clone returns a copy safe to modify without affecting the original.
func (e *AttributeEvent) Clone() *AttributeEvent {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Value = cloneValue(e.Value)
	clone.OldValue = cloneValue(e.OldValue)
	if e.Meta != nil {
		clone.Meta = make(Meta, len(e.Meta))
		for k, v := range e.Meta {
			clone.Meta[k] = cloneValue(v)
		}
	}
	return &clone
}
