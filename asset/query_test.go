package asset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hierarchy() map[string]*Asset {
	return map[string]*Asset{
		"gw":    {ID: "gw", Type: "GatewayAsset", Realm: "master"},
		"site":  {ID: "site", ParentID: "gw", Type: "BuildingAsset", Realm: "master"},
		"room":  {ID: "room", ParentID: "site", Type: "RoomAsset", Realm: "master"},
		"other": {ID: "other", Type: "ThingAsset", Realm: "master"},
	}
}

func TestQuery_RecursiveParents(t *testing.T) {
	assets := hierarchy()
	lookup := func(id string) (string, bool) {
		a, ok := assets[id]
		if !ok {
			return "", false
		}
		return a.ParentID, true
	}

	q := &Query{ParentIDs: []string{"gw"}, Recursive: true}
	assert.True(t, q.Matches(assets["site"], lookup))
	assert.True(t, q.Matches(assets["room"], lookup))
	assert.False(t, q.Matches(assets["other"], lookup))
	assert.False(t, q.Matches(assets["gw"], lookup))

	flat := &Query{ParentIDs: []string{"gw"}}
	assert.True(t, flat.Matches(assets["site"], lookup))
	assert.False(t, flat.Matches(assets["room"], lookup))
}

func TestQuery_Filters(t *testing.T) {
	assets := hierarchy()

	assert.False(t, (&Query{Realm: "other"}).Matches(assets["room"], nil))
	assert.True(t, (&Query{IDs: []string{"room"}}).Matches(assets["room"], nil))
	assert.False(t, (&Query{Types: []string{"RoomAsset"}}).Matches(assets["site"], nil))
}

func TestQuery_CycleTerminates(t *testing.T) {
	assets := map[string]*Asset{
		"a": {ID: "a", ParentID: "b"},
		"b": {ID: "b", ParentID: "a"},
	}
	lookup := func(id string) (string, bool) { return assets[id].ParentID, true }

	q := &Query{ParentIDs: []string{"root"}, Recursive: true}
	assert.False(t, q.Matches(assets["a"], lookup))
}

func TestAsset_CloneIsDeep(t *testing.T) {
	orig := &Asset{ID: "a"}
	orig.SetAttribute(&Attribute{
		Name:  "config",
		Value: map[string]any{"k": "v"},
		Meta:  Meta{"label": "Config"},
	})

	clone := orig.Clone()
	clone.Attributes["config"].Meta["label"] = "changed"
	clone.Attributes["config"].Value.(map[string]any)["k"] = "changed"
	delete(clone.Attributes, "config")

	attr, ok := orig.Attribute("config")
	require.True(t, ok)
	assert.Equal(t, "Config", attr.Meta["label"])
	assert.Equal(t, "v", attr.Value.(map[string]any)["k"])
}

func TestQuery_ProjectExcludesAttributes(t *testing.T) {
	a := &Asset{ID: "a", Attributes: Attributes{"x": {Name: "x", Value: 1.0}}}

	assert.Nil(t, (&Query{ExcludeAttributes: true}).Project(a).Attributes)
	assert.Len(t, (&Query{}).Project(a).Attributes, 1)
	assert.Len(t, a.Attributes, 1)
}
