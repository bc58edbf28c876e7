package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openremote/openremote-sub007/asset"
	"github.com/openremote/openremote-sub007/errors"
	"github.com/openremote/openremote-sub007/tunnel"
)

func TestEncode_Envelope(t *testing.T) {
	raw, err := Encode(Message{ID: "BATCH20", Event: &ReadAssets{Query: &asset.Query{IDs: []string{"a", "b"}}}})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(raw, Prefix))
	assert.Contains(t, raw, `"eventType":"read-assets"`)
	assert.Contains(t, raw, `"messageID":"BATCH20"`)
	assert.Contains(t, raw, `"assetQuery":{"ids":["a","b"]}`)
}

func TestEncode_NoMessageID(t *testing.T) {
	raw, err := Encode(Message{Event: &CapabilitiesResponse{TunnellingSupported: true}})
	require.NoError(t, err)
	assert.NotContains(t, raw, "messageID")
}

func TestDecode_EveryKind(t *testing.T) {
	errText := "port in use"
	events := []Event{
		&CapabilitiesRequest{Version: Version, TunnelHostname: "central", TunnelPort: 2222},
		&CapabilitiesResponse{TunnellingSupported: true},
		&Initialised{ActiveTunnels: []tunnel.Info{{ID: "t1", Type: tunnel.TypeTCP}}},
		&DisconnectNotice{Reason: ReasonPermanentError},
		NewAssetEvent(asset.CauseUpdate, &asset.Asset{ID: "a1", Type: "ThingAsset", Version: 3}),
		NewAttributeEvent(&asset.AttributeEvent{Ref: asset.AttributeRef{ID: "a1", Name: "temp"}, Value: 21.5}),
		&ReadAssets{Query: &asset.Query{Recursive: true}},
		&ReadAsset{AssetID: "a1"},
		&Assets{Assets: []*asset.Asset{{ID: "a1"}}},
		&TunnelStartRequest{SSHHostname: "central", SSHPort: 2222, Info: tunnel.Info{ID: "t1"}},
		&TunnelStartResponse{Error: &errText},
		&TunnelStopRequest{Info: tunnel.Info{ID: "t1"}},
		&TunnelStopResponse{},
	}

	for _, ev := range events {
		t.Run(string(ev.Kind()), func(t *testing.T) {
			raw, err := Encode(Message{ID: "id-1", Event: ev})
			require.NoError(t, err)

			msg, err := Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, "id-1", msg.ID)
			assert.Equal(t, ev.Kind(), msg.Event.Kind())
			assert.Equal(t, ev, msg.Event)
		})
	}
}

func TestDecode_Rejects(t *testing.T) {
	tests := map[string]string{
		"missing prefix": `{"eventType":"assets"}`,
		"unknown kind":   Prefix + `{"eventType":"mystery"}`,
		"bad json":       Prefix + `{"eventType":`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(raw)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestCapabilitiesRequest_IsLegacy(t *testing.T) {
	msg, err := Decode(Prefix + `{"eventType":"gateway-capabilities-request"}`)
	require.NoError(t, err)
	assert.True(t, msg.Event.(*CapabilitiesRequest).IsLegacy())
	assert.False(t, (&CapabilitiesRequest{Version: Version}).IsLegacy())
}

func TestTunnelResponse_Err(t *testing.T) {
	assert.NoError(t, (&TunnelStartResponse{}).Err())

	err := (&TunnelStopResponse{Error: ErrorString(errors.Remote("stop tunnel", "not running"))}).Err()
	require.Error(t, err)
	assert.Equal(t, "not running", errors.Reason(err))
	assert.Nil(t, ErrorString(nil))
}
