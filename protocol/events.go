// Package protocol defines the federation wire format: a closed set of event
// kinds, JSON encoded, each message prefixed with a shared marker.
package protocol

import (
	"github.com/openremote/openremote-sub007/asset"
	"github.com/openremote/openremote-sub007/errors"
	"github.com/openremote/openremote-sub007/tunnel"
)

// Version is sent in capability requests. Peers that omit it predate the
// initialised notification.
const Version = "1.1"

// Kind discriminates the event union on the wire.
type Kind string

// Event kinds
const (
	KindCapabilitiesRequest  Kind = "gateway-capabilities-request"
	KindCapabilitiesResponse Kind = "gateway-capabilities-response"
	KindInitialised          Kind = "gateway-initialised"
	KindDisconnect           Kind = "gateway-disconnect"
	KindAsset                Kind = "asset"
	KindAttribute            Kind = "attribute"
	KindReadAssets           Kind = "read-assets"
	KindReadAsset            Kind = "read-asset"
	KindAssets               Kind = "assets"
	KindTunnelStartRequest   Kind = "gateway-tunnel-start-request"
	KindTunnelStartResponse  Kind = "gateway-tunnel-start-response"
	KindTunnelStopRequest    Kind = "gateway-tunnel-stop-request"
	KindTunnelStopResponse   Kind = "gateway-tunnel-stop-response"
)

// Event is implemented only by the types in this package.
type Event interface {
	Kind() Kind
	event()
}

// DisconnectReason explains why a peer is closing the connection.
type DisconnectReason string

// Disconnect reasons
const (
	ReasonTerminating      DisconnectReason = "TERMINATING"
	ReasonDisabled         DisconnectReason = "DISABLED"
	ReasonAlreadyConnected DisconnectReason = "ALREADY_CONNECTED"
	ReasonUnrecognised     DisconnectReason = "UNRECOGNISED"
	ReasonPermanentError   DisconnectReason = "PERMANENT_ERROR"
)

// CapabilitiesRequest probes the edge after initial sync.
type CapabilitiesRequest struct {
	Version        string `json:"version,omitempty"`
	TunnelHostname string `json:"tunnelHostname,omitempty"`
	TunnelPort     int    `json:"tunnelPort,omitempty"`
}

// CapabilitiesResponse answers a CapabilitiesRequest.
type CapabilitiesResponse struct {
	TunnellingSupported bool `json:"tunnelingSupported"`
}

// Initialised tells the edge the central side is ready and which tunnels it
// still considers active for this gateway.
type Initialised struct {
	ActiveTunnels []tunnel.Info `json:"activeTunnels"`
}

// DisconnectNotice precedes an intentional close.
type DisconnectNotice struct {
	Reason DisconnectReason `json:"reason"`
}

// AssetEvent carries an asset change.
type AssetEvent struct {
	asset.AssetEvent
}

// AttributeEvent carries an attribute value change.
type AttributeEvent struct {
	asset.AttributeEvent
}

// ReadAssets asks the peer to run an asset query.
type ReadAssets struct {
	Query *asset.Query `json:"assetQuery"`
}

// ReadAsset asks the peer for the current state of one asset, answered with
// an AssetEvent of cause READ.
type ReadAsset struct {
	AssetID string `json:"assetId"`
}

// Assets answers ReadAssets.
type Assets struct {
	Assets []*asset.Asset `json:"assets"`
}

// TunnelStartRequest asks the edge to open a tunnel through the given SSH endpoint.
type TunnelStartRequest struct {
	SSHHostname string      `json:"sshHostname"`
	SSHPort     int         `json:"sshPort"`
	Info        tunnel.Info `json:"info"`
}

// TunnelStartResponse carries nil on success or the failure reason.
type TunnelStartResponse struct {
	Error *string `json:"error"`
}

// TunnelStopRequest asks the edge to close a tunnel.
type TunnelStopRequest struct {
	Info tunnel.Info `json:"info"`
}

// TunnelStopResponse carries nil on success or the failure reason.
type TunnelStopResponse struct {
	Error *string `json:"error"`
}

func (*CapabilitiesRequest) Kind() Kind  { return KindCapabilitiesRequest }
func (*CapabilitiesResponse) Kind() Kind { return KindCapabilitiesResponse }
func (*Initialised) Kind() Kind          { return KindInitialised }
func (*DisconnectNotice) Kind() Kind     { return KindDisconnect }
func (*AssetEvent) Kind() Kind           { return KindAsset }
func (*AttributeEvent) Kind() Kind       { return KindAttribute }
func (*ReadAssets) Kind() Kind           { return KindReadAssets }
func (*ReadAsset) Kind() Kind            { return KindReadAsset }
func (*Assets) Kind() Kind               { return KindAssets }
func (*TunnelStartRequest) Kind() Kind   { return KindTunnelStartRequest }
func (*TunnelStartResponse) Kind() Kind  { return KindTunnelStartResponse }
func (*TunnelStopRequest) Kind() Kind    { return KindTunnelStopRequest }
func (*TunnelStopResponse) Kind() Kind   { return KindTunnelStopResponse }

func (*CapabilitiesRequest) event()  {}
func (*CapabilitiesResponse) event() {}
func (*Initialised) event()          {}
func (*DisconnectNotice) event()     {}
func (*AssetEvent) event()           {}
func (*AttributeEvent) event()       {}
func (*ReadAssets) event()           {}
func (*ReadAsset) event()            {}
func (*Assets) event()               {}
func (*TunnelStartRequest) event()   {}
func (*TunnelStartResponse) event()  {}
func (*TunnelStopRequest) event()    {}
func (*TunnelStopResponse) event()   {}

// IsLegacy reports whether the probing peer predates the initialised notification.
func (r *CapabilitiesRequest) IsLegacy() bool {
	return r.Version == ""
}

// Err converts the response into a Go error, nil on success.
func (r *TunnelStartResponse) Err() error {
	if r.Error == nil {
		return nil
	}
	return errors.Remote("start tunnel", *r.Error)
}

// Err converts the response into a Go error, nil on success.
func (r *TunnelStopResponse) Err() error {
	if r.Error == nil {
		return nil
	}
	return errors.Remote("stop tunnel", *r.Error)
}

// ErrorString renders err for a response error field.
func ErrorString(err error) *string {
	if err == nil {
		return nil
	}
	s := errors.Reason(err)
	return &s
}

// NewAssetEvent wraps an asset event for the wire.
func NewAssetEvent(cause asset.Cause, a *asset.Asset) *AssetEvent {
	return &AssetEvent{AssetEvent: asset.AssetEvent{Cause: cause, Asset: a}}
}

// NewAttributeEvent wraps an attribute event for the wire.
func NewAttributeEvent(ev *asset.AttributeEvent) *AttributeEvent {
	return &AttributeEvent{AttributeEvent: *ev}
}
