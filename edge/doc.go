// Package edge implements the edge side of gateway federation.
//
// A ClientConnector holds the websocket link from one local realm to a
// central instance. It answers the central's sync and tunnel requests and
// forwards local asset and attribute changes upward, after the configured
// attribute filters and sync rules have had their say:
//
//	local bus ──► filter pipeline ──► sync rules ──► central
//	central   ──► inbound dispatch ──► local store / bus / tunnel factory
//
// The link is considered ready once the central probes the edge's
// capabilities (see Handshake). Peers that never probe are assumed ready when
// the readiness window elapses.
package edge
