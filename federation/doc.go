// Package federation runs the two sides of gateway federation as services.
//
// Service is the central side. It keeps one connector.Connector per gateway
// asset, routes authenticated websocket sessions to them, forwards central
// writes on mirrored assets down to the owning gateway and owns the tunnel
// registry:
//
//	transport.Server -> Service (SessionHandler) -> connector.Connector
//	                                                     |
//	                 store.AssetStore + eventbus.Bus <---+
//
// ClientService is the edge side. It persists gateway connections and keeps
// one edge.ClientConnector per local realm, replacing it whenever the
// connection is edited.
package federation
