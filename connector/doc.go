// Package connector implements the central side of a gateway connection.
//
// A Connector owns one gateway's session on the central instance. When the
// gateway connects it mirrors the gateway's asset tree into the local store:
//
//	Disconnected -> Connecting     INITIAL hierarchy query outstanding
//	Connecting   -> InitialSync    BATCH<offset> windows being fetched
//	InitialSync  -> Connected      cached events replayed, obsolete assets removed
//	any          -> Disconnected   session closed, disabled or sync aborted
//
// Asset and attribute events arriving while a sync is running are cached and
// replayed once the last batch has been stored. Afterwards they are applied
// directly, with ids mapped through the idmap package.
//
// Requests to the gateway (capability probe, tunnel start and stop, asset
// merges) follow a single outstanding request pattern: each is registered as
// a continuation keyed by the response it expects and resolved by the receive
// path or by a timer. A second request for the same key fails immediately
// with errors.ErrAlreadyPending.
//
// Usage:
//
//	c := connector.New(connector.Config{
//		GatewayID:  gw.ID,
//		Realm:      gw.Realm,
//		Store:      assets,
//		Attributes: writer,
//		Status:     publisher,
//	})
//	err := c.Connect(session.ID(), session, func() { session.Close() })
//	...
//	c.OnMessage(session.ID(), msg)
package connector
