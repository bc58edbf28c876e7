// Package gatewayfed federates edge gateway instances with a central
// instance. An edge instance mirrors the assets of one of its realms into
// the central instance and forwards their changes; the central instance
// writes attributes back to the edge and opens reverse tunnels into the
// edge network on demand.
//
// # Architecture
//
//	  EDGE                                      CENTRAL
//	┌──────────────────────────┐            ┌──────────────────────────┐
//	│ federation.ClientService │            │ federation.Service       │
//	│   one ClientConnector    │  websocket │   one Connector per      │
//	│   per local realm        │ ─────────► │   gateway asset          │
//	│   (edge package)         │  events +  │   (connector package)    │
//	│                          │  requests  │                          │
//	│ filters, sync rules      │ ◄───────── │ sync state machine,      │
//	│ tunnel.Factory (SSH)     │  writes,   │ idmap, tunnel ports      │
//	└──────────────────────────┘  tunnels   └──────────────────────────┘
//	            │                                       │
//	            └────────── store / eventbus ───────────┘
//	                 memory or NATS KV / NATS subjects
//
// # Connection lifecycle
//
// The edge requests a token with its client credentials and opens the
// event websocket. The central service authenticates the session against
// the gateway asset and starts a sync: it reads every edge asset in batches,
// deletes mirrored assets the edge no longer has, merges the rest and then
// replays the events that arrived meanwhile. Once synced the gateway is
// CONNECTED and edge events are applied as they arrive.
//
// Tunnels are started through the central REST API. The central service
// assigns a port or hostname, asks the edge to open an SSH reverse tunnel
// and closes it again after the configured auto close time.
//
// # Packages
//
// Protocol and plumbing:
//   - protocol: wire messages exchanged over the event websocket
//   - transport: token issuing, the server session and the reconnecting client
//   - eventbus: local asset and attribute events, in memory or over NATS
//   - store: asset and edge connection persistence, in memory or NATS KV
//   - natsclient: NATS connection management and KV helpers
//
// Federation:
//   - connector: central side sync state machine for one gateway
//   - edge: edge side connector with attribute filters and tunnels
//   - idmap: deterministic mapping of edge asset ids into the central id space
//   - syncrule: per asset type attribute exclusions and rate limits
//   - tunnel: tunnel descriptors and the SSH tunnel factory
//   - federation: the central gateway service and the edge client service
//
// Process:
//   - config: layered JSON/YAML configuration with environment overrides
//   - service: service lifecycle and the manager that orders it
//   - gateway/http: REST surface, health and metrics
//   - health, metric, errors: shared status, Prometheus and error classes
//   - cmd/gatewayfed: the binary
//
// # Running
//
//	./bin/gatewayfed --config configs/central.yaml
//	./bin/gatewayfed --config configs/base.yaml,configs/edge.json --log-format=text
package gatewayfed
