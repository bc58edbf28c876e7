// Package config loads the gateway federation process configuration.
//
// Configuration is layered: Defaults, then each file added with AddLayer
// (JSON, or YAML for .yaml/.yml files), then environment overrides. Later
// layers replace earlier ones key by key, so an override file only needs
// the fields it changes.
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/base.yaml")
//	loader.AddLayer("configs/site.json")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// # Sections
//
//   - nats: optional NATS connection shared by the event bus and KV storage
//   - storage: memory or nats-kv persistence for assets and edge connections
//   - central: gateway service, tunnel SSH endpoint, TCP port range and
//     auto close, plus gateway assets seeded at startup
//   - edge: gateway client service, SSH key for tunnels, client TLS for
//     secured connections and the connections loaded at startup
//   - http: listener shared by REST, websocket, health and metrics, with
//     optional TLS and client certificate validation
//
// # Environment
//
// GATEWAYFED_NATS_URLS, GATEWAYFED_NATS_USERNAME, GATEWAYFED_NATS_PASSWORD,
// GATEWAYFED_NATS_TOKEN, GATEWAYFED_HTTP_LISTEN_ADDRESS,
// GATEWAYFED_CENTRAL_TUNNEL_SSH_HOSTNAME and
// GATEWAYFED_CENTRAL_TUNNEL_SSH_PORT override their fields.
// OR_GATEWAY_TUNNEL_SSH_KEY_FILE and OR_GATEWAY_TUNNEL_LOCALHOST_REWRITE set
// the edge tunnel key and localhost rewrite. When the key file is missing
// the edge runs without tunnel support.
//
// Redacted and String mask passwords, tokens and client secrets so a
// loaded configuration can be logged.
package config
