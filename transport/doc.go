// Package transport implements the persistent websocket channel between an
// edge and the central instance.
//
// Client is a reconnecting websocket client. Its connection status is
// observable through Subscribe, and every status change is delivered as a
// StatusEvent. When a Handshake is configured, an open socket is first
// reported as CONNECTED with Final=false. It is reported again with Final=true
// once the handshake observes readiness in an inbound message or its window
// elapses with the socket still open. A socket that closes while the
// handshake is pending, or a handshake error, fails the connect attempt and
// triggers a backoff reconnect.
//
// Server upgrades authenticated HTTP requests into Sessions and hands their
// messages to a SessionHandler. TokenIssuer provides a client credentials
// token endpoint whose tokens the server accepts.
package transport
