// Package store provides the asset and gateway connection persistence used by
// the federation services.
//
// Both stores come in two flavours: an in-memory map for single process
// deployments and tests, and a NATS JetStream KV backed implementation where
// each asset or connection is one JSON document keyed by its id or realm.
//
// All implementations are safe for concurrent use.
package store
