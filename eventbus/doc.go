// Package eventbus carries local asset, attribute and connection status
// events between the federation services and the rest of the process.
//
// MemoryBus delivers synchronously on the publisher's goroutine, in
// subscription order. NATSBus publishes JSON documents on the subjects
//
//	federation.<realm>.asset
//	federation.<realm>.attribute
//	federation.<realm>.status
//
// Subscribing with an empty realm receives every realm.
package eventbus
