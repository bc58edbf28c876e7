// Package natsclient wraps a NATS connection for the federation services.
//
// Client tracks connection status, exposes plain pub/sub for the event bus and
// creates JetStream KV buckets. KVStore adds timeouts and compare-and-set
// retries on top of a bucket and backs the NATS asset and connection stores.
//
// Integration tests obtain a containerised server with NewTestClient:
//
//	tc := natsclient.NewTestClient(t, natsclient.WithKV("assets"))
//	bucket, _ := tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "assets"})
//	kv := tc.Client.NewKVStore(bucket)
package natsclient
