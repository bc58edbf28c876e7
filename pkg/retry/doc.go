// Package retry provides exponential backoff for transient failures.
//
// Do and DoWithResult retry a bounded operation such as a KV compare-and-set:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
//	    _, err := kv.Update(ctx, key, value, rev)
//	    return err
//	})
//
// Persistent connections use Config.Delay with the Reconnect preset to space
// out reconnect attempts without ever giving up:
//
//	backoff := retry.Reconnect()
//	wait := backoff.Delay(failures)
//
// Wrap an error with NonRetryable to stop Do immediately.
package retry
