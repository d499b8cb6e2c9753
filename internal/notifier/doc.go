// Package notifier delivers feed items and notices to chat endpoints.
//
// Sends are queued and executed by a small supervised worker pool with a
// shared rate limit and bounded retries. Each endpoint hashes to one worker
// lane, so a chat sees its items in the order they were sent even while an
// earlier item is being retried. SendDeduped suppresses repeats of the
// same idempotency key for the dedup window using an expirable LRU, optionally
// backed by the store so suppression survives restarts.
//
// NotifyAdmins and SendLog fan out to the configured admin endpoints.
package notifier
