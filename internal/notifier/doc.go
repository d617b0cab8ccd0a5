// Package notifier delivers presence alerts asynchronously.
//
// Notify enqueues and returns; workers send through the transport adapter
// under a shared rate limit, retrying failed sends with jittered exponential
// backoff. An optional dedup window suppresses identical messages to the
// same channel, and its keys can be persisted through storage.Store so a
// restart does not resend them.
//
// Delivery is at-most-once from the caller's point of view: a message that
// still fails after the last retry is logged and dropped.
package notifier
