// Package storage is the optional persistence layer.
//
// It keeps two things:
//   - an append-only audit log of operator actions (login attempts)
//   - notifier dedup keys, so a restart does not resend a recent alert
//
// Friend presence is never stored here; the poller holds only the previous
// snapshot in memory.
package storage
