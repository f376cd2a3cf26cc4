// Package tokenstore owns the bearer token and its authenticated flag across a
// persistent and a volatile storage backend.
//
// Writes fan out to both backends independently, reads fall back from persistent to
// volatile, and a capacity failure on the persistent side triggers eviction of
// non-essential keys before the write degrades to volatile storage. No operation
// returns a storage error: failures are logged and show up only as a missing token
// or an unauthenticated snapshot.
//
// Reconcile is the single rule that turns the two stored records into the
// authenticated answer; Store.IsAuthenticated and the monitor both go through it.
package tokenstore
