// Package subscription implements the client-side subscription cache.
//
// A subscription is a live cache entry for one key. Model keys ("listing/12")
// hold a field map and are served by ModelSub; every other key is a relation
// key ("listing(user=user/5)") holding an ordered, duplicate-free id list and
// is served by RelationSub.
//
// # Lifecycle
//
// The first access to a key registers the subscription and sends "sub"
// before the server confirms it, so concurrent requesters share one
// in-flight subscribe. The response decides the outcome:
//   - false: the key is invalid; the entry is removed and waiters get nil
//   - true: the server already had this subscription; this is a protocol
//     violation and panics with ErrDoubleSubscribe
//   - anything else: the initial value; the entry becomes ready
//
// # Reference Counting
//
// Retain and Release count users. When the count drops to zero an eviction
// task is scheduled for the grace period (10s by default). Any Retain before
// it fires cancels it. Eviction sends "unsub" fire-and-forget and removes the
// entry. A subscription that becomes ready without ever being retained starts
// its grace period right away.
//
// # Reconnects
//
// After a reconnect every cached key is subscribed again and the response is
// reconciled against the cached value: models publish only changed fields and
// relations emit the minimal remove/add delta. On disconnect, entries already
// waiting for eviction are dropped without "unsub" since the server session
// is gone.
//
// # Pushes
//
// A "pub {key, diff}" push updates one entry. Model diffs are field maps, an
// undefined field deletes it. Relation diffs are {add, remove} or a bare
// array of ids to add. Events carry only the effective change.
package subscription
