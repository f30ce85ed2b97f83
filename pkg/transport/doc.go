// Package transport implements the long-poll session between the sync client
// and its server.
//
// A session is established with a connect exchange that yields a session id.
// While connected, two activities run:
//
//   - The send loop wakes every SendInterval. If frames are queued and no send
//     is in flight, it takes the whole queue, stamps it with the current
//     session and posts it as one batch. A failed send puts the batch back at
//     the front of the queue and drops the session.
//   - The receive loop keeps exactly one poll outstanding. A 200 response is
//     decoded and delivered in order, then the poll is reissued at once. A 410
//     means the server forgot the session. Anything else is retried after
//     PollRetryDelay without dropping the session.
//
// # Concurrency
//
// A Conn belongs to a loop.Loop. Its methods must be called on the loop and
// its events are raised on the loop. HTTP exchanges run on their own
// goroutines and post their results back tagged with the session epoch;
// results from an earlier epoch are discarded.
//
// # Delivery
//
// Delivery is at-least-once. A batch whose send was aborted by a disconnect
// is requeued and transmitted again in the next session even if the server
// had already received it.
//
// The outbound queue is unbounded; Enqueue never blocks and never fails for
// lack of space.
package transport
