// Package connection keeps the sync client connected.
//
// A Supervisor watches a transport and reconnects it after every
// disconnect the caller did not ask for:
//
//   - Session lost (send failure, 410 Gone): reconnect immediately.
//   - Connect exchange failed: retry after an exponential backoff.
//   - Session established: reset the backoff.
//
// An explicit Disconnect holds the supervisor until the next Connect.
//
// # Backoff
//
//  1. Initial delay: 1 second
//  2. Exponential increase: 2s, 4s, 8s, 16s, 32s
//  3. Maximum delay: 60 seconds
//  4. Reset to 1s on successful reconnection
//
// Jitter spreads reconnecting clients apart:
//
//	actual_delay = base_delay + random(0, base_delay * 0.25)
//
// The Supervisor runs on a loop.Loop like the transport it drives; its
// retry timers are loop tasks.
package connection
