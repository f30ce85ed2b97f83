// Package loop provides the single logical thread of control for the sync
// client.
//
// Every stateful component (transport, correlator, subscription cache,
// entities, presence) is confined to one Loop. Components never lock; they
// mutate their state only from closures executed by the loop. Goroutines that
// perform blocking I/O hand their results back with Post.
//
// # Scheduled Tasks
//
// After schedules a closure on the loop once a delay has elapsed and returns
// a Task handle:
//
//	task := l.After(10*time.Second, func() { sub.evict() })
//	...
//	task.Cancel() // on the loop; the closure will not run
//
// The timer only posts the firing onto the loop. The cancelled flag is checked
// again on the loop before the closure runs, so a Cancel executed on the loop
// strictly wins against a timer that has already expired but whose firing is
// still queued.
//
// # Clocks
//
// Timers come from a clock.Clock. Production code uses clock.New(); tests use
// clock.NewMock() and advance time explicitly.
package loop
