// Package event provides explicit observer lists.
//
// An Emitter holds an ordered list of listeners for one event type. Each
// registration returns a Handle that removes exactly that listener:
//
//	h := emitter.On(func(e FieldChange) { ... })
//	defer h.Off()
//
// Emitters are not safe for concurrent use. They are owned by components
// running on a loop.Loop, which serializes all access.
package event
