// Package rpc correlates requests with the responses the server pushes back.
//
// Every Call gets a strictly increasing id starting at 1. The response
// arrives as a "response" message carrying the id and either a value or an
// error; the callback registered for that id runs exactly once.
//
// # Liveness
//
// A request still unanswered after WaitThreshold counts as waiting. The
// Waiting event fires when the number of waiting requests goes from zero to
// one and Done fires when it drops back to zero, which lets a UI show a
// spinner only for slow operations.
//
// # Session Loss
//
// The transport reports which frames the server accepted. When a session is
// lost, every request that was transmitted but not answered completes with
// ErrSessionLost; requests still queued are transmitted in the next session.
//
// Messages other than responses are pushes and go to the handlers
// registered with On.
package rpc
