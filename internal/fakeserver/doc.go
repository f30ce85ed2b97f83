// Package fakeserver is an in-memory long-poll server speaking the sync
// protocol. It backs the integration tests of the client packages and the
// croquet-client command's -serve mode.
//
// It implements the connect/send/poll/disconnect exchanges and a reference
// set of message handlers (ping, sub, unsub, create, update, delete, query,
// sub-presence, unsub-presence, error, auth, passwd, newpw) over a small
// in-memory model store with registered accounts.
// Tests can seed data, inject failures and inspect received requests.
package fakeserver
