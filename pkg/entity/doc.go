// Package entity is the typed, observable face of the subscription cache.
//
// An Entity is one model and a List is the ordered members of a relation.
// Both start cold: a snapshot taken when they were fetched. Heat binds them
// to the shared subscription of their key, retains it and forwards every
// change as an event; Freeze detaches, releases and drops the listeners
// registered on them. Heating an already hot value or freezing a cold one
// panics.
//
// A List can keep its members sorted. Sort performs one stable sort and then
// places each added entity by binary search after any equal members.
//
// Store fetches entities and lists and sends the data operations create,
// update, delete and query.
package entity
