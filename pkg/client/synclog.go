package client

import (
	"github.com/croquet-sync/croquet-go/pkg/log"
)

// Subscription states in the protocol log.
const (
	subscriptionActive  = "ACTIVE"
	subscriptionEvicted = "EVICTED"
	subscriptionDropped = "DROPPED"
)

// logSync records a sync-layer state change. For subscriptions the reason
// carries the key.
func (c *Client) logSync(entity log.StateEntity, old, next, reason string) {
	c.plog.Log(log.Event{
		Timestamp:    c.loop.Clock().Now(),
		ConnectionID: c.connID,
		SessionID:    c.conn.Session(),
		Direction:    log.DirectionIn,
		Layer:        log.LayerSync,
		Category:     log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   entity,
			OldState: old,
			NewState: next,
			Reason:   reason,
		},
	})
}
