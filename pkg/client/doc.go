// Package client assembles the sync engine into one value.
//
// A Client owns an event loop and everything bound to it: the long-poll
// transport, the reconnecting supervisor, the request correlator, the
// subscription cache, the entity store, the presence tracker and the login
// session. There are
// no package-level singletons; several clients can run side by side.
//
// Run drives the loop. Every other method must be called on the loop, either
// from a callback or through Do:
//
//	c, err := client.New(cfg)
//	if err != nil {
//		return err
//	}
//	go c.Run(ctx)
//	c.Do(ctx, func() {
//		c.Init(func() {
//			c.Store().Fetch("listing/1", func(e *entity.Entity) { ... })
//		})
//	})
//
// Requests made while disconnected are held back. On each new session the
// client first logs in with the stored credentials, if any, and only then
// releases them.
//
// Init connects if needed and calls its callback once the first session is
// established and authenticated. After that the client stays ready across reconnects: the
// cache resubscribes its keys and the presence tracker resubscribes its
// users on every new session.
package client
