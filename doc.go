// Package chartable is the credit ledger behind Chartable, a diagram
// generation service. Users buy credit packs through Stripe Checkout and
// Stripe reports each purchase with a signed webhook. Deliveries are at
// least once, so the ledger applies every purchase exactly once: the
// processed-event record and the balance increment commit together or
// not at all.
//
// The Engine is a library. Wire it to a store and mount the HTTP surface
// from package httpapi, or call it directly:
//
//	s := memory.New()
//	eng := chartable.New(s, chartable.WithLogger(logger))
//	if err := eng.Start(ctx); err != nil {
//	    return err
//	}
//	defer eng.Stop(ctx)
//
//	res, err := eng.ApplyCreditOnce(ctx, credit.Grant{
//	    EventID: "evt_1QtWKH",
//	    UserID:  userID,
//	    Amount:  5000,
//	})
//
// # Stores
//
// Four backends implement store.Store: memory (tests and local runs),
// mongo (multi-document transactions), postgres and sqlite (grove driver
// transactions with ON CONFLICT DO NOTHING on the event key).
//
// # Plugins
//
// Plugins observe webhook intake, credit application and project history.
// See packages audithook and observability.
package chartable
