// Package reconcile keeps a client's local copy of a conversation consistent
// with the server's message log.
//
// State holds the messages in display order, merged by message id so that
// replays and resyncs never duplicate or reorder anything. While a user
// message is in flight it is shown as a single optimistic message, which is
// dropped as soon as the server's copy of any user message arrives or the
// send fails.
//
// Turns groups messages for display: a text block and the tool invocations
// that follow it form one turn, and each invocation carries the status of its
// result (running, ok or error), wherever in the log that result landed.
//
// Client drives a State from a Source:
//
//	c := reconcile.NewClient(reconcile.NewHTTPSource(url, token), id, reconcile.Options{
//		Sender:   src,
//		OnChange: render,
//	})
//	c.Start()
//	defer c.Close()
//
// On a dropped stream the client reconnects after 1s, 5s and 10s, each time
// resubscribing after the last sequence it applied, then gives up until Retry.
// If the server's build fingerprint changes the client stops with
// StatusReloadRequired.
package reconcile
