// Package correlate links dispatched commands to the results agents send back.
//
// Each request id moves through a small state machine:
//
//	PENDING -> COMPLETED   (StoreResult)
//	PENDING -> TIMED_OUT   (AwaitResult timeout, eviction, Forget)
//
// Terminal states never change. StoreResult on a terminal or unknown id is a
// no-op, which makes late or duplicate command_result frames harmless.
//
// Callers either poll with GetResult or block in AwaitResult. Waiting is done
// on a per-entry channel closed once on the terminal transition, so there is
// no polling goroutine per in-flight command.
//
// Entries that nobody collects are removed by a TTL sweep and by a size cap
// that evicts the oldest entry first.
package correlate
