// Package snapshot correlates historical backfill requests with the
// replies producers send back.
//
// A request moves requested -> awaiting when it has been broadcast, and
// closes as fulfilled (at least one reply) or timed_out when its collection
// window ends or its session unsubscribes. Replies arriving after that are
// discarded.
package snapshot
