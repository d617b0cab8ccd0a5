// Package presence holds the friend presence model and the pure logic that
// turns two successive snapshots into user-facing notification events.
//
// Nothing here performs delivery: Fetch talks to a Pager, Diff is a pure
// function of (previous, next, rules).
package presence
