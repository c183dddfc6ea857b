// Package state holds the client-side conversation cache: a ChatStore for
// the roster and a MessageStore for per-chat message lists, reaction sets,
// read receipts and typing presence.
//
// Both stores are constructed once at session start and passed by reference
// to their consumers — there is no ambient global state. Mutations come in
// through the documented operations only; views read through selectors that
// copy out and never observe internal aliasing. Merge operations are
// idempotent and commutative where the delivery model demands it, so
// duplicate or reordered events cannot corrupt the cache.
package state
