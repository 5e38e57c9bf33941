// Package tracking maintains per-user topic read positions and the aggregate
// unread/new topic counts derived from them.
//
// A ReadPosition row exists per (user, topic) pair from the user's first
// visit onward. MarkRead moves the last read post number forward only
// (concurrent and out-of-order calls are safe: the operation is a monotonic
// max), and DeletePost renumbers the topic and clamps every read position
// back under the new highest post number inside the same transaction, so a
// stale higher position is never visible.
//
// The server-side aggregation is the source of truth for unread and new
// counts; bus messages published by the publisher package are hints telling
// clients to re-fetch or apply a delta.
//
// Two implementations are provided: Postgres (production) and memory (tests
// and single-process development).
package tracking
