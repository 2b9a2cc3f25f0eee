// Package feed normalizes per-entity activity into a capped, time-ordered
// list of [ActionRecord] values and decides which records are new since the
// previous poll.
//
// Two raw streams are fetched per entity (authored posts/replies/likes and
// reactions). [Merge] concatenates them, sorts newest first, removes
// duplicate ids and truncates to the retention cap. [Diff] compares the merged
// feed against the last persisted head id. [Deduper] is the process-wide guard
// that keeps a record from being notified twice.
package feed
