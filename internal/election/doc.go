// Package election decides whether an instance is the leader.
//
// The protocol is soft: there is no quorum and no fencing. An instance that
// starts asks whether a leader exists and promotes itself when nobody answers
// within the election timeout. Brief windows with two leaders are resolved
// as soon as they hear each other, by the rule that the most recently
// established leader wins.
//
// An [Elector] is not safe for concurrent use. Its Start, Handle, Fire,
// SetFocus and Resign methods are called from the owning event loop only;
// timers requested through [Hooks.After] must be delivered back to that loop.
// Role and Leader may be read from any goroutine.
package election
