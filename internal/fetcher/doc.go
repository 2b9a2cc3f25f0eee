// Package fetcher performs the remote lookups of a monitored entity.
//
// A [Fetcher] exposes a cheap liveness probe, which reports when the entity
// was last active, and a heavier detail call returning the entity's two raw
// activity streams. Failures are reported as [*Error] values carrying one of
// a closed set of kinds; the coordinator schedules around them and never
// treats them as fatal.
//
// [HTTP] implements [Fetcher] against a Discourse forum.
package fetcher
