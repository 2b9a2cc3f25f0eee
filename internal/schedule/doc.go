// Package schedule decides when each monitored entity is polled next.
//
// The cadence of an entity follows how recently it was active: an entity
// that posted a minute ago is polled at the base interval, one that has been
// quiet for a day twenty times less often. Failures override the tiering
// with fixed backoff windows, and a rate-limit response that names its own
// cooldown wins over everything else.
package schedule
