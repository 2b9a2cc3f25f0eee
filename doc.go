// Package feedwatch monitors the public activity of forum users from
// several concurrently running instances while only one of them talks to
// the forum.
//
// Instances find each other over a broadcast channel and elect a leader.
// The leader polls each monitored user on an adaptive schedule: active users
// often, idle users rarely, with backoff after failures and cooldowns after
// rate limits. Every result is replicated to the followers, so all
// instances show the same data and announce each new action exactly once.
//
// # Quick Start
//
//	fw, _ := feedwatch.New(
//	    feedwatch.WithForum("https://meta.discourse.org"),
//	    feedwatch.WithEntities("alice", "bob"),
//	)
//
//	// Set up graceful shutdown on SIGINT/SIGTERM
//	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer stop()
//
//	fw.Start(ctx) // blocks until context is cancelled
//
// # Running a Group
//
// Instances on one host join a UDP multicast group and share a badger
// store; instances on several hosts share a postgres store:
//
//	fw, err := feedwatch.New(
//	    feedwatch.WithForum(url),
//	    feedwatch.WithTransport(feedwatch.TransportMulticast, ""),
//	    feedwatch.WithStore(feedwatch.DriverBadger, "/var/lib/feedwatch"),
//	    feedwatch.WithPort(8081),
//	)
//
// Instances embedded in one process share a [Hub] instead.
//
// # Notifications
//
// [WithNewActionCallback] registers a function called for every new
// action, on every instance, while system notifications are enabled. The
// same actions stream to HTTP clients at /api/sse.
//
// # Architecture
//
// feedwatch consists of several internal packages (under internal/):
//
//   - internal/election: Leader election state machine
//   - internal/schedule: Activity tiers, backoffs and due-entity selection
//   - internal/coordinator: Event loop owning the replicated state
//   - internal/feed: Record merging, diffing and notification dedup
//   - internal/fetcher: Forum client
//   - internal/bus: Broadcast envelopes and transports
//   - internal/kv, internal/state: Persistence of the replicated state
//   - internal/store, internal/server: Local view and HTTP API
//
// The internal packages are not part of the public API and may change
// without notice.
package feedwatch
