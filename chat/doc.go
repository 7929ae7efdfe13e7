// Package chat is the multi-channel IRC ingestion engine.
//
// The Manager reconciles a desired channel set against one Connection per
// channel. Each Connection owns its socket lifecycle (credential selection,
// join handshake, reconnect with exponential backoff) and feeds parsed lines
// into two shared collectors:
//
//   - MessageStore: the per-channel ordered, duplicate-free message
//     sequence. Live socket messages and REST history backfill go through
//     the same idempotent merge, so overlapping batches from either source
//     collapse to one entry.
//   - Roster: the per-channel participant map with a monotonic version
//     counter for cheap change detection.
//
// Stale asynchronous callbacks (a reconnect timer outliving a stop/restart,
// a socket close racing a resubscribe) are fenced by a per-connection
// generation counter rather than task cancellation: every continuation
// captures the generation it was started under and no-ops on mismatch.
//
// Credentials: the primary channel uses the bot login plus the stored OAuth
// token when available, re-resolved on a fixed poll interval and on token
// refresh. Every other connection is anonymous (justinfan + 5 digits).
package chat
