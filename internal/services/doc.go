// Package services defines the [ChannelSource] interface for video feed providers and implements it for YouTube.
//
// # Channel Source
//
// A source turns a [models.Target] into the videos currently listed on its channel.
// Every returned video carries the target's owner and platform so it can be upserted by natural key.
//
// # YouTube Implementation
//
// [YouTubeService] reads an unauthenticated JSON feed (GET /api/channels/{id}/videos).
// Calls share one [rate.Limiter] and get a per-call timeout from the [source] config section.
//
// # Circuit Breaker
//
// [BreakerSource] wraps any source with a sony/gobreaker circuit so repeated blocked
// responses short-circuit later fetches in the same process.
//
// # Error Handling
//
// Non-2xx responses become [*APIError], which unwraps to a sentinel from the shared package:
//   - [shared.ErrRateLimited] : HTTP 429 or a quota/rate limit message
//   - [shared.ErrBlocked] : HTTP 403/451 with a captcha, flagged or blocked message
//   - [shared.ErrAPIRequest] : anything else
//
// [Classify] maps any error onto [Kind] for the fetch orchestrator.
package services
