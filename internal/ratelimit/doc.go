// Package ratelimit implements the point-budget governor that gates every
// write against the PDS rate-limit policy.
//
// The provider caps write operations by points over two rolling windows
// (hourly and daily). Each action kind has a fixed point cost. The governor
// keeps a local running total per window and answers "may this action run
// right now" before the caller spends any effort composing or sending it.
//
// The counters here are a local estimate of spend, not a mirror of the
// provider's authoritative counters; the two can drift. Provider-side
// throttling (HTTP 429) is handled by the caller with a cooldown, never by
// adjusting the budget.
package ratelimit
