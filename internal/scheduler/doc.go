// Package scheduler runs the bot's recurring jobs (scheduled post, mention
// polling, prune) on robfig/cron with a small worker pool.
//
// The default pool size is 1: jobs run strictly one at a time, which is the
// execution model the budget governor's two-phase check/track API assumes.
// Raising workers is safe only because the executor reserves budget through
// the governor's atomic Reserve.
package scheduler
