// Package storage persists the bot's action audit trail and the set of
// mentions it has already replied to.
//
// The budget itself is deliberately NOT persisted: counters restart at zero,
// which can only under-utilize the windows, never overspend them.
package storage
