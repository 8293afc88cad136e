package ratelimit

import "time"

// Budget is the raw accounting state for one account: points consumed in the
// current hourly and daily windows plus the start of each window.
//
// Budget is plain data. It does no I/O and carries no locking; the Governor
// owns exactly one Budget and serializes all access to it.
type Budget struct {
	HourlyPoints int
	DailyPoints  int

	LastHourReset time.Time
	LastDayReset  time.Time
}

// newBudget returns a zeroed budget with both window stamps set to now.
func newBudget(now time.Time) Budget {
	return Budget{LastHourReset: now, LastDayReset: now}
}
