package scheduler

import (
	"context"
	"time"
)

const defaultHistorySize = 200

// Config controls the scheduler service.
type Config struct {
	Workers        int // default 1 (sequential dispatch)
	DefaultTimeout time.Duration
	HistorySize    int    // default 200
	Timezone       string // IANA TZ, e.g. "Asia/Jakarta"
}

// HistoryItem is one completed job run.
type HistoryItem struct {
	ID       string
	Name     string
	Started  time.Time
	Duration time.Duration
	Error    string
}

type task struct {
	id      string
	name    string
	timeout time.Duration
	run     func(ctx context.Context) error
}

type scheduleDef struct {
	id      string
	name    string
	spec    string // cron spec or @every
	timeout time.Duration
	job     func(ctx context.Context) error
}
