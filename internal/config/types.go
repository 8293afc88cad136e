package config

// Config is the whole config file. Durations are Go duration strings
// (e.g. "500ms", "10s", "1m").
type Config struct {
	Service   ServiceConfig   `json:"service"`
	Schedule  ScheduleConfig  `json:"schedule"`
	RateLimit RateLimitConfig `json:"ratelimit"`
	Content   *ContentConfig  `json:"content,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
	Metrics   *MetricsConfig  `json:"metrics,omitempty"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
}

// ServiceConfig identifies the PDS account the bot runs as.
type ServiceConfig struct {
	Host       string `json:"host,omitempty"` // default: https://bsky.social
	Identifier string `json:"identifier"`     // handle or DID
	Password   string `json:"password"`       // app password (do not log)
	Timeout    string `json:"timeout,omitempty"`
}

// ScheduleConfig controls when the bot acts.
type ScheduleConfig struct {
	// Post is a cron expression for the scheduled greeting post.
	Post string `json:"post"`
	// Mentions is the polling interval for mention replies.
	Mentions string `json:"mentions"`
	Timezone string `json:"timezone,omitempty"` // IANA TZ, e.g. "Asia/Jakarta"

	// ReplyPacing is the fixed delay between consecutive mention replies.
	ReplyPacing string `json:"reply_pacing,omitempty"` // default "5s"
	// Cooldown is how long the bot backs off after a provider 429.
	Cooldown string `json:"cooldown,omitempty"` // default "15m"

	// PruneAfter deletes own posts older than this age. Empty disables
	// the prune job.
	PruneAfter string `json:"prune_after,omitempty"`
}

// RateLimitConfig is the governor policy. These are policy knobs, not code:
// operators adjust them here (hot-reloadable) to track provider changes.
type RateLimitConfig struct {
	HourlyCeiling int `json:"hourly_ceiling,omitempty"` // default 5000
	DailyCeiling  int `json:"daily_ceiling,omitempty"`  // default 35000
	// Costs maps action kind (create/update/delete) to point cost.
	Costs map[string]int `json:"costs,omitempty"` // default {create:3, update:2, delete:1}
}

// ContentConfig overrides the built-in message tables.
type ContentConfig struct {
	Greetings []string `json:"greetings,omitempty"`
	Emojis    []string `json:"emojis,omitempty"`
	Replies   []string `json:"replies,omitempty"`
	Langs     []string `json:"langs,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// MetricsConfig controls the optional Prometheus endpoint.
// Prefer binding to localhost.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:9178"
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./skybot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}
