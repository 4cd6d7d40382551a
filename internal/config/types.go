package config

// Config is the full on-disk configuration.
//
// All durations are Go duration strings (e.g. "500ms", "30s", "2m").
// Empty duration fields fall back to the defaults documented per field.
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	// VK controls the remote API client (token, rate limit, retries, cache).
	VK VKConfig `json:"vk"`

	// Scheduler controls the scan loop and job dispatch.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Ingest controls the drop-directory file watcher.
	Ingest IngestConfig `json:"ingest,omitempty"`

	// Telegram controls the optional Telegram notification sink.
	Telegram TelegramConfig `json:"telegram,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console *bool         `json:"console,omitempty"`
	File    LogFileConfig `json:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	// Path is the sqlite database file. Required.
	Path string `json:"path"`
	// BusyTimeout is a Go duration string; 0 means the driver default.
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// VKConfig controls the rate-limited VK API client.
//
// Defaults (when fields are omitted/zero):
//   - rate_per_sec: 3
//   - retry_max: 3
//   - cache_ttl: "1h"
//   - http_timeout: "15s"
type VKConfig struct {
	Token       string `json:"token"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	RetryMax    int    `json:"retry_max,omitempty"`
	CacheTTL    string `json:"cache_ttl,omitempty"`
	HTTPTimeout string `json:"http_timeout,omitempty"`
}

// SchedulerConfig controls the scan loop.
//
// Defaults:
//   - scan_interval: "30s"
//   - tick: "5s"
//   - workers: 4
//   - queue_size: 64
//   - min_delay: "2m" (past-correction floor for offset policies)
//   - stale_after: "30m" (running jobs older than this are recovered)
//   - default_policy: "standard"
type SchedulerConfig struct {
	ScanInterval  string `json:"scan_interval,omitempty"`
	Tick          string `json:"tick,omitempty"`
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	MinDelay      string `json:"min_delay,omitempty"`
	StaleAfter    string `json:"stale_after,omitempty"`
	DefaultPolicy string `json:"default_policy,omitempty"`
}

type IngestConfig struct {
	Enabled bool `json:"enabled,omitempty"`
	// Dir is watched for new link files; each file becomes one batch.
	Dir string `json:"dir,omitempty"`
}

type TelegramConfig struct {
	Enabled    bool   `json:"enabled,omitempty"`
	Token      string `json:"token,omitempty"`
	ChatID     int64  `json:"chat_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}
