package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the daemon configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Secrets (API keys, tokens) are read from the environment, not from this
// file; see the youtube/github sections.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Executor  ExecutorConfig  `json:"executor"`
	YouTube   YouTubeConfig   `json:"youtube"`
	GitHub    GitHubConfig    `json:"github"`
	HTTP      HTTPConfig      `json:"http,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig controls the SQLite database holding jobs, run state,
// reports and the dedup index.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // default "5s"
}

// SchedulerConfig controls the control loop.
//
// Defaults (when fields are omitted/zero):
//   - tick: "1m"
//   - catchup_grace: "30s" (delay before a new job's first catch-up run)
//   - report_retention: 50 (reports kept per job)
type SchedulerConfig struct {
	Enabled         bool   `json:"enabled"`
	Tick            string `json:"tick,omitempty"`
	CatchupGrace    string `json:"catchup_grace,omitempty"`
	ReportRetention int    `json:"report_retention,omitempty"`
}

// ExecutorConfig controls the rate-limited download stream.
//
// Defaults (when fields are omitted/zero):
//   - item_delay: "3s" (mandatory pause between fetches)
//   - max_attempts: 3 (per item)
//   - backoff_max: "1m" (ceiling for retry backoff)
//   - cooldown_factor: 10 (extended cooldown after the first rate-limit hit,
//     as a multiple of item_delay; applied once per run)
//   - fetch_timeout: "30s" (per network call)
type ExecutorConfig struct {
	ItemDelay      string `json:"item_delay,omitempty"`
	MaxAttempts    int    `json:"max_attempts,omitempty"`
	BackoffMax     string `json:"backoff_max,omitempty"`
	CooldownFactor int    `json:"cooldown_factor,omitempty"`
	FetchTimeout   string `json:"fetch_timeout,omitempty"`
}

// YouTubeConfig points the lister/fetcher at the upstream API.
// The API key comes from the YT_API_KEY environment variable.
type YouTubeConfig struct {
	BaseURL           string   `json:"base_url,omitempty"` // default: the public Data API v3 endpoint
	TranscriptBaseURL string   `json:"transcript_base_url,omitempty"`
	PageSize          int      `json:"page_size,omitempty"`
	Languages         []string `json:"languages,omitempty"` // caption language preference, default ["en"]
}

// GitHubConfig points the transcript archive at a repository.
// The token comes from the GITHUB_TOKEN environment variable.
type GitHubConfig struct {
	Owner   string `json:"owner"`
	Repo    string `json:"repo"`
	Branch  string `json:"branch,omitempty"` // default "main"
	BaseURL string `json:"base_url,omitempty"`
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:8484"
}

func Default() *Config {
	return &Config{
		Logging:   LoggingConfig{Level: "info", Console: true},
		Storage:   StorageConfig{Path: "./tubescribe.db"},
		Scheduler: SchedulerConfig{Enabled: true},
		HTTP:      HTTPConfig{Enabled: true},
	}
}

// Validate rejects configs the daemon cannot run with.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.GitHub.Owner != "" && strings.TrimSpace(c.GitHub.Repo) == "" {
		return fmt.Errorf("github.repo is required when github.owner is set")
	}
	fields := []struct {
		path string
		raw  string
	}{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"scheduler.tick", c.Scheduler.Tick},
		{"scheduler.catchup_grace", c.Scheduler.CatchupGrace},
		{"executor.item_delay", c.Executor.ItemDelay},
		{"executor.backoff_max", c.Executor.BackoffMax},
		{"executor.fetch_timeout", c.Executor.FetchTimeout},
	}
	for _, f := range fields {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
