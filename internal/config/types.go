package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. Files may be JSON or YAML; unknown
// fields are rejected so typos surface at startup instead of silently
// disabling features.
type Config struct {
	Server  ServerConfig  `json:"server"`
	GitLab  GitLabConfig  `json:"gitlab"`
	Alerts  AlertsConfig  `json:"alerts,omitempty"`
	Poller  PollerConfig  `json:"poller,omitempty"`
	Logging LoggingConfig `json:"logging,omitempty"`
	Storage StorageConfig `json:"storage"`
}

type ServerConfig struct {
	Address string `json:"address,omitempty"`

	// WebhookSecret, when set, must match the X-Gitlab-Token header on
	// inbound webhooks. Empty disables the check.
	WebhookSecret string `json:"webhook_secret,omitempty"`
}

type GitLabConfig struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token,omitempty"`

	Throttle ThrottleConfig `json:"throttle,omitempty"`
}

// ThrottleConfig bounds outbound GitLab API calls: at most MaxRequests
// started within any trailing Window. All durations are Go duration
// strings (e.g. "500ms", "10s", "1m").
type ThrottleConfig struct {
	MaxRequests int    `json:"max_requests,omitempty"`
	Window      string `json:"window,omitempty"`
	RetryAfter  string `json:"retry_after,omitempty"`
}

type AlertsConfig struct {
	// CacheTTL is how long rule/channel reads are served from cache.
	CacheTTL   string `json:"cache_ttl,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`

	// TelegramAPIURL overrides the Telegram Bot API endpoint.
	// Leave empty for the public API.
	TelegramAPIURL string `json:"telegram_api_url,omitempty"`
}

type PollerConfig struct {
	Enabled  bool    `json:"enabled"`
	Schedule string  `json:"schedule,omitempty"`
	Projects []int64 `json:"projects,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"`
	Console *bool      `json:"console,omitempty"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// Validate checks cross-field constraints that the strict decoder
// cannot express.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.GitLab.BaseURL) == "" {
		return errors.New("gitlab.base_url is required")
	}
	if c.GitLab.Throttle.MaxRequests < 0 {
		return errors.New("gitlab.throttle.max_requests must be >= 0")
	}
	for _, f := range []struct{ path, raw string }{
		{"gitlab.throttle.window", c.GitLab.Throttle.Window},
		{"gitlab.throttle.retry_after", c.GitLab.Throttle.RetryAfter},
		{"alerts.cache_ttl", c.Alerts.CacheTTL},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.Poller.Enabled && strings.TrimSpace(c.Poller.Schedule) == "" {
		return errors.New("poller.schedule is required when poller is enabled")
	}
	return nil
}

func (c ServerConfig) ListenAddress() string {
	if strings.TrimSpace(c.Address) == "" {
		return "127.0.0.1:8080"
	}
	return c.Address
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
