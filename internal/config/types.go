package config

import (
	"os"
	"strings"
)

// Config is the on-disk configuration. A nil section pointer means the
// sub-system stays uninitialized.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging  LoggingConfig   `json:"logging"`
	Gateway  *GatewayConfig  `json:"gateway,omitempty"`
	Queue    *QueueConfig    `json:"queue,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
	HTTP     HTTPConfig      `json:"http"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
}

type LoggingConfig struct {
	Level string `json:"level"`
	// Format is "console" (default) or "json".
	Format  string      `json:"format,omitempty"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// GatewayConfig controls the WebSocket registry listener.
//
// Example:
//
//	"gateway": { "addr": ":4461", "secret": "...", "probe_interval": "30s" }
type GatewayConfig struct {
	Addr string `json:"addr,omitempty"` // default ":4461"
	Path string `json:"path,omitempty"` // default "/"
	// Secret is the HMAC key clients' tokens are signed with (do not log).
	// Falls back to SECRET_KEY.
	Secret string `json:"secret,omitempty"`
	// CertFile/KeyFile enable TLS. Fall back to PRIV_CERT/PRIV_KEY.
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`

	ProbeInterval   string   `json:"probe_interval,omitempty"`
	WriteWait       string   `json:"write_wait,omitempty"`
	SendBuffer      int      `json:"send_buffer,omitempty"`
	MaxMessageBytes int64    `json:"max_message_bytes,omitempty"`
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`
	TokenLeeway     string   `json:"token_leeway,omitempty"`
}

// QueueConfig controls the delayed job queue.
//
// Defaults (when fields are omitted/zero):
//   - driver: "redis"
//   - addr: "localhost:6379" (or REDIS_ADDR)
//   - name: "defaultQueueName"
//   - workers: 1, attempts: 3, backoff: "1s", max_backoff: "30s"
type QueueConfig struct {
	Driver   string `json:"driver,omitempty"` // "redis" or "memory"
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Name     string `json:"name,omitempty"`
	Prefix   string `json:"prefix,omitempty"`

	Workers       int    `json:"workers,omitempty"`
	Attempts      int    `json:"attempts,omitempty"`
	Backoff       string `json:"backoff,omitempty"`
	MaxBackoff    string `json:"max_backoff,omitempty"`
	PollInterval  string `json:"poll_interval,omitempty"`
	LeaseTTL      string `json:"lease_ttl,omitempty"`
	KeepFailed    string `json:"keep_failed,omitempty"`
	KeepCompleted string `json:"keep_completed,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// APIURL overrides the Bot API endpoint.
	APIURL string `json:"api_url,omitempty"`
	// Poll answers /start with the caller's chat id.
	Poll        bool   `json:"poll,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	// RatePerSec caps outgoing messages. 0 uses the default, negative disables.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
	// EscapeText treats messages as plain text and escapes MarkdownV2
	// control characters before sending.
	EscapeText bool `json:"escape_text,omitempty"`
}

// HTTPConfig controls the producer API and ops endpoints.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:8461").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MaxBodyBytes int64   `json:"max_body_bytes,omitempty"`
	RatePerSec   float64 `json:"rate_per_sec,omitempty"`
	Burst        int     `json:"burst,omitempty"`
}

// StorageConfig controls the optional job journal.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./notifyd.db", "retention": "168h" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	Retention   string `json:"retention,omitempty"`
	PruneSpec   string `json:"prune_spec,omitempty"` // cron spec, default "@hourly"
	Timezone    string `json:"timezone,omitempty"`
}

// ApplyEnv fills secrets and endpoints left empty in the file from the
// process environment. A TELEGRAM_TOKEN with no telegram section creates one.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if c == nil {
		return
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	env := func(k string) string { return strings.TrimSpace(getenv(k)) }

	if g := c.Gateway; g != nil {
		if strings.TrimSpace(g.Secret) == "" {
			g.Secret = env("SECRET_KEY")
		}
		if strings.TrimSpace(g.KeyFile) == "" {
			g.KeyFile = env("PRIV_KEY")
		}
		if strings.TrimSpace(g.CertFile) == "" {
			g.CertFile = env("PRIV_CERT")
		}
	}
	if q := c.Queue; q != nil && strings.TrimSpace(q.Addr) == "" {
		q.Addr = env("REDIS_ADDR")
	}
	if tok := env("TELEGRAM_TOKEN"); tok != "" {
		if c.Telegram == nil {
			c.Telegram = &TelegramConfig{}
		}
		if strings.TrimSpace(c.Telegram.Token) == "" {
			c.Telegram.Token = tok
		}
	}
}
