package app

import (
	"fmt"
	"strings"
	"time"

	"notifyd/internal/bot"
	"notifyd/internal/config"
	"notifyd/internal/delayq"
	"notifyd/internal/httpapi"
	"notifyd/internal/registry"
	"notifyd/internal/storage"
	"notifyd/pkg/logx"
)

func mapLoggingConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Format:  c.Format,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}

type gatewaySettings struct {
	registry.Config
	Secret string
	Leeway time.Duration
}

func mapGatewayConfig(cfg *config.Config) (gatewaySettings, bool, error) {
	if cfg == nil || cfg.Gateway == nil {
		return gatewaySettings{}, false, nil
	}
	g := cfg.Gateway
	probe, err := config.ParseDurationField("gateway.probe_interval", g.ProbeInterval)
	if err != nil {
		return gatewaySettings{}, false, err
	}
	writeWait, err := config.ParseDurationField("gateway.write_wait", g.WriteWait)
	if err != nil {
		return gatewaySettings{}, false, err
	}
	leeway, err := config.ParseDurationField("gateway.token_leeway", g.TokenLeeway)
	if err != nil {
		return gatewaySettings{}, false, err
	}
	secret := strings.TrimSpace(g.Secret)
	if secret == "" {
		return gatewaySettings{}, false, fmt.Errorf("gateway.secret is required (or set SECRET_KEY)")
	}
	return gatewaySettings{
		Config: registry.Config{
			Addr:            strings.TrimSpace(g.Addr),
			Path:            strings.TrimSpace(g.Path),
			CertFile:        strings.TrimSpace(g.CertFile),
			KeyFile:         strings.TrimSpace(g.KeyFile),
			ProbeInterval:   probe,
			SendBuffer:      g.SendBuffer,
			WriteWait:       writeWait,
			MaxMessageBytes: g.MaxMessageBytes,
			AllowedOrigins:  g.AllowedOrigins,
		},
		Secret: secret,
		Leeway: leeway,
	}, true, nil
}

type queueSettings struct {
	delayq.RedisConfig
	Memory bool
}

func mapQueueConfig(cfg *config.Config) (queueSettings, bool, error) {
	if cfg == nil || cfg.Queue == nil {
		return queueSettings{}, false, nil
	}
	q := cfg.Queue
	var memory bool
	switch strings.ToLower(strings.TrimSpace(q.Driver)) {
	case "", "redis":
	case "memory":
		memory = true
	default:
		return queueSettings{}, false, fmt.Errorf("unknown queue.driver: %s", q.Driver)
	}

	var s delayq.Settings
	for _, f := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"queue.backoff", q.Backoff, &s.Backoff},
		{"queue.max_backoff", q.MaxBackoff, &s.MaxBackoff},
		{"queue.poll_interval", q.PollInterval, &s.PollInterval},
		{"queue.lease_ttl", q.LeaseTTL, &s.LeaseTTL},
		{"queue.keep_failed", q.KeepFailed, &s.KeepFailed},
		{"queue.keep_completed", q.KeepCompleted, &s.KeepCompleted},
	} {
		d, err := config.ParseDurationField(f.key, f.raw)
		if err != nil {
			return queueSettings{}, false, err
		}
		*f.dst = d
	}
	s.Workers = q.Workers
	s.Attempts = q.Attempts

	return queueSettings{
		RedisConfig: delayq.RedisConfig{
			Addr:     strings.TrimSpace(q.Addr),
			Password: q.Password,
			DB:       q.DB,
			Name:     strings.TrimSpace(q.Name),
			Prefix:   strings.TrimSpace(q.Prefix),
			Settings: s,
		},
		Memory: memory,
	}, true, nil
}

type telegramSettings struct {
	bot.TelegramConfig
	RatePerSec float64
	Burst      int
	Escape     bool
}

// mapTelegramConfig reports false when the section is absent or has no
// token: the bot stays uninitialized.
func mapTelegramConfig(cfg *config.Config) (telegramSettings, bool, error) {
	if cfg == nil || cfg.Telegram == nil || strings.TrimSpace(cfg.Telegram.Token) == "" {
		return telegramSettings{}, false, nil
	}
	t := cfg.Telegram
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", t.PollTimeout, 10*time.Second)
	if err != nil {
		return telegramSettings{}, false, err
	}
	rps := t.RatePerSec
	switch {
	case rps == 0:
		rps = bot.DefaultRatePerSec
	case rps < 0:
		rps = 0
	}
	return telegramSettings{
		TelegramConfig: bot.TelegramConfig{
			Token:       strings.TrimSpace(t.Token),
			URL:         strings.TrimSpace(t.APIURL),
			Poll:        t.Poll,
			PollTimeout: poll,
		},
		RatePerSec: rps,
		Burst:      max(t.Burst, 1),
		Escape:     t.EscapeText,
	}, true, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	if cfg == nil {
		return httpapi.Config{}, nil
	}
	h := cfg.HTTP
	read, err := config.ParseDurationField("http.read_timeout", h.ReadTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.ParseDurationField("http.write_timeout", h.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.ParseDurationField("http.idle_timeout", h.IdleTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Enabled:       h.Enabled,
		Addr:          strings.TrimSpace(h.Addr),
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
		MaxBodyBytes:  h.MaxBodyBytes,
		RatePerSec:    h.RatePerSec,
		Burst:         h.Burst,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, storage.JournalConfig, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, storage.JournalConfig{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, storage.JournalConfig{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, storage.JournalConfig{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, storage.JournalConfig{}, false, err
	}
	keep, err := config.ParseDurationField("storage.retention", sc.Retention)
	if err != nil {
		return storage.Config{}, storage.JournalConfig{}, false, err
	}
	switch driver {
	case "file", "sqlite", "sqlite3":
	default:
		return storage.Config{}, storage.JournalConfig{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy},
		storage.JournalConfig{Retention: keep, PruneSpec: strings.TrimSpace(sc.PruneSpec), Timezone: strings.TrimSpace(sc.Timezone)},
		true, nil
}
