package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks every section that is present. It does not touch the
// network or the filesystem.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	durations := func(fields map[string]string) {
		for path, raw := range fields {
			_, err := ParseDurationField(path, raw)
			add(err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "console", "json":
	default:
		add(fmt.Errorf("logging.format: unknown %q", c.Logging.Format))
	}

	if g := c.Gateway; g != nil {
		if strings.TrimSpace(g.Secret) == "" {
			add(errors.New("gateway.secret is required (or set SECRET_KEY)"))
		}
		if (strings.TrimSpace(g.CertFile) == "") != (strings.TrimSpace(g.KeyFile) == "") {
			add(errors.New("gateway.cert_file and gateway.key_file must be set together"))
		}
		if p := strings.TrimSpace(g.Path); p != "" && !strings.HasPrefix(p, "/") {
			add(fmt.Errorf("gateway.path must start with /: %q", g.Path))
		}
		if g.SendBuffer < 0 {
			add(errors.New("gateway.send_buffer must be >= 0"))
		}
		if g.MaxMessageBytes < 0 {
			add(errors.New("gateway.max_message_bytes must be >= 0"))
		}
		durations(map[string]string{
			"gateway.probe_interval": g.ProbeInterval,
			"gateway.write_wait":     g.WriteWait,
			"gateway.token_leeway":   g.TokenLeeway,
		})
	}

	if q := c.Queue; q != nil {
		switch strings.ToLower(strings.TrimSpace(q.Driver)) {
		case "", "redis", "memory":
		default:
			add(fmt.Errorf("queue.driver: unknown %q", q.Driver))
		}
		if q.Workers < 0 {
			add(errors.New("queue.workers must be >= 0"))
		}
		if q.Attempts < 0 {
			add(errors.New("queue.attempts must be >= 0"))
		}
		if q.DB < 0 {
			add(errors.New("queue.db must be >= 0"))
		}
		durations(map[string]string{
			"queue.backoff":        q.Backoff,
			"queue.max_backoff":    q.MaxBackoff,
			"queue.poll_interval":  q.PollInterval,
			"queue.lease_ttl":      q.LeaseTTL,
			"queue.keep_failed":    q.KeepFailed,
			"queue.keep_completed": q.KeepCompleted,
		})
	}

	if t := c.Telegram; t != nil {
		if t.Burst < 0 {
			add(errors.New("telegram.burst must be >= 0"))
		}
		durations(map[string]string{"telegram.poll_timeout": t.PollTimeout})
	}

	h := c.HTTP
	if h.MaxBodyBytes < 0 {
		add(errors.New("http.max_body_bytes must be >= 0"))
	}
	if h.RatePerSec < 0 {
		add(errors.New("http.rate_per_sec must be >= 0"))
	}
	if h.Burst < 0 {
		add(errors.New("http.burst must be >= 0"))
	}
	durations(map[string]string{
		"http.read_timeout":  h.ReadTimeout,
		"http.write_timeout": h.WriteTimeout,
		"http.idle_timeout":  h.IdleTimeout,
	})

	if s := c.Storage; s != nil {
		driver := strings.ToLower(strings.TrimSpace(s.Driver))
		switch driver {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add(fmt.Errorf("storage.path is required when storage.driver=%s", driver))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown %q", s.Driver))
		}
		durations(map[string]string{
			"storage.busy_timeout": s.BusyTimeout,
			"storage.retention":    s.Retention,
		})
		if tz := strings.TrimSpace(s.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				add(fmt.Errorf("storage.timezone: invalid %q: %w", tz, err))
			}
		}
	}

	return errors.Join(errs...)
}

// ParseDurationField parses a non-negative Go duration. Empty means 0.
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

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
