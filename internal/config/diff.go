package config

import (
	"reflect"
	"strings"

	"notifyd/pkg/logx"
)

// Reloadable lists the sections applied without a restart.
var Reloadable = map[string]bool{"logging": true, "http": true}

// SummarizeConfigChange returns the changed section names and safe
// structured attrs for logging. Secrets are reported only as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Gateway, newCfg.Gateway) {
		changed = append(changed, "gateway")
		if g := newCfg.Gateway; g != nil {
			attrs = append(attrs,
				logx.String("gateway.addr", strings.TrimSpace(g.Addr)),
				logx.Bool("gateway.secret_set", strings.TrimSpace(g.Secret) != ""),
				logx.Bool("gateway.tls", strings.TrimSpace(g.CertFile) != ""),
			)
		} else {
			attrs = append(attrs, logx.Bool("gateway.enabled", false))
		}
	}

	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, "queue")
		if q := newCfg.Queue; q != nil {
			attrs = append(attrs,
				logx.String("queue.driver", strings.TrimSpace(q.Driver)),
				logx.String("queue.name", strings.TrimSpace(q.Name)),
				logx.Int("queue.workers", q.Workers),
			)
		} else {
			attrs = append(attrs, logx.Bool("queue.enabled", false))
		}
	}

	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		if t := newCfg.Telegram; t != nil {
			attrs = append(attrs,
				logx.Bool("telegram.token_set", strings.TrimSpace(t.Token) != ""),
				logx.Bool("telegram.poll", t.Poll),
			)
		} else {
			attrs = append(attrs, logx.Bool("telegram.enabled", false))
		}
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if s := newCfg.Storage; s != nil {
			attrs = append(attrs,
				logx.String("storage.driver", strings.TrimSpace(s.Driver)),
				logx.String("storage.retention", strings.TrimSpace(s.Retention)),
			)
		}
	}

	return changed, attrs
}
