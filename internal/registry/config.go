package registry

import (
	"strings"
	"time"
)

// Config controls the gateway listener and connection limits.
type Config struct {
	Addr string
	// Path the WebSocket endpoint is mounted on. Default "/".
	Path string

	// CertFile/KeyFile switch the listener to TLS when both are set.
	CertFile string
	KeyFile  string

	ProbeInterval   time.Duration
	SendBuffer      int
	WriteWait       time.Duration
	MaxMessageBytes int64
	// AllowedOrigins restricts browser origins. Empty allows any.
	AllowedOrigins []string
}

func (c Config) TLS() bool {
	return strings.TrimSpace(c.CertFile) != "" && strings.TrimSpace(c.KeyFile) != ""
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = ":4461"
	}
	if strings.TrimSpace(c.Path) == "" {
		c.Path = "/"
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	if c.WriteWait <= 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessage
	}
	return c
}
