package registry

import (
	"errors"
	"sync/atomic"
	"time"

	"notifyd/internal/notify"
)

var (
	ErrConnClosed = errors.New("registry: connection closed")
	ErrBufferFull = errors.New("registry: send buffer full")
	ErrClosed     = errors.New("registry: shut down")
)

// Close codes used by the registry besides notify.ClosePolicyViolation.
const (
	CloseGoingAway = 1001
)

// Transport is the raw connection underneath a record.
//
// Send must not block: it enqueues a frame or fails. Close sends a close
// frame with code and reason and releases the connection; Terminate releases
// it without a handshake. Both are idempotent.
type Transport interface {
	Send(frame []byte) error
	Ping() error
	Close(code int, reason string) error
	Terminate()
}

// Conn is one authenticated receiver connection.
type Conn struct {
	id        string
	receiver  notify.ReceiverID
	telegram  string
	admitted  time.Time
	transport Transport
	alive     atomic.Bool
}

func (c *Conn) ID() string { return c.id }
func (c *Conn) Receiver() notify.ReceiverID { return c.receiver }

// Telegram is the bot chat linked through the handshake token, if any.
func (c *Conn) Telegram() string { return c.telegram }
func (c *Conn) Admitted() time.Time { return c.admitted }
func (c *Conn) Alive() bool { return c.alive.Load() }

// MarkAlive records a probe answer.
func (c *Conn) MarkAlive() { c.alive.Store(true) }
