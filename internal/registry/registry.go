// Package registry tracks authenticated receiver connections, probes their
// liveness, and fans notifications out to the ones a receiver set names.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"notifyd/internal/auth"
	"notifyd/internal/eventbus"
	"notifyd/internal/metrics"
	"notifyd/internal/notify"
	"notifyd/internal/runtime/supervisor"
	"notifyd/pkg/logx"
)

const (
	DefaultProbeInterval = 30 * time.Second
	DefaultSendBuffer    = 64
	DefaultWriteWait     = 10 * time.Second
	DefaultMaxMessage    = 64 << 10
)

// Handshake is the token material a connection presented. Provided is false
// when the request carried no handshake parameter at all.
type Handshake struct {
	Provided bool
	Token    string
}

// Registry owns the set of live connections. The zero value is not usable;
// call New.
type Registry struct {
	cfg      Config
	log      logx.Logger
	verifier auth.Verifier
	bus      eventbus.Bus
	metrics  *metrics.Metrics
	now      func() time.Time

	mu     sync.RWMutex
	conns  map[*Conn]struct{}
	closed bool

	lifeMu sync.Mutex
	sup    *supervisor.Supervisor
	server *server
}

type Option func(*Registry)

func WithLogger(log logx.Logger) Option { return func(r *Registry) { r.log = log } }
func WithBus(bus eventbus.Bus) Option { return func(r *Registry) { r.bus = bus } }
func WithMetrics(m *metrics.Metrics) Option { return func(r *Registry) { r.metrics = m } }
func withClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

func New(cfg Config, verifier auth.Verifier, opts ...Option) *Registry {
	cfg = cfg.withDefaults()
	r := &Registry{
		cfg:      cfg,
		verifier: verifier,
		bus:      eventbus.Nop{},
		now:      time.Now,
		conns:    map[*Conn]struct{}{},
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.With(logx.String("comp", "registry"))
	return r
}

// Authenticate is the only admission path. On failure the transport is closed
// with a policy-violation code and no record is created.
func (r *Registry) Authenticate(ctx context.Context, hs Handshake, t Transport) (*Conn, error) {
	if r.isClosed() {
		_ = t.Close(CloseGoingAway, "server shutting down")
		return nil, ErrClosed
	}

	claims, aerr := r.verify(ctx, hs)
	if aerr != nil {
		_ = t.Close(notify.ClosePolicyViolation, aerr.CloseText())
		r.metrics.ConnRejected(aerr.Reason)
		r.bus.Publish(eventbus.Event{Type: eventbus.TopicConnRejected, Data: eventbus.ConnEvent{Reason: aerr.Reason}})
		r.log.Debug("handshake rejected", logx.String("reason", aerr.Reason), logx.Err(aerr.Err))
		return nil, aerr
	}

	c := &Conn{
		id:        uuid.NewString(),
		receiver:  claims.Receiver,
		telegram:  claims.Telegram,
		admitted:  r.now(),
		transport: t,
	}
	c.alive.Store(true)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = t.Close(CloseGoingAway, "server shutting down")
		return nil, ErrClosed
	}
	r.conns[c] = struct{}{}
	n := len(r.conns)
	r.mu.Unlock()

	r.metrics.ConnAdmitted()
	r.metrics.SetLive(n)
	r.bus.Publish(eventbus.Event{Type: eventbus.TopicConnAdmitted, Data: eventbus.ConnEvent{ConnID: c.id, Receiver: c.receiver.String()}})
	r.log.Info("connection admitted", logx.String("conn", c.id), logx.String("receiver", c.receiver.String()), logx.Int("live", n))

	if b, err := json.Marshal(notify.Welcome{Message: notify.WelcomeText}); err == nil {
		if err := t.Send(b); err != nil {
			r.log.Warn("welcome not sent", logx.String("conn", c.id), logx.Err(err))
		}
	}
	return c, nil
}

func (r *Registry) verify(ctx context.Context, hs Handshake) (auth.Claims, *notify.AuthError) {
	if !hs.Provided {
		return auth.Claims{}, &notify.AuthError{Reason: notify.ReasonNoHandshake}
	}
	if hs.Token == "" {
		return auth.Claims{}, &notify.AuthError{Reason: notify.ReasonTokenMissing}
	}
	if r.verifier == nil {
		return auth.Claims{}, &notify.AuthError{Reason: notify.ReasonTokenInvalid, Err: auth.ErrNoSecret}
	}
	claims, err := r.verifier.Verify(ctx, hs.Token)
	if err != nil {
		return auth.Claims{}, &notify.AuthError{Reason: notify.ReasonTokenInvalid, Err: err}
	}
	if claims.Receiver == "" {
		return auth.Claims{}, &notify.AuthError{Reason: notify.ReasonTokenInvalid, Err: auth.ErrMissingID}
	}
	return claims, nil
}

// Remove drops c from the registry. Calling it again is a no-op.
func (r *Registry) Remove(c *Conn) bool {
	return r.remove(c, "closed")
}

func (r *Registry) remove(c *Conn, reason string) bool {
	if c == nil {
		return false
	}
	r.mu.Lock()
	_, ok := r.conns[c]
	delete(r.conns, c)
	n := len(r.conns)
	r.mu.Unlock()
	if !ok {
		return false
	}
	c.alive.Store(false)
	r.metrics.SetLive(n)
	r.bus.Publish(eventbus.Event{Type: eventbus.TopicConnRemoved, Data: eventbus.ConnEvent{ConnID: c.id, Receiver: c.receiver.String(), Reason: reason}})
	r.log.Debug("connection removed", logx.String("conn", c.id), logx.String("reason", reason), logx.Int("live", n))
	return true
}

// Send writes env to every tracked connection whose receiver is in
// env.Receivers. It never blocks on a slow connection and never stops early:
// each failing connection is reported and the rest still get the frame.
func (r *Registry) Send(env notify.Immediate) notify.FanoutReport {
	var rep notify.FanoutReport
	wanted := notify.UniqueReceivers(env.Receivers)
	if len(wanted) == 0 {
		return rep
	}
	set := make(map[notify.ReceiverID]struct{}, len(wanted))
	for _, id := range wanted {
		set[id] = struct{}{}
	}

	r.mu.RLock()
	matched := make([]*Conn, 0, len(wanted))
	for c := range r.conns {
		if _, ok := set[c.receiver]; ok {
			matched = append(matched, c)
		}
	}
	r.mu.RUnlock()

	rep.Matched = len(matched)
	if len(matched) == 0 {
		return rep
	}

	frame, err := json.Marshal(env.Wire())
	if err != nil {
		for _, c := range matched {
			rep.Failures = append(rep.Failures, notify.NewFailure(notify.ChannelRegistry, c.id, err))
		}
		r.metrics.Fanout(0, len(matched))
		return rep
	}

	for _, c := range matched {
		if err := c.transport.Send(frame); err != nil {
			rep.Failures = append(rep.Failures, notify.NewFailure(notify.ChannelRegistry, c.id, err))
			if errors.Is(err, ErrConnClosed) {
				r.remove(c, "write failed")
			}
			continue
		}
		rep.Delivered++
	}

	r.metrics.Fanout(rep.Delivered, len(rep.Failures))
	r.bus.Publish(eventbus.Event{Type: eventbus.TopicFanout, Data: rep})
	if len(rep.Failures) > 0 {
		r.log.Warn("fan-out partially failed", logx.String("key", env.Type), logx.Int("matched", rep.Matched), logx.Int("failed", len(rep.Failures)))
	}
	return rep
}

// sweep is one probe cycle. A connection that did not answer the previous
// ping is terminated; every other one is marked pending and pinged again.
func (r *Registry) sweep() (evicted int) {
	r.mu.RLock()
	snapshot := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		snapshot = append(snapshot, c)
	}
	r.mu.RUnlock()

	for _, c := range snapshot {
		if !c.alive.Load() {
			c.transport.Terminate()
			if r.remove(c, "probe timeout") {
				evicted++
				r.metrics.ConnEvicted()
				r.bus.Publish(eventbus.Event{Type: eventbus.TopicConnEvicted, Data: eventbus.ConnEvent{ConnID: c.id, Receiver: c.receiver.String()}})
			}
			continue
		}
		c.alive.Store(false)
		if err := c.transport.Ping(); err != nil {
			c.transport.Terminate()
			r.remove(c, "ping failed")
		}
	}
	if evicted > 0 {
		r.log.Info("evicted unresponsive connections", logx.Int("count", evicted))
	}
	return evicted
}

func (r *Registry) probeLoop(ctx context.Context) {
	t := time.NewTicker(r.cfg.ProbeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.sweep()
		}
	}
}

// Len returns the number of tracked connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Conns returns a snapshot of tracked connections for receiver, or all of
// them when receiver is empty.
func (r *Registry) Conns(receiver notify.ReceiverID) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		if receiver == "" || c.receiver == receiver {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Start binds the listener and starts the probe loop. It returns once the
// listener is bound.
func (r *Registry) Start(ctx context.Context) error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if r.sup != nil {
		return nil
	}
	if r.isClosed() {
		return ErrClosed
	}

	sup := supervisor.New(ctx, supervisor.WithLogger(r.log))
	srv, err := listen(r.cfg, r.Handler(), r.log)
	if err != nil {
		sup.Cancel()
		return err
	}
	r.sup = sup
	r.server = srv
	sup.Go("registry.http", srv.serve)
	sup.Go0("registry.probe", r.probeLoop)
	r.log.Info("gateway listening", logx.String("addr", srv.addr()), logx.Bool("tls", r.cfg.TLS()))
	return nil
}

// StartProbe runs only the probe loop, for registries mounted on an external
// HTTP server via Handler.
func (r *Registry) StartProbe(ctx context.Context) {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if r.sup != nil {
		return
	}
	r.sup = supervisor.New(ctx, supervisor.WithLogger(r.log))
	r.sup.Go0("registry.probe", r.probeLoop)
}

// Addr is the bound listener address, empty before Start.
func (r *Registry) Addr() string {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if r.server == nil {
		return ""
	}
	return r.server.addr()
}

// Shutdown stops probing, closes the listener and every tracked connection.
// Authenticate calls racing with Shutdown either land before the final sweep
// or are refused with ErrClosed.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conns := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = map[*Conn]struct{}{}
	r.mu.Unlock()

	r.lifeMu.Lock()
	sup, srv := r.sup, r.server
	r.lifeMu.Unlock()

	var errs []error
	if sup != nil {
		sup.Cancel()
	}
	if srv != nil {
		if err := srv.shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range conns {
		_ = c.transport.Close(CloseGoingAway, "server shutting down")
		c.alive.Store(false)
	}
	r.metrics.SetLive(0)
	if sup != nil {
		if err := sup.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.log.Info("gateway stopped", logx.Int("closed", len(conns)))
	return errors.Join(errs...)
}
