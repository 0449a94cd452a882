// Package dispatch is the single entry point producers use to send
// notifications. Each delivery channel is optional and initialized
// separately; operations that need a missing channel fail with
// notify.ErrNotInitialized.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"notifyd/internal/deferred"
	"notifyd/internal/delayq"
	"notifyd/internal/metrics"
	"notifyd/internal/notify"
	"notifyd/pkg/logx"
)

// Fanout is the connection registry as the dispatcher sees it.
type Fanout interface {
	Send(env notify.Immediate) notify.FanoutReport
	Shutdown(ctx context.Context) error
}

// Broadcaster is the bot channel as the dispatcher sees it.
type Broadcaster interface {
	SendToAll(ctx context.Context, targets []string, msg string) notify.BotReport
	Close(ctx context.Context) error
}

// Capabilities reports which channels are initialized.
type Capabilities struct {
	Registry bool `json:"registry"`
	Queue    bool `json:"queue"`
	Bot      bool `json:"bot"`
}

type Dispatcher struct {
	log     logx.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	registry Fanout
	queue    delayq.Queue
	sched    *deferred.Service
	bot      Broadcaster
}

type Option func(*Dispatcher)

func WithLogger(log logx.Logger) Option { return func(d *Dispatcher) { d.log = log } }
func WithMetrics(m *metrics.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{}
	for _, o := range opts {
		o(d)
	}
	d.log = d.log.With(logx.String("comp", "dispatch"))
	return d
}

func (d *Dispatcher) InitRegistry(r Fanout) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registry = r
	d.log.Info("registry initialized")
}

// InitQueue attaches q and starts consuming it. Fired jobs are delivered
// through Deliver.
func (d *Dispatcher) InitQueue(ctx context.Context, q delayq.Queue) error {
	sched := deferred.New(q, d, deferred.WithLogger(d.log), deferred.WithMetrics(d.metrics))
	if err := sched.Start(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.queue, d.sched = q, sched
	d.mu.Unlock()
	d.log.Info("queue initialized")
	return nil
}

func (d *Dispatcher) InitBot(b Broadcaster) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bot = b
	d.log.Info("bot initialized")
}

func (d *Dispatcher) Capabilities() Capabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Capabilities{Registry: d.registry != nil, Queue: d.sched != nil, Bot: d.bot != nil}
}

func (d *Dispatcher) snapshot() (Fanout, *deferred.Service, Broadcaster) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.registry, d.sched, d.bot
}

func checkReceivers(env notify.Immediate) error {
	if env.Receivers != nil && len(env.Receivers) == 0 {
		return notify.ErrEmptyReceivers
	}
	return nil
}

// SendImmediate delivers env now. Receivers that are absent match nobody; a
// present but empty list is rejected.
func (d *Dispatcher) SendImmediate(ctx context.Context, env notify.Immediate) (notify.Report, error) {
	if r, _, _ := d.snapshot(); r == nil {
		return notify.Report{}, &notify.NotInitializedError{Channel: notify.ChannelRegistry}
	}
	if err := checkReceivers(env); err != nil {
		return notify.Report{}, err
	}
	return d.Deliver(ctx, env), nil
}

// SendBulkImmediate delivers each envelope in order. It stops at the first
// invalid envelope and returns the reports of those already delivered.
func (d *Dispatcher) SendBulkImmediate(ctx context.Context, envs []notify.Immediate) ([]notify.Report, error) {
	if r, _, _ := d.snapshot(); r == nil {
		return nil, &notify.NotInitializedError{Channel: notify.ChannelRegistry}
	}
	if len(envs) == 0 {
		return nil, notify.ErrEmptyBatch
	}
	reps := make([]notify.Report, 0, len(envs))
	for _, env := range envs {
		if err := checkReceivers(env); err != nil {
			return reps, err
		}
		reps = append(reps, d.Deliver(ctx, env))
	}
	return reps, nil
}

// SendDelayed schedules req and returns its job id.
func (d *Dispatcher) SendDelayed(ctx context.Context, req notify.Delayed) (string, error) {
	_, sched, _ := d.snapshot()
	if sched == nil {
		return "", &notify.NotInitializedError{Channel: notify.ChannelQueue}
	}
	return sched.ScheduleOne(ctx, req)
}

// SendBulkDelayed schedules every request with the same delay.
func (d *Dispatcher) SendBulkDelayed(ctx context.Context, reqs []notify.Delayed, delay time.Duration) ([]string, error) {
	_, sched, _ := d.snapshot()
	if sched == nil {
		return nil, &notify.NotInitializedError{Channel: notify.ChannelQueue}
	}
	return sched.ScheduleBulk(ctx, reqs, delay)
}

func (d *Dispatcher) SendTelegram(ctx context.Context, p notify.TelegramParams) (notify.BotReport, error) {
	_, _, b := d.snapshot()
	if b == nil {
		return notify.BotReport{}, &notify.NotInitializedError{Channel: notify.ChannelBot}
	}
	return b.SendToAll(ctx, p.Receivers, p.Message), nil
}

// Deliver pushes env to the registry and, when it carries Telegram
// parameters, to the bot. The two channels are attempted independently.
// Immediate sends and fired jobs both end up here.
func (d *Dispatcher) Deliver(ctx context.Context, env notify.Immediate) notify.Report {
	r, _, b := d.snapshot()
	var rep notify.Report
	if r != nil {
		rep.Fanout = r.Send(env)
	} else {
		d.log.Info("registry not initialized; skipping fan-out", logx.String("key", env.Type))
	}
	if env.Telegram != nil {
		if b != nil {
			br := b.SendToAll(ctx, env.Telegram.Receivers, env.Telegram.Message)
			rep.Bot = &br
		} else {
			d.log.Info("telegram bot is not initialized", logx.Int("targets", len(env.Telegram.Receivers)))
			rep.Bot = &notify.BotReport{Skipped: true}
		}
	}
	return rep
}

// Shutdown releases the queue, then the registry, then the bot. Channels
// that were never initialized are skipped. Every error is reported.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	r, q, b := d.registry, d.queue, d.bot
	d.registry, d.queue, d.sched, d.bot = nil, nil, nil, nil
	d.mu.Unlock()

	var errs []error
	if q != nil {
		if err := q.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if r != nil {
		if err := r.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if b != nil {
		if err := b.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		d.log.Warn("dispatcher shutdown", logx.Err(err))
	} else {
		d.log.Info("dispatcher shut down")
	}
	return err
}
