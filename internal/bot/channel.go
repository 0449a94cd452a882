// Package bot delivers text notifications to chat-bot recipients.
package bot

import (
	"context"
	"strings"

	"golang.org/x/time/rate"

	"notifyd/internal/eventbus"
	"notifyd/internal/metrics"
	"notifyd/internal/notify"
	"notifyd/pkg/logx"
)

// Sender delivers one message to one chat. Implementations apply the
// MarkdownV2 parse mode.
type Sender interface {
	Send(ctx context.Context, chat, text string) error
}

// DefaultRatePerSec stays under Telegram's global bot limit.
const DefaultRatePerSec = 25

// Channel fans a message out to bot chats one at a time. A Channel without a
// sender is uninitialized and sends nothing.
type Channel struct {
	sender  Sender
	limiter *rate.Limiter
	escape  bool
	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics
}

type Option func(*Channel)

func WithLogger(log logx.Logger) Option { return func(c *Channel) { c.log = log } }
func WithBus(bus eventbus.Bus) Option { return func(c *Channel) { c.bus = bus } }
func WithMetrics(m *metrics.Metrics) Option { return func(c *Channel) { c.metrics = m } }

// WithEscape makes SendToAll treat messages as plain text.
func WithEscape(on bool) Option { return func(c *Channel) { c.escape = on } }

// WithRate limits sends per second; rps <= 0 disables limiting.
func WithRate(rps float64, burst int) Option {
	return func(c *Channel) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
}

func NewChannel(s Sender, opts ...Option) *Channel {
	c := &Channel{
		sender:  s,
		limiter: rate.NewLimiter(rate.Limit(DefaultRatePerSec), DefaultRatePerSec),
		bus:     eventbus.Nop{},
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With(logx.String("comp", "bot"))
	return c
}

func (c *Channel) Initialized() bool { return c != nil && c.sender != nil }

// SendToAll sends msg to every target in order. A failing target does not
// stop the rest; each failure is recorded in the report.
func (c *Channel) SendToAll(ctx context.Context, targets []string, msg string) notify.BotReport {
	if !c.Initialized() {
		c.logSkip(len(targets))
		return notify.BotReport{Skipped: true}
	}
	if c.escape {
		msg = EscapeMarkdownV2(msg)
	}
	var rep notify.BotReport
	for _, t := range targets {
		t = strings.TrimSpace(t)
		err := c.wait(ctx)
		if err == nil {
			err = c.sender.Send(ctx, t, msg)
		}
		if err != nil {
			rep.Failures = append(rep.Failures, notify.NewFailure(notify.ChannelBot, t, err))
			c.metrics.BotSend(false)
			c.bus.Publish(eventbus.Event{Type: eventbus.TopicBotFailed, Data: eventbus.BotEvent{Target: t, Error: err.Error()}})
			c.log.Warn("bot send failed", logx.String("chat", t), logx.Err(err))
			continue
		}
		rep.Sent++
		c.metrics.BotSend(true)
		c.bus.Publish(eventbus.Event{Type: eventbus.TopicBotSent, Data: eventbus.BotEvent{Target: t}})
	}
	c.log.Debug("bot broadcast done", logx.Int("sent", rep.Sent), logx.Int("failed", len(rep.Failures)))
	return rep
}

func (c *Channel) wait(ctx context.Context) error {
	if c.limiter == nil {
		return ctx.Err()
	}
	return c.limiter.Wait(ctx)
}

func (c *Channel) logSkip(n int) {
	if c == nil {
		return
	}
	c.log.Info("telegram bot is not initialized", logx.Int("targets", n))
}

// Close stops the sender's background work, if it has any.
func (c *Channel) Close(ctx context.Context) error {
	if !c.Initialized() {
		return nil
	}
	if s, ok := c.sender.(interface{ Stop(context.Context) error }); ok {
		return s.Stop(ctx)
	}
	return nil
}
