// Package app wires the dispatcher and its channels from config and owns
// their start and stop order.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"notifyd/internal/auth"
	"notifyd/internal/bot"
	"notifyd/internal/config"
	"notifyd/internal/delayq"
	"notifyd/internal/dispatch"
	"notifyd/internal/eventbus"
	"notifyd/internal/httpapi"
	"notifyd/internal/metrics"
	"notifyd/internal/registry"
	"notifyd/internal/runtime/supervisor"
	"notifyd/internal/storage"
	"notifyd/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	metrics *metrics.Metrics

	disp    *dispatch.Dispatcher
	reg     *registry.Registry
	journal *storage.Journal
	http    *httpapi.Service

	// dialQueue connects the Redis queue; swapped in tests.
	dialQueue func(ctx context.Context, cfg delayq.RedisConfig, opts ...delayq.Option) (delayq.Queue, error)
}

// New loads the config at cfgPath and builds every component that needs no
// network. Listeners and connections are opened by Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return newApp(cfgm, cfg)
}

func newApp(cfgm *config.Manager, cfg *config.Config) (*App, error) {
	logSvc, log := logx.New(mapLoggingConfig(cfg.Logging))
	bus := eventbus.New()
	m := metrics.New()

	httpCfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}

	var journal *storage.Journal
	if sc, jc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		journal = storage.NewJournal(st, bus, jc, log)
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	disp := dispatch.New(dispatch.WithLogger(log), dispatch.WithMetrics(m))
	return &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     bus,
		metrics: m,
		disp:    disp,
		journal: journal,
		http:    httpapi.New(httpCfg, disp, m, log),
		dialQueue: func(ctx context.Context, cfg delayq.RedisConfig, opts ...delayq.Option) (delayq.Queue, error) {
			return delayq.DialRedis(ctx, cfg, opts...)
		},
	}, nil
}

func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }

// HTTPAddr is the producer API address, empty when it is not listening.
func (a *App) HTTPAddr() string { return a.http.Addr() }

// GatewayAddr is the WebSocket listener address, empty without a gateway.
func (a *App) GatewayAddr() string {
	if a.reg == nil {
		return ""
	}
	return a.reg.Addr()
}

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start brings sub-systems up in order: storage, bot, registry, queue, HTTP.
// On failure everything already started is stopped again.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	if err := a.start(a.sup.Context()); err != nil {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, StopStartError)
		return err
	}
	a.log.Info("app started", logx.Any("channels", a.disp.Capabilities()))
	return nil
}

func (a *App) start(ctx context.Context) error {
	cfg := a.cfgm.Get()

	if a.journal != nil {
		if err := a.journal.Start(ctx); err != nil {
			return fmt.Errorf("storage: %w", err)
		}
	}

	if ts, ok, err := mapTelegramConfig(cfg); err != nil {
		return err
	} else if ok {
		tg, err := bot.NewTelegram(ts.TelegramConfig, a.log)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		if err := tg.Start(ctx); err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		a.disp.InitBot(bot.NewChannel(tg,
			bot.WithLogger(a.log),
			bot.WithBus(a.bus),
			bot.WithMetrics(a.metrics),
			bot.WithRate(ts.RatePerSec, ts.Burst),
			bot.WithEscape(ts.Escape),
		))
	} else {
		a.log.Info("telegram not configured")
	}

	if gs, ok, err := mapGatewayConfig(cfg); err != nil {
		return err
	} else if ok {
		reg := registry.New(gs.Config, auth.NewJWTVerifier(gs.Secret, gs.Leeway),
			registry.WithLogger(a.log),
			registry.WithBus(a.bus),
			registry.WithMetrics(a.metrics),
		)
		if err := reg.Start(ctx); err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
		a.reg = reg
		a.disp.InitRegistry(reg)
	} else {
		a.log.Info("gateway not configured")
	}

	if qs, ok, err := mapQueueConfig(cfg); err != nil {
		return err
	} else if ok {
		opts := []delayq.Option{delayq.WithLogger(a.log), delayq.WithBus(a.bus)}
		var q delayq.Queue
		if qs.Memory {
			a.log.Warn("memory queue: delayed jobs do not survive a restart")
			q = delayq.NewMemory(qs.Settings, opts...)
		} else {
			q, err = a.dialQueue(ctx, qs.RedisConfig, opts...)
			if err != nil {
				return fmt.Errorf("queue: %w", err)
			}
		}
		if err := a.disp.InitQueue(ctx, q); err != nil {
			_ = q.Close(ctx)
			return fmt.Errorf("queue: %w", err)
		}
	} else {
		a.log.Info("queue not configured")
	}

	a.http.Start(ctx)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapHTTPConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapGatewayConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapQueueConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapTelegramConfig(cfg); err != nil {
			return err
		}
		_, _, _, err := mapStorageConfig(cfg)
		return err
	})
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	return nil
}

// applyConfig applies the reloadable sections and warns about the rest.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		if !config.Reloadable[s] {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLoggingConfig(next.Logging))

	hc, err := mapHTTPConfig(next)
	if err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hc)
	}

	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}

// Stop shuts down in reverse start order. Each step gets a bounded slice of
// ctx so one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	a.step(ctx, "http", 3*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	// queue, then registry, then bot
	a.step(ctx, "dispatcher", 5*time.Second, a.disp.Shutdown)
	a.step(ctx, "storage", 2*time.Second, func(c context.Context) error {
		if a.journal != nil {
			return a.journal.Stop(c)
		}
		return nil
	})
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	stepCtx := ctx
	if limit > 0 {
		// never extend the caller's deadline
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, max(time.Until(dl), 0))
		}
		if limit > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}
		}()
	}
}
