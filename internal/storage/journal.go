package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"notifyd/internal/eventbus"
	"notifyd/internal/runtime/supervisor"
	"notifyd/pkg/logx"
)

type JournalConfig struct {
	// Retention drops records older than this; 0 keeps everything.
	Retention time.Duration
	// PruneSpec is a cron spec (5 or 6 fields, or a descriptor such as
	// "@hourly").
	PruneSpec string
	Timezone  string
}

const DefaultPruneSpec = "@hourly"

// Journal records queue outcomes published on the bus into a Store and
// prunes old records on a cron schedule.
type Journal struct {
	store Store
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	mu     sync.Mutex
	cfg    JournalConfig
	sup    *supervisor.Supervisor
	c      *cron.Cron
	parser cron.Parser
}

func NewJournal(st Store, bus eventbus.Bus, cfg JournalConfig, log logx.Logger) *Journal {
	return &Journal{
		store: st,
		bus:   bus,
		log:   log.With(logx.String("comp", "journal")),
		now:   time.Now,
		cfg:   cfg,
		// SecondOptional allows both 5-field and 6-field specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (j *Journal) Store() Store { return j.store }

// Start subscribes to queue events and schedules pruning. It returns an
// error only for an invalid prune spec or timezone.
func (j *Journal) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.sup != nil {
		return nil
	}

	var c *cron.Cron
	if j.cfg.Retention > 0 {
		loc := time.Local
		if tz := strings.TrimSpace(j.cfg.Timezone); tz != "" {
			l, err := time.LoadLocation(tz)
			if err != nil {
				return err
			}
			loc = l
		}
		spec := strings.TrimSpace(j.cfg.PruneSpec)
		if spec == "" {
			spec = DefaultPruneSpec
		}
		sched, err := j.parser.Parse(spec)
		if err != nil {
			return err
		}
		c = cron.New(cron.WithParser(j.parser), cron.WithLocation(loc))
		c.Schedule(sched, cron.FuncJob(func() { j.pruneOnce(ctx) }))
		c.Start()
	}

	events, unsub := eventbus.SubscribeTopic(j.bus, 256, "queue.")
	j.sup = supervisor.New(ctx, supervisor.WithLogger(j.log), supervisor.WithCancelOnError(false))
	j.c = c
	j.sup.Go0("journal.record", func(ctx context.Context) {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				j.record(ctx, e)
			}
		}
	})
	j.log.Info("journal started", logx.Duration("retention", j.cfg.Retention))
	return nil
}

func (j *Journal) record(ctx context.Context, e eventbus.Event) {
	je, ok := e.Data.(eventbus.JobEvent)
	if !ok {
		return
	}
	r := Record{JobID: je.JobID, Name: je.Name, Attempts: je.Attempts, Error: je.Error, At: e.Time}
	switch e.Type {
	case eventbus.TopicJobCompleted:
		r.State = StateCompleted
	case eventbus.TopicJobFailed:
		r.State = StateRetrying
		if je.Final {
			r.State = StateFailed
		}
	default:
		return
	}
	if err := j.store.Append(ctx, r); err != nil && !errors.Is(err, context.Canceled) {
		j.log.Warn("journal append failed", logx.String("job", r.JobID), logx.Err(err))
	}
}

func (j *Journal) pruneOnce(ctx context.Context) {
	j.mu.Lock()
	keep := j.cfg.Retention
	j.mu.Unlock()
	if keep <= 0 || ctx.Err() != nil {
		return
	}
	n, err := j.store.Prune(ctx, j.now().Add(-keep))
	if err != nil {
		j.log.Warn("journal prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		j.log.Info("journal pruned", logx.Int("records", n))
	}
}

// Stop ends recording and pruning, then closes the store.
func (j *Journal) Stop(ctx context.Context) error {
	j.mu.Lock()
	sup, c := j.sup, j.c
	j.sup, j.c = nil, nil
	j.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	var errs []error
	if sup != nil {
		if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	if err := j.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
