// Package delayq is a durable delayed job queue. Jobs carry a unique id, are
// handed to one worker once their delay elapses, and are retried with
// backoff on handler failure.
package delayq

import (
	"context"
	"errors"
	"time"

	"notifyd/internal/eventbus"
	"notifyd/pkg/logx"
)

var (
	ErrClosed     = errors.New("delayq: queue closed")
	ErrProcessing = errors.New("delayq: already processing")
	ErrNoJobID    = errors.New("delayq: job id required")
)

// Options controls one submission.
type Options struct {
	// JobID identifies the job. Submitting an id that is still queued or
	// running, or that finished within the retention window, is a no-op.
	JobID string
	Delay time.Duration
}

// Job is what a Handler receives.
type Job struct {
	ID       string
	Name     string
	Payload  []byte
	Attempts int
	Created  time.Time
}

type Handler func(ctx context.Context, job Job) error

// Queue is the contract the deferred scheduler depends on.
type Queue interface {
	// Add stores a job. added is false when JobID was already present.
	Add(ctx context.Context, name string, payload []byte, opts Options) (added bool, err error)
	// Process starts workers that call h for every due job. It returns once
	// the workers are running.
	Process(ctx context.Context, h Handler) error
	Close(ctx context.Context) error
}

// Settings shared by the Redis and memory implementations.
type Settings struct {
	Workers      int
	Attempts     int
	Backoff      time.Duration
	MaxBackoff   time.Duration
	PollInterval time.Duration
	LeaseTTL     time.Duration
	// KeepFailed is how long a job that exhausted its attempts is retained.
	KeepFailed time.Duration
	// KeepCompleted is how long the id of a delivered job is remembered.
	KeepCompleted time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.Workers <= 0 {
		s.Workers = 1
	}
	if s.Attempts <= 0 {
		s.Attempts = 3
	}
	if s.Backoff <= 0 {
		s.Backoff = time.Second
	}
	if s.MaxBackoff < s.Backoff {
		s.MaxBackoff = max(30*time.Second, s.Backoff)
	}
	if s.PollInterval <= 0 {
		s.PollInterval = 250 * time.Millisecond
	}
	if s.LeaseTTL <= 0 {
		s.LeaseTTL = 30 * time.Second
	}
	if s.KeepFailed <= 0 {
		s.KeepFailed = 7 * 24 * time.Hour
	}
	if s.KeepCompleted <= 0 {
		s.KeepCompleted = 7 * 24 * time.Hour
	}
	return s
}

// backoff returns the delay before retry number attempt (1-based).
func (s Settings) backoff(attempt int) time.Duration {
	d := s.Backoff
	for i := 1; i < attempt && d < s.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, s.MaxBackoff)
}

type Option func(*common)

type common struct {
	log logx.Logger
	bus eventbus.Bus
	now func() time.Time
}

func WithLogger(log logx.Logger) Option { return func(c *common) { c.log = log } }
func WithBus(bus eventbus.Bus) Option { return func(c *common) { c.bus = bus } }

// WithClock replaces time.Now for due-time computation.
func WithClock(now func() time.Time) Option { return func(c *common) { c.now = now } }

func newCommon(opts []Option) common {
	c := common{bus: eventbus.Nop{}, now: time.Now}
	for _, o := range opts {
		o(&c)
	}
	return c
}

func (c common) completed(job Job) {
	c.bus.Publish(eventbus.Event{Type: eventbus.TopicJobCompleted, Data: eventbus.JobEvent{JobID: job.ID, Name: job.Name, Attempts: job.Attempts}})
	c.log.Debug("job completed", logx.String("job", job.ID), logx.Int("attempts", job.Attempts))
}

func (c common) failed(job Job, err error, final bool) {
	c.bus.Publish(eventbus.Event{Type: eventbus.TopicJobFailed, Data: eventbus.JobEvent{JobID: job.ID, Name: job.Name, Attempts: job.Attempts, Error: err.Error(), Final: final}})
	if final {
		c.log.Error("job failed", logx.String("job", job.ID), logx.Int("attempts", job.Attempts), logx.Err(err))
		return
	}
	c.log.Warn("job attempt failed, will retry", logx.String("job", job.ID), logx.Int("attempts", job.Attempts), logx.Err(err))
}

// runHandler converts a handler panic into an error.
func runHandler(ctx context.Context, h Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("handler panicked")
		}
	}()
	return h(ctx, job)
}
