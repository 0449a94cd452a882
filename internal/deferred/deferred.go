// Package deferred turns "deliver after a delay" requests into queue jobs and
// feeds fired jobs back into immediate delivery.
package deferred

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"notifyd/internal/delayq"
	"notifyd/internal/metrics"
	"notifyd/internal/notify"
	"notifyd/pkg/logx"
)

// JobName tags every job this package submits.
const JobName = "notification"

// Deliverer is the immediate delivery path a fired job re-enters.
type Deliverer interface {
	Deliver(ctx context.Context, env notify.Immediate) notify.Report
}

type Service struct {
	queue   delayq.Queue
	deliver Deliverer
	log     logx.Logger
	metrics *metrics.Metrics
	newID   func() string
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

func New(q delayq.Queue, d Deliverer, opts ...Option) *Service {
	s := &Service{queue: q, deliver: d, newID: uuid.NewString}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(logx.String("comp", "deferred"))
	return s
}

// Start registers OnFire as the queue handler.
func (s *Service) Start(ctx context.Context) error {
	return s.queue.Process(ctx, s.OnFire)
}

// ScheduleOne submits req as one job and returns its id. The delay and job
// id are scheduling instructions and are not part of the stored payload.
// Queue errors are returned as the queue reported them.
func (s *Service) ScheduleOne(ctx context.Context, req notify.Delayed) (string, error) {
	if req.Delay < 0 {
		return "", notify.ErrInvalidDelay
	}
	return s.submit(ctx, req)
}

// ScheduleBulk submits every request with the same delay, in order. Earlier
// submissions stay queued when a later one fails.
func (s *Service) ScheduleBulk(ctx context.Context, reqs []notify.Delayed, delay time.Duration) ([]string, error) {
	if len(reqs) == 0 {
		return nil, notify.ErrEmptyBatch
	}
	if delay < 0 {
		return nil, notify.ErrInvalidDelay
	}
	ids := make([]string, 0, len(reqs))
	for _, req := range reqs {
		req.Delay = delay
		id, err := s.submit(ctx, req)
		if err != nil {
			s.log.Warn("bulk schedule stopped", logx.Int("submitted", len(ids)), logx.Int("total", len(reqs)), logx.Err(err))
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Service) submit(ctx context.Context, req notify.Delayed) (string, error) {
	id := req.JobID
	if id == "" {
		id = s.newID()
	}
	payload, err := json.Marshal(req.Immediate)
	if err != nil {
		return "", fmt.Errorf("encode notification: %w", err)
	}
	added, err := s.queue.Add(ctx, JobName, payload, delayq.Options{JobID: id, Delay: req.Delay})
	if err != nil {
		return "", err
	}
	if !added {
		s.log.Info("job already scheduled", logx.String("job", id))
		return id, nil
	}
	s.metrics.JobScheduled()
	s.log.Debug("job scheduled", logx.String("job", id), logx.String("key", req.Type), logx.Duration("delay", req.Delay))
	return id, nil
}

// OnFire delivers a fired job like an immediate notification. Only an
// undecodable payload fails the job; delivery failures are logged so the
// queue does not redeliver to connections that already got the frame.
func (s *Service) OnFire(ctx context.Context, job delayq.Job) error {
	if job.Name != JobName {
		s.log.Warn("ignoring foreign job", logx.String("job", job.ID), logx.String("name", job.Name))
		return nil
	}
	var env notify.Immediate
	if err := json.Unmarshal(job.Payload, &env); err != nil {
		s.metrics.JobFired(false)
		return fmt.Errorf("decode job %s: %w", job.ID, err)
	}
	rep := s.deliver.Deliver(ctx, env)
	if err := rep.Err(); err != nil {
		s.metrics.JobFired(false)
		s.log.Warn("fired job partially delivered", logx.String("job", job.ID), logx.Int("delivered", rep.Fanout.Delivered), logx.Err(err))
		return nil
	}
	s.metrics.JobFired(true)
	s.log.Debug("fired job delivered", logx.String("job", job.ID), logx.Int("delivered", rep.Fanout.Delivered))
	return nil
}
