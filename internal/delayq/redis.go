package delayq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"notifyd/internal/runtime/supervisor"
	"notifyd/pkg/logx"
)

// Stored job states.
const (
	StateDelayed   = "delayed"
	StateActive    = "active"
	StateFailed    = "failed"
	StateCompleted = "completed"
)

// addScript stores a job unless its id already exists.
//
// KEYS[1] job hash, KEYS[2] delayed zset
// ARGV name, payload, created ms, fire ms, id
var addScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'name', ARGV[1], 'payload', ARGV[2], 'attempts', '0', 'created', ARGV[3], 'state', 'delayed')
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[5])
return 1
`)

// claimScript moves one due job from delayed to active and returns it.
//
// KEYS[1] delayed zset, KEYS[2] active zset
// ARGV now ms, lease deadline ms, job key prefix
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', '0', '1')
if #ids == 0 then return false end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
local jk = ARGV[3] .. id
if redis.call('EXISTS', jk) == 0 then return {id} end
redis.call('ZADD', KEYS[2], ARGV[2], id)
local attempts = redis.call('HINCRBY', jk, 'attempts', '1')
redis.call('HSET', jk, 'state', 'active')
return {id, redis.call('HGET', jk, 'name'), redis.call('HGET', jk, 'payload'), tostring(attempts), redis.call('HGET', jk, 'created')}
`)

// requeueScript returns jobs whose lease expired to the delayed set.
//
// KEYS[1] active zset, KEYS[2] delayed zset
// ARGV now ms, job key prefix
var requeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', '0', '100')
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  if redis.call('EXISTS', ARGV[2] .. id) == 1 then
    redis.call('ZADD', KEYS[2], ARGV[1], id)
    redis.call('HSET', ARGV[2] .. id, 'state', 'delayed')
  end
end
return #ids
`)

// RedisConfig describes a queue on a Redis server.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Name separates queues sharing one server.
	Name   string
	Prefix string
	Settings
}

type keys struct {
	delayed string
	active  string
	failed  string
	job     string
}

func newKeys(prefix, name string) keys {
	// The hash tag keeps every key of a queue in one cluster slot.
	base := fmt.Sprintf("%s:{%s}:", prefix, name)
	return keys{
		delayed: base + "delayed",
		active:  base + "active",
		failed:  base + "failed",
		job:     base + "job:",
	}
}

// Redis is a Queue backed by sorted sets and job hashes.
type Redis struct {
	common
	set        Settings
	client     redis.UniversalClient
	ownsClient bool
	keys       keys
	name       string

	mu     sync.Mutex
	sup    *supervisor.Supervisor
	closed bool
	wake   chan struct{}
}

// DialRedis connects to cfg.Addr and verifies the connection.
func DialRedis(ctx context.Context, cfg RedisConfig, opts ...Option) (*Redis, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("delayq: connect %s: %w", addr, err)
	}
	q := NewRedis(client, cfg, opts...)
	q.ownsClient = true
	return q, nil
}

// NewRedis wraps an existing client. The caller keeps ownership of client.
func NewRedis(client redis.UniversalClient, cfg RedisConfig, opts ...Option) *Redis {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "defaultQueueName"
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "notifyd"
	}
	q := &Redis{
		common: newCommon(opts),
		set:    cfg.Settings.withDefaults(),
		client: client,
		keys:   newKeys(prefix, name),
		name:   name,
		wake:   make(chan struct{}, 1),
	}
	q.log = q.log.With(logx.String("comp", "delayq"), logx.String("queue", name))
	return q
}

func ms(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func (q *Redis) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Redis) Add(ctx context.Context, name string, payload []byte, opts Options) (bool, error) {
	if q.isClosed() {
		return false, ErrClosed
	}
	id := strings.TrimSpace(opts.JobID)
	if id == "" {
		return false, ErrNoJobID
	}
	now := q.now()
	fire := now.Add(max(opts.Delay, 0))
	n, err := addScript.Run(ctx, q.client, []string{q.keys.job + id, q.keys.delayed},
		name, payload, ms(now), ms(fire), id).Int()
	if err != nil {
		return false, fmt.Errorf("delayq: add %s: %w", id, err)
	}
	if n == 0 {
		q.log.Debug("job already present", logx.String("job", id))
		return false, nil
	}
	if opts.Delay <= 0 {
		q.poke()
	}
	return true, nil
}

func (q *Redis) poke() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Redis) Process(ctx context.Context, h Handler) error {
	if h == nil {
		return errors.New("delayq: nil handler")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.sup != nil {
		return ErrProcessing
	}
	q.sup = supervisor.New(ctx, supervisor.WithLogger(q.log))
	for i := range q.set.Workers {
		q.sup.GoRestart(fmt.Sprintf("delayq.worker.%d", i), func(ctx context.Context) error {
			return q.work(ctx, h)
		}, supervisor.WithRestartBackoff(q.set.PollInterval, 10*time.Second))
	}
	q.sup.Go0("delayq.reaper", q.reapLoop)
	q.log.Info("queue processing", logx.Int("workers", q.set.Workers))
	return nil
}

func (q *Redis) work(ctx context.Context, h Handler) error {
	for ctx.Err() == nil {
		job, ok, err := q.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.log.Warn("claim failed", logx.Err(err))
			return err
		}
		if !ok {
			select {
			case <-ctx.Done():
			case <-q.wake:
			case <-time.After(q.set.PollInterval):
			}
			continue
		}
		q.run(ctx, h, job)
	}
	return nil
}

func (q *Redis) claim(ctx context.Context) (Job, bool, error) {
	now := q.now()
	res, err := claimScript.Run(ctx, q.client, []string{q.keys.delayed, q.keys.active},
		ms(now), ms(now.Add(q.set.LeaseTTL)), q.keys.job).StringSlice()
	if errors.Is(err, redis.Nil) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	if len(res) < 5 {
		// orphaned id with no hash; already dropped by the script
		return Job{}, false, nil
	}
	attempts, _ := strconv.Atoi(res[3])
	created, _ := strconv.ParseInt(res[4], 10, 64)
	return Job{
		ID:       res[0],
		Name:     res[1],
		Payload:  []byte(res[2]),
		Attempts: attempts,
		Created:  time.UnixMilli(created),
	}, true, nil
}

func (q *Redis) run(ctx context.Context, h Handler, job Job) {
	stopRenew := q.renewLease(ctx, job.ID)
	err := runHandler(ctx, h, job)
	stopRenew()

	// Finish bookkeeping even when the worker is being stopped.
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err == nil {
		if ferr := q.complete(bctx, job); ferr != nil {
			q.log.Error("job completion not recorded", logx.String("job", job.ID), logx.Err(ferr))
		}
		q.completed(job)
		return
	}
	if ctx.Err() != nil {
		// Interrupted by shutdown: hand the job back without spending an attempt.
		if rerr := q.release(bctx, job); rerr != nil {
			q.log.Error("job requeue failed", logx.String("job", job.ID), logx.Err(rerr))
		}
		return
	}
	final := job.Attempts >= q.set.Attempts
	if ferr := q.retry(bctx, job, err, q.set.backoff(job.Attempts), final); ferr != nil {
		q.log.Error("job failure not recorded", logx.String("job", job.ID), logx.Err(ferr))
	}
	q.failed(job, err, final)
}

func (q *Redis) renewLease(ctx context.Context, id string) func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(q.set.LeaseTTL / 3)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				deadline := q.now().Add(q.set.LeaseTTL)
				_ = q.client.ZAddXX(ctx, q.keys.active, redis.Z{Score: float64(deadline.UnixMilli()), Member: id}).Err()
			}
		}
	}()
	return func() { close(done) }
}

// complete keeps the job hash, minus its payload, until KeepCompleted
// passes so the id cannot be queued again.
func (q *Redis) complete(ctx context.Context, job Job) error {
	jk := q.keys.job + job.ID
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.keys.active, job.ID)
		p.HDel(ctx, jk, "payload", "error")
		p.HSet(ctx, jk, "state", StateCompleted, "finished", ms(q.now()))
		p.Expire(ctx, jk, q.set.KeepCompleted)
		return nil
	})
	return err
}

func (q *Redis) retry(ctx context.Context, job Job, cause error, wait time.Duration, final bool) error {
	now := q.now()
	jk := q.keys.job + job.ID
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.keys.active, job.ID)
		if final {
			p.HSet(ctx, jk, "state", StateFailed, "error", cause.Error(), "failed", ms(now))
			p.Expire(ctx, jk, q.set.KeepFailed)
			p.ZAdd(ctx, q.keys.failed, redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
			return nil
		}
		p.HSet(ctx, jk, "state", StateDelayed, "error", cause.Error())
		p.ZAdd(ctx, q.keys.delayed, redis.Z{Score: float64(now.Add(wait).UnixMilli()), Member: job.ID})
		return nil
	})
	return err
}

func (q *Redis) release(ctx context.Context, job Job) error {
	jk := q.keys.job + job.ID
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.keys.active, job.ID)
		p.HIncrBy(ctx, jk, "attempts", -1)
		p.HSet(ctx, jk, "state", StateDelayed)
		p.ZAdd(ctx, q.keys.delayed, redis.Z{Score: float64(q.now().UnixMilli()), Member: job.ID})
		return nil
	})
	return err
}

func (q *Redis) reapLoop(ctx context.Context) {
	t := time.NewTicker(max(q.set.LeaseTTL/2, q.set.PollInterval))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := q.reap(ctx); err != nil {
				q.log.Warn("lease reaper failed", logx.Err(err))
			} else if n > 0 {
				q.log.Warn("requeued jobs with expired leases", logx.Int("count", n))
			}
		}
	}
}

func (q *Redis) reap(ctx context.Context) (int, error) {
	now := q.now()
	n, err := requeueScript.Run(ctx, q.client, []string{q.keys.active, q.keys.delayed}, ms(now), q.keys.job).Int()
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-q.set.KeepFailed)
	if err := q.client.ZRemRangeByScore(ctx, q.keys.failed, "-inf", ms(cutoff)).Err(); err != nil {
		return n, err
	}
	return n, nil
}

// Stats counts jobs per state.
type Stats struct {
	Delayed int64 `json:"delayed"`
	Active  int64 `json:"active"`
	Failed  int64 `json:"failed"`
}

func (q *Redis) Stats(ctx context.Context) (Stats, error) {
	var d, a, f *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		d = p.ZCard(ctx, q.keys.delayed)
		a = p.ZCard(ctx, q.keys.active)
		f = p.ZCard(ctx, q.keys.failed)
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	return Stats{Delayed: d.Val(), Active: a.Val(), Failed: f.Val()}, nil
}

// State reports the stored state of a job, or "" when it no longer exists.
func (q *Redis) State(ctx context.Context, id string) (string, error) {
	s, err := q.client.HGet(ctx, q.keys.job+id, "state").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return s, err
}

// Close stops the workers, waiting for in-flight handlers until ctx expires.
func (q *Redis) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	sup := q.sup
	q.mu.Unlock()

	var errs []error
	if sup != nil {
		if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	if q.ownsClient {
		if err := q.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	q.log.Info("queue closed")
	return errors.Join(errs...)
}
