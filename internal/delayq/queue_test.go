package delayq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyd/internal/eventbus"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var fastSettings = Settings{PollInterval: 5 * time.Millisecond, Backoff: time.Second, Attempts: 2}

func newRedisQueue(t *testing.T, clk *fakeClock, opts ...Option) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	opts = append(opts, WithClock(clk.Now))
	q := NewRedis(client, RedisConfig{Name: "test", Settings: fastSettings}, opts...)
	t.Cleanup(func() { _ = q.Close(context.Background()) })
	return q
}

func recvJob(t *testing.T, ch <-chan Job) Job {
	t.Helper()
	select {
	case j := <-ch:
		return j
	case <-time.After(3 * time.Second):
		t.Fatal("job not delivered")
		return Job{}
	}
}

func assertNoJob(t *testing.T, ch <-chan Job) {
	t.Helper()
	select {
	case j := <-ch:
		t.Fatalf("unexpected job %s", j.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRedisAddIsIdempotent(t *testing.T) {
	t.Parallel()

	q := newRedisQueue(t, newFakeClock())
	ctx := context.Background()

	added, err := q.Add(ctx, "notification", []byte(`{"a":1}`), Options{JobID: "j1", Delay: time.Minute})
	require.NoError(t, err)
	assert.True(t, added)

	added, err = q.Add(ctx, "notification", []byte(`{"a":2}`), Options{JobID: "j1", Delay: time.Second})
	require.NoError(t, err)
	assert.False(t, added)

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Delayed: 1}, st)

	_, err = q.Add(ctx, "notification", nil, Options{})
	assert.ErrorIs(t, err, ErrNoJobID)
}

func TestRedisFiresOnceAfterDelay(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	bus := eventbus.New()
	events, unsub := eventbus.SubscribeTopic(bus, 8, "queue.")
	defer unsub()
	q := newRedisQueue(t, clk, WithBus(bus))
	ctx := context.Background()

	_, err := q.Add(ctx, "notification", []byte(`{"x":true}`), Options{JobID: "later", Delay: 10 * time.Second})
	require.NoError(t, err)
	_, err = q.Add(ctx, "notification", []byte(`{"x":false}`), Options{JobID: "later", Delay: 10 * time.Second})
	require.NoError(t, err)

	jobs := make(chan Job, 4)
	require.NoError(t, q.Process(ctx, func(_ context.Context, j Job) error {
		jobs <- j
		return nil
	}))
	assert.ErrorIs(t, q.Process(ctx, func(context.Context, Job) error { return nil }), ErrProcessing)

	assertNoJob(t, jobs)
	clk.Advance(10 * time.Second)

	j := recvJob(t, jobs)
	assert.Equal(t, "later", j.ID)
	assert.Equal(t, "notification", j.Name)
	assert.JSONEq(t, `{"x":true}`, string(j.Payload))
	assert.Equal(t, 1, j.Attempts)
	assertNoJob(t, jobs)

	e := <-events
	assert.Equal(t, eventbus.TopicJobCompleted, e.Type)
	assert.Equal(t, "later", e.Data.(eventbus.JobEvent).JobID)

	require.Eventually(t, func() bool {
		s, err := q.State(ctx, "later")
		return err == nil && s == StateCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisCompletedIDIsNotRequeued(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	set := fastSettings
	set.KeepCompleted = time.Hour
	q := NewRedis(client, RedisConfig{Name: "test", Settings: set}, WithClock(clk.Now))
	t.Cleanup(func() { _ = q.Close(context.Background()) })
	ctx := context.Background()

	jobs := make(chan Job, 4)
	require.NoError(t, q.Process(ctx, func(_ context.Context, j Job) error {
		jobs <- j
		return nil
	}))

	added, err := q.Add(ctx, "notification", []byte(`{}`), Options{JobID: "order-1"})
	require.NoError(t, err)
	require.True(t, added)
	recvJob(t, jobs)
	require.Eventually(t, func() bool {
		s, _ := q.State(ctx, "order-1")
		return s == StateCompleted
	}, 2*time.Second, 10*time.Millisecond)

	added, err = q.Add(ctx, "notification", []byte(`{}`), Options{JobID: "order-1"})
	require.NoError(t, err)
	assert.False(t, added)
	assertNoJob(t, jobs)

	payload, err := client.HExists(ctx, q.keys.job+"order-1", "payload").Result()
	require.NoError(t, err)
	assert.False(t, payload)
	assert.Equal(t, time.Hour, mr.TTL(q.keys.job+"order-1"))

	mr.FastForward(time.Hour)
	added, err = q.Add(ctx, "notification", []byte(`{}`), Options{JobID: "order-1"})
	require.NoError(t, err)
	assert.True(t, added)
	recvJob(t, jobs)
}

func TestRedisRetriesThenKeepsFailed(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	q := newRedisQueue(t, clk)
	ctx := context.Background()

	attempts := make(chan Job, 4)
	require.NoError(t, q.Process(ctx, func(_ context.Context, j Job) error {
		attempts <- j
		return errors.New("receiver offline")
	}))
	_, err := q.Add(ctx, "notification", []byte(`{}`), Options{JobID: "flaky"})
	require.NoError(t, err)

	assert.Equal(t, 1, recvJob(t, attempts).Attempts)
	require.Eventually(t, func() bool {
		s, _ := q.State(ctx, "flaky")
		return s == StateDelayed
	}, 2*time.Second, 10*time.Millisecond)
	assertNoJob(t, attempts)

	clk.Advance(time.Second)
	assert.Equal(t, 2, recvJob(t, attempts).Attempts)
	require.Eventually(t, func() bool {
		s, _ := q.State(ctx, "flaky")
		return s == StateFailed
	}, 2*time.Second, 10*time.Millisecond)

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Failed: 1}, st)

	added, err := q.Add(ctx, "notification", []byte(`{}`), Options{JobID: "flaky"})
	require.NoError(t, err)
	assert.False(t, added)
}

func TestRedisReapRequeuesExpiredLease(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	q := newRedisQueue(t, clk)
	ctx := context.Background()

	_, err := q.Add(ctx, "notification", []byte(`{}`), Options{JobID: "stuck"})
	require.NoError(t, err)

	j, ok, err := q.claim(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, j.Attempts)

	n, err := q.reap(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clk.Advance(q.set.LeaseTTL + time.Second)
	n, err = q.reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Delayed: 1}, st)

	j, ok, err = q.claim(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, j.Attempts)
}

func TestRedisClosedQueueRejects(t *testing.T) {
	t.Parallel()

	q := newRedisQueue(t, newFakeClock())
	require.NoError(t, q.Close(context.Background()))
	require.NoError(t, q.Close(context.Background()))

	_, err := q.Add(context.Background(), "notification", nil, Options{JobID: "x"})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, q.Process(context.Background(), func(context.Context, Job) error { return nil }), ErrClosed)
}

func TestMemoryFiresAfterDelayAndDedups(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	q := NewMemory(fastSettings, WithClock(clk.Now))
	defer q.Close(context.Background())
	ctx := context.Background()

	jobs := make(chan Job, 4)
	require.NoError(t, q.Process(ctx, func(_ context.Context, j Job) error {
		jobs <- j
		return nil
	}))

	added, err := q.Add(ctx, "notification", []byte(`1`), Options{JobID: "m1", Delay: 5 * time.Second})
	require.NoError(t, err)
	assert.True(t, added)
	added, err = q.Add(ctx, "notification", []byte(`2`), Options{JobID: "m1", Delay: 5 * time.Second})
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, StateDelayed, q.State("m1"))

	assertNoJob(t, jobs)
	clk.Advance(5 * time.Second)
	j := recvJob(t, jobs)
	assert.Equal(t, "1", string(j.Payload))
	assertNoJob(t, jobs)
	require.Eventually(t, func() bool { return q.State("m1") == StateCompleted }, 2*time.Second, 5*time.Millisecond)

	added, err = q.Add(ctx, "notification", []byte(`3`), Options{JobID: "m1"})
	require.NoError(t, err)
	assert.False(t, added)
	assertNoJob(t, jobs)
}

func TestMemoryForgetsFinishedJobsAfterRetention(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	set := fastSettings
	set.Attempts = 1
	set.KeepCompleted = time.Hour
	set.KeepFailed = 2 * time.Hour
	q := NewMemory(set, WithClock(clk.Now))
	defer q.Close(context.Background())
	ctx := context.Background()

	jobs := make(chan Job, 4)
	require.NoError(t, q.Process(ctx, func(_ context.Context, j Job) error {
		jobs <- j
		if string(j.Payload) == "bad" {
			return errors.New("nope")
		}
		return nil
	}))

	_, err := q.Add(ctx, "notification", []byte("ok"), Options{JobID: "done"})
	require.NoError(t, err)
	_, err = q.Add(ctx, "notification", []byte("bad"), Options{JobID: "dead"})
	require.NoError(t, err)
	recvJob(t, jobs)
	recvJob(t, jobs)
	require.Eventually(t, func() bool {
		return q.State("done") == StateCompleted && q.State("dead") == StateFailed
	}, 2*time.Second, 5*time.Millisecond)

	clk.Advance(time.Hour)
	assert.Equal(t, "", q.State("done"))
	assert.Equal(t, StateFailed, q.State("dead"))

	clk.Advance(time.Hour)
	assert.Equal(t, "", q.State("dead"))

	q.mu.Lock()
	assert.Empty(t, q.jobs)
	q.mu.Unlock()

	added, err := q.Add(ctx, "notification", []byte("ok"), Options{JobID: "done"})
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, "done", recvJob(t, jobs).ID)
}

func TestMemoryRetriesThenFails(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	q := NewMemory(fastSettings, WithClock(clk.Now))
	defer q.Close(context.Background())
	ctx := context.Background()

	attempts := make(chan Job, 4)
	require.NoError(t, q.Process(ctx, func(_ context.Context, j Job) error {
		attempts <- j
		return errors.New("nope")
	}))
	_, err := q.Add(ctx, "notification", nil, Options{JobID: "m2"})
	require.NoError(t, err)

	assert.Equal(t, 1, recvJob(t, attempts).Attempts)
	require.Eventually(t, func() bool { return q.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	clk.Advance(time.Second)
	assert.Equal(t, 2, recvJob(t, attempts).Attempts)
	require.Eventually(t, func() bool { return q.State("m2") == StateFailed }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, q.Len())
}

func TestBackoffDoublesUpToMax(t *testing.T) {
	t.Parallel()

	s := Settings{Backoff: time.Second, MaxBackoff: 5 * time.Second}.withDefaults()
	assert.Equal(t, time.Second, s.backoff(1))
	assert.Equal(t, 2*time.Second, s.backoff(2))
	assert.Equal(t, 4*time.Second, s.backoff(3))
	assert.Equal(t, 5*time.Second, s.backoff(4))
}
