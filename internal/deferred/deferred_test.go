package deferred

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyd/internal/delayq"
	"notifyd/internal/notify"
)

type added struct {
	name    string
	payload []byte
	opts    delayq.Options
}

type fakeQueue struct {
	mu      sync.Mutex
	adds    []added
	seen    map[string]bool
	failAt  int
	failErr error
	handler delayq.Handler
}

func (q *fakeQueue) Add(_ context.Context, name string, payload []byte, opts delayq.Options) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failErr != nil && len(q.adds) == q.failAt {
		return false, q.failErr
	}
	q.adds = append(q.adds, added{name, payload, opts})
	if q.seen == nil {
		q.seen = map[string]bool{}
	}
	if q.seen[opts.JobID] {
		return false, nil
	}
	q.seen[opts.JobID] = true
	return true, nil
}

func (q *fakeQueue) Process(_ context.Context, h delayq.Handler) error {
	q.handler = h
	return nil
}

func (q *fakeQueue) Close(context.Context) error { return nil }

type recordingDeliverer struct {
	mu   sync.Mutex
	envs []notify.Immediate
	rep  notify.Report
}

func (d *recordingDeliverer) Deliver(_ context.Context, env notify.Immediate) notify.Report {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.envs = append(d.envs, env)
	return d.rep
}

func TestScheduleOneRejectsNegativeDelay(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	s := New(q, &recordingDeliverer{})
	for _, d := range []time.Duration{-1, -time.Hour} {
		_, err := s.ScheduleOne(context.Background(), notify.Delayed{Delay: d})
		assert.ErrorIs(t, err, notify.ErrInvalidDelay)
		assert.ErrorIs(t, err, notify.ErrValidation)
	}
	assert.Empty(t, q.adds)
}

func TestScheduleOneStripsSchedulingFields(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	s := New(q, &recordingDeliverer{})
	s.newID = func() string { return "generated" }

	id, err := s.ScheduleOne(context.Background(), notify.Delayed{
		Immediate: notify.Immediate{Type: "delayed", Message: "Hello", Receivers: []notify.ReceiverID{"1"}},
		Delay:     10 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "generated", id)

	require.Len(t, q.adds, 1)
	a := q.adds[0]
	assert.Equal(t, JobName, a.name)
	assert.Equal(t, delayq.Options{JobID: "generated", Delay: 10 * time.Second}, a.opts)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(a.payload, &payload))
	assert.NotContains(t, payload, "delay")
	assert.NotContains(t, payload, "JobID")
	assert.NotContains(t, payload, "customJobId")
	assert.Equal(t, "Hello", payload["message"])
}

func TestScheduleOneUsesCallerJobIDAndFreshIDsOtherwise(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	s := New(q, &recordingDeliverer{})
	ctx := context.Background()

	id, err := s.ScheduleOne(ctx, notify.Delayed{JobID: "mine", Delay: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "mine", id)

	a, err := s.ScheduleOne(ctx, notify.Delayed{})
	require.NoError(t, err)
	b, err := s.ScheduleOne(ctx, notify.Delayed{})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 36)
}

func TestScheduleOneDuplicateIDIsAccepted(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	s := New(q, &recordingDeliverer{})
	ctx := context.Background()

	for range 2 {
		id, err := s.ScheduleOne(ctx, notify.Delayed{JobID: "same", Delay: time.Second})
		require.NoError(t, err)
		assert.Equal(t, "same", id)
	}
	assert.Len(t, q.seen, 1)
}

func TestScheduleOnePropagatesQueueError(t *testing.T) {
	t.Parallel()

	boom := errors.New("redis down")
	s := New(&fakeQueue{failErr: boom}, &recordingDeliverer{})
	_, err := s.ScheduleOne(context.Background(), notify.Delayed{})
	assert.Same(t, boom, err)
}

func TestScheduleBulkOverridesDelay(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	s := New(q, &recordingDeliverer{})

	ids, err := s.ScheduleBulk(context.Background(), []notify.Delayed{
		{Immediate: notify.Immediate{Type: "a"}, Delay: 5000 * time.Millisecond},
		{Immediate: notify.Immediate{Type: "b"}, Delay: 10000 * time.Millisecond, JobID: "b-job"},
	}, 5000*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, "b-job", ids[1])

	require.Len(t, q.adds, 2)
	for _, a := range q.adds {
		assert.Equal(t, 5*time.Second, a.opts.Delay)
	}
	assert.Contains(t, string(q.adds[0].payload), `"type":"a"`)
	assert.Contains(t, string(q.adds[1].payload), `"type":"b"`)
}

func TestScheduleBulkValidation(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	s := New(q, &recordingDeliverer{})

	_, err := s.ScheduleBulk(context.Background(), nil, time.Second)
	assert.ErrorIs(t, err, notify.ErrEmptyBatch)
	_, err = s.ScheduleBulk(context.Background(), []notify.Delayed{}, time.Second)
	assert.ErrorIs(t, err, notify.ErrEmptyBatch)
	_, err = s.ScheduleBulk(context.Background(), []notify.Delayed{{}}, -time.Millisecond)
	assert.ErrorIs(t, err, notify.ErrInvalidDelay)
	assert.Empty(t, q.adds)
}

func TestScheduleBulkPartialFailureKeepsEarlierJobs(t *testing.T) {
	t.Parallel()

	boom := errors.New("queue full")
	q := &fakeQueue{failAt: 1, failErr: boom}
	s := New(q, &recordingDeliverer{})

	ids, err := s.ScheduleBulk(context.Background(), []notify.Delayed{{JobID: "1"}, {JobID: "2"}, {JobID: "3"}}, time.Second)
	assert.Same(t, boom, err)
	assert.Equal(t, []string{"1"}, ids)
	assert.Len(t, q.adds, 1)
}

func TestOnFireDeliversScheduledEnvelope(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	d := &recordingDeliverer{}
	s := New(q, d)
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	_, err := s.ScheduleOne(ctx, notify.Delayed{
		Immediate: notify.Immediate{Type: "delayed", Message: "Hello", Receivers: []notify.ReceiverID{"1"}},
		Delay:     10 * time.Second,
	})
	require.NoError(t, err)

	a := q.adds[0]
	require.NoError(t, q.handler(ctx, delayq.Job{ID: a.opts.JobID, Name: a.name, Payload: a.payload, Attempts: 1}))

	require.Len(t, d.envs, 1)
	assert.Equal(t, "delayed", d.envs[0].Type)
	assert.Equal(t, "Hello", d.envs[0].Message)
	assert.Equal(t, []notify.ReceiverID{"1"}, d.envs[0].Receivers)
}

func TestOnFireEmptyReceiversStillDelivers(t *testing.T) {
	t.Parallel()

	d := &recordingDeliverer{}
	s := New(&fakeQueue{}, d)
	require.NoError(t, s.OnFire(context.Background(), delayq.Job{Name: JobName, Payload: []byte(`{"type":"x","receivers":[]}`)}))
	require.Len(t, d.envs, 1)
	assert.Empty(t, d.envs[0].Receivers)
}

func TestOnFireFailureSemantics(t *testing.T) {
	t.Parallel()

	d := &recordingDeliverer{rep: notify.Report{Fanout: notify.FanoutReport{
		Matched:  1,
		Failures: []notify.Failure{notify.NewFailure(notify.ChannelRegistry, "c", errors.New("full"))},
	}}}
	s := New(&fakeQueue{}, d)

	assert.NoError(t, s.OnFire(context.Background(), delayq.Job{Name: JobName, Payload: []byte(`{"type":"x"}`)}))
	assert.Error(t, s.OnFire(context.Background(), delayq.Job{Name: JobName, Payload: []byte(`{not json`)}))
	assert.NoError(t, s.OnFire(context.Background(), delayq.Job{Name: "other", Payload: []byte(`{}`)}))
	assert.Len(t, d.envs, 1)
}

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type chanDeliverer chan notify.Immediate

func (c chanDeliverer) Deliver(_ context.Context, env notify.Immediate) notify.Report {
	c <- env
	return notify.Report{}
}

func TestDeferredNotificationFiresAfterDelayOnMemoryQueue(t *testing.T) {
	t.Parallel()

	clk := &stepClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	q := delayq.NewMemory(delayq.Settings{PollInterval: 5 * time.Millisecond}, delayq.WithClock(clk.Now))
	defer q.Close(context.Background())

	out := make(chanDeliverer, 4)
	s := New(q, out)
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	_, err := s.ScheduleOne(ctx, notify.Delayed{
		Immediate: notify.Immediate{Type: "delayed", Message: "Hello", Receivers: []notify.ReceiverID{"1"}},
		Delay:     10000 * time.Millisecond,
		JobID:     "once",
	})
	require.NoError(t, err)
	_, err = s.ScheduleOne(ctx, notify.Delayed{Immediate: notify.Immediate{Type: "dup"}, Delay: time.Millisecond, JobID: "once"})
	require.NoError(t, err)

	clk.Advance(9 * time.Second)
	select {
	case env := <-out:
		t.Fatalf("fired early: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}

	clk.Advance(time.Second)
	select {
	case env := <-out:
		assert.Equal(t, "delayed", env.Type)
		assert.Equal(t, "Hello", env.Message)
	case <-time.After(3 * time.Second):
		t.Fatal("deferred notification never fired")
	}
	select {
	case env := <-out:
		t.Fatalf("fired twice: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestResubmittedJobIDAfterFiringIsNotDeliveredAgain(t *testing.T) {
	t.Parallel()

	q := delayq.NewMemory(delayq.Settings{PollInterval: 5 * time.Millisecond})
	defer q.Close(context.Background())

	out := make(chanDeliverer, 4)
	s := New(q, out)
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	req := notify.Delayed{
		Immediate: notify.Immediate{Type: "order", Message: "shipped", Receivers: []notify.ReceiverID{"7"}},
		Delay:     10 * time.Millisecond,
		JobID:     "order-1",
	}
	_, err := s.ScheduleOne(ctx, req)
	require.NoError(t, err)
	select {
	case <-out:
	case <-time.After(3 * time.Second):
		t.Fatal("deferred notification never fired")
	}
	require.Eventually(t, func() bool { return q.State("order-1") == delayq.StateCompleted }, 2*time.Second, 5*time.Millisecond)

	id, err := s.ScheduleOne(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "order-1", id)
	select {
	case env := <-out:
		t.Fatalf("delivered twice: %+v", env)
	case <-time.After(100 * time.Millisecond):
	}
}
