package delayq

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"notifyd/internal/runtime/supervisor"
	"notifyd/pkg/logx"
)

type memItem struct {
	job     Job
	fire    time.Time
	state   string
	expires time.Time
	index   int
}

type memHeap []*memItem

func (h memHeap) Len() int           { return len(h) }
func (h memHeap) Less(i, j int) bool { return h[i].fire.Before(h[j].fire) }
func (h memHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *memHeap) Push(x any) {
	it := x.(*memItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *memHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Memory is a process-local Queue. Jobs do not survive a restart.
type Memory struct {
	common
	set Settings

	mu   sync.Mutex
	pq   memHeap
	jobs map[string]*memItem
	// done and dead hold finished jobs in expiry order.
	done   []*memItem
	dead   []*memItem
	sup    *supervisor.Supervisor
	closed bool
	wake   chan struct{}
}

func NewMemory(s Settings, opts ...Option) *Memory {
	q := &Memory{
		common: newCommon(opts),
		set:    s.withDefaults(),
		jobs:   map[string]*memItem{},
		wake:   make(chan struct{}, 1),
	}
	q.log = q.log.With(logx.String("comp", "delayq"), logx.String("queue", "memory"))
	return q
}

func (q *Memory) Add(_ context.Context, name string, payload []byte, opts Options) (bool, error) {
	id := strings.TrimSpace(opts.JobID)
	if id == "" {
		return false, ErrNoJobID
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, ErrClosed
	}
	now := q.now()
	q.pruneLocked(now)
	if _, ok := q.jobs[id]; ok {
		q.mu.Unlock()
		return false, nil
	}
	it := &memItem{
		job:   Job{ID: id, Name: name, Payload: append([]byte(nil), payload...), Created: now},
		fire:  now.Add(max(opts.Delay, 0)),
		state: StateDelayed,
	}
	q.jobs[id] = it
	heap.Push(&q.pq, it)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true, nil
}

func (q *Memory) Process(ctx context.Context, h Handler) error {
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
		q.sup.Go0(fmt.Sprintf("delayq.worker.%d", i), func(ctx context.Context) { q.work(ctx, h) })
	}
	return nil
}

func (q *Memory) next() (*memItem, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	q.pruneLocked(now)
	if len(q.pq) == 0 {
		return nil, q.set.PollInterval
	}
	head := q.pq[0]
	if head.fire.After(now) {
		return nil, min(head.fire.Sub(now), q.set.PollInterval)
	}
	heap.Pop(&q.pq)
	head.state = StateActive
	head.job.Attempts++
	return head, 0
}

func (q *Memory) work(ctx context.Context, h Handler) {
	for ctx.Err() == nil {
		it, wait := q.next()
		if it == nil {
			select {
			case <-ctx.Done():
			case <-q.wake:
			case <-time.After(wait):
			}
			continue
		}
		job := it.job
		err := runHandler(ctx, h, job)

		q.mu.Lock()
		switch {
		case err == nil:
			q.done = q.retireLocked(q.done, it, StateCompleted, q.set.KeepCompleted)
		case ctx.Err() != nil:
			it.job.Attempts--
			it.state = StateDelayed
			it.fire = q.now()
			heap.Push(&q.pq, it)
		case job.Attempts >= q.set.Attempts:
			q.dead = q.retireLocked(q.dead, it, StateFailed, q.set.KeepFailed)
		default:
			it.state = StateDelayed
			it.fire = q.now().Add(q.set.backoff(job.Attempts))
			heap.Push(&q.pq, it)
		}
		q.mu.Unlock()

		switch {
		case err == nil:
			q.completed(job)
		case ctx.Err() == nil:
			q.failed(job, err, job.Attempts >= q.set.Attempts)
		}
	}
}

func (q *Memory) retireLocked(list []*memItem, it *memItem, state string, keep time.Duration) []*memItem {
	it.state = state
	it.expires = q.now().Add(keep)
	it.job.Payload = nil
	return append(list, it)
}

// pruneLocked forgets finished jobs whose retention has passed.
func (q *Memory) pruneLocked(now time.Time) {
	q.done = q.pruneList(q.done, now)
	q.dead = q.pruneList(q.dead, now)
}

func (q *Memory) pruneList(list []*memItem, now time.Time) []*memItem {
	n := 0
	for n < len(list) && !now.Before(list[n].expires) {
		if it := list[n]; q.jobs[it.job.ID] == it {
			delete(q.jobs, it.job.ID)
		}
		list[n] = nil
		n++
	}
	if n == 0 {
		return list
	}
	return list[n:]
}

// State reports the state of a job, or "" when it no longer exists.
func (q *Memory) State(id string) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pruneLocked(q.now())
	if it, ok := q.jobs[id]; ok {
		return it.state
	}
	return ""
}

// Len is the number of jobs waiting to fire.
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pq)
}

func (q *Memory) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	sup := q.sup
	q.mu.Unlock()
	if sup == nil {
		return nil
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
