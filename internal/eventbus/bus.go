package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Topics published by notifyd components.
const (
	TopicConnAdmitted  = "registry.admitted"
	TopicConnRejected  = "registry.rejected"
	TopicConnEvicted   = "registry.evicted"
	TopicConnRemoved   = "registry.removed"
	TopicFanout        = "registry.fanout"
	TopicJobScheduled  = "queue.scheduled"
	TopicJobCompleted  = "queue.completed"
	TopicJobFailed     = "queue.failed"
	TopicBotSent       = "bot.sent"
	TopicBotFailed     = "bot.failed"
	TopicConfigApplied = "config.applied"
)

// Event is a small in-memory signal used to decouple components.
//
// Publish never blocks. Subscribers get buffered channels and a slow
// subscriber drops events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// JobEvent is the payload of queue.* events.
type JobEvent struct {
	JobID    string `json:"job_id"`
	Name     string `json:"name"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`

	// Final is set on a failure that will not be retried.
	Final bool `json:"final,omitempty"`
}

// ConnEvent is the payload of registry admission/removal events.
type ConnEvent struct {
	ConnID   string `json:"conn_id"`
	Receiver string `json:"receiver"`
	Reason   string `json:"reason,omitempty"`
}

// BotEvent is the payload of bot.* events.
type BotEvent struct {
	Target string `json:"target"`
	Error  string `json:"error,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]sub{}}
}

type sub struct {
	ch     chan Event
	prefix string
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]sub
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, s := range b.subs {
		if s.prefix == "" || strings.HasPrefix(e.Type, s.prefix) {
			targets = append(targets, s.ch)
		}
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		// A concurrent unsubscribe may close ch.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	return b.subscribe(buffer, "")
}

// SubscribeTopic subscribes to events whose type starts with prefix
// (e.g. "queue." for every queue event). Buses not created by New fall
// back to an unfiltered subscription.
func SubscribeTopic(b Bus, buffer int, prefix string) (<-chan Event, func()) {
	if mb, ok := b.(*memBus); ok {
		return mb.subscribe(buffer, prefix)
	}
	return b.Subscribe(buffer)
}

func (b *memBus) subscribe(buffer int, prefix string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = sub{ch: ch, prefix: prefix}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Nop is a Bus that discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}
