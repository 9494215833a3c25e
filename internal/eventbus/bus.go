package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event carries a run lifecycle notification (see the scheduler's Event*
// constants for the types in use). Data stays small; subscribers log or
// mirror it, they never mutate it.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus is an in-process fanout. Publish never blocks: a subscriber whose
// buffer is full misses the event, so run progress can never be stalled by
// a slow listener.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		// An unsubscribe racing this send can close the channel under us;
		// the recover turns that into a silent drop.
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
	if buffer <= 0 {
		buffer = 16
	}
	id := b.seq.Add(1)
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		cur, ok := b.subs[id]
		delete(b.subs, id)
		b.mu.Unlock()
		if ok {
			close(cur)
		}
	}
}
