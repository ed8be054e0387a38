// Package eventbus is an in-process fanout of lifecycle signals (delivery
// outcomes, run reports, schedule triggers).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by mailflush components.
const (
	FlushSent   = "flush.sent"   // Data: flush.DeliveryEvent
	FlushFailed = "flush.failed" // Data: flush.DeliveryEvent
	FlushRun    = "flush.run"    // Data: flush.Report

	ScheduleDone    = "schedule.done"    // Data: scheduler.RunInfo
	ScheduleSkipped = "schedule.skipped" // Data: scheduler.RunInfo
)

// Event is a lightweight in-memory signal.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers get buffered channels; a full subscriber drops events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64

	dropped atomic.Uint64
}

// Dropped reports how many deliveries were lost to full subscribers.
func Dropped(b Bus) uint64 {
	if mb, ok := b.(*memBus); ok {
		return mb.dropped.Load()
	}
	return 0
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sending under the read lock keeps Unsubscribe from closing a channel
	// mid-send; every send is non-blocking so the lock is held briefly.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}
