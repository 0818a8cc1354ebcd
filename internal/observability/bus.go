package observability

import (
	"sync"
	"time"
)

// Bus fans events out to in-process subscribers. Delivery is synchronous
// on the publishing goroutine; subscribers that need to block must hand
// off to their own goroutine.
type Bus struct {
	mu   sync.Mutex
	subs map[int]func(Event)
	next int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Event))}
}

// BusSubscription is a handle on one subscriber.
type BusSubscription struct {
	cancel func()
}

// Cancel stops further deliveries.
func (s *BusSubscription) Cancel() { s.cancel() }

// Subscribe registers fn for every published event.
func (b *Bus) Subscribe(fn func(Event)) *BusSubscription {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()
	return &BusSubscription{cancel: func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}}
}

// Publish delivers an event to every subscriber. A zero Time is filled
// with the current UTC time.
func (b *Bus) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = LevelInfo
	}
	b.mu.Lock()
	fns := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(event)
	}
}

// Emit is shorthand for publishing a task-scoped event.
func (b *Bus) Emit(typ, task, actor, msg string, data map[string]any) {
	b.Publish(Event{Type: typ, Task: task, Actor: actor, Message: msg, Data: data})
}
