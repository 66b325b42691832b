package stream

import "sync"

// Publisher accepts events from the Registry.
type Publisher interface {
	Publish(Event)
}

// Bus fans events out to subscribers. Each subscriber gets its own unbounded
// queue, so every subscriber sees every event in publish order and Publish
// never blocks the producer.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new subscriber. Events published before the call are
// not replayed.
func (b *Bus) Subscribe() *Subscription {
	s := &Subscription{
		bus:   b,
		queue: newQueue[Event](),
		out:   make(chan Event),
		done:  make(chan struct{}),
	}
	go s.pump()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.queue.close()
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		s.queue.push(e)
	}
}

// Close ends all subscriptions after their queued events are delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.queue.close()
	}
	b.subs = nil
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s)
}

// Subscription is one consumer's ordered view of the bus.
type Subscription struct {
	bus      *Bus
	queue    *queue[Event]
	out      chan Event
	done     chan struct{}
	stopOnce sync.Once
}

// Events returns the delivery channel. It is closed when the bus closes or
// the subscription is cancelled.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

// Unsubscribe stops delivery; undelivered events are discarded.
func (s *Subscription) Unsubscribe() {
	s.stopOnce.Do(func() {
		s.bus.remove(s)
		close(s.done)
	})
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		e, ok := s.queue.pop(s.done)
		if !ok {
			return
		}
		select {
		case s.out <- e:
		case <-s.done:
			return
		}
	}
}
