package bus

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// Every subscriber is served by its own goroutine from an unbounded queue, so
// Publish never blocks, never drops, and each handler sees events one at a
// time in publish order.
type Bus struct {
	mu   sync.Mutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	namespace string
	handler   func(Event)

	mu      sync.Mutex
	pending []Event
	wake    chan struct{}
	done    chan struct{}
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish delivers an event to all subscribers whose namespace is a prefix of
// event.Kind. Missing ID and Timestamp are filled in.
func (b *Bus) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			sub.enqueue(evt)
		}
	}
}

// Process is an alias of Publish for callers replaying remote events.
func (b *Bus) Process(evt Event) { b.Publish(evt) }

// Subscribe registers handler for events matching the namespace prefix.
// The returned function unsubscribes; events still queued are discarded and
// a handler already running is allowed to finish.
func (b *Bus) Subscribe(namespace string, handler func(Event)) (unsubscribe func()) {
	sub := &subscription{
		namespace: namespace,
		handler:   handler,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.done)
		})
	}
}

// Chan adapts Subscribe to a channel for callers that select on events.
// The channel is never closed; bufSize bounds how far the reader may lag
// before the subscriber goroutine waits for it.
func (b *Bus) Chan(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	stop := make(chan struct{})
	unsub := b.Subscribe(namespace, func(evt Event) {
		select {
		case ch <- evt:
		case <-stop:
		}
	})
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			close(stop)
			unsub()
		})
	}
}

func (s *subscription) enqueue(evt Event) {
	s.mu.Lock()
	s.pending = append(s.pending, evt)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.wake:
		case <-s.done:
			return
		}
		for {
			s.mu.Lock()
			if len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			evt := s.pending[0]
			s.pending[0] = Event{}
			s.pending = s.pending[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.handler(evt)
		}
	}
}
