package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

// Emitter is the publishing half of the bus. Link and match code depend on
// it so tests can record events synchronously.
type Emitter interface {
	Emit(ctx context.Context, event Event)
}

// EventBus implements an asynchronous publish-subscribe event system.
// Handlers never run on the emitting goroutine, so a slow subscriber
// (database, MQTT) cannot stall the send loop. Each subscriber has its own
// queue and worker, so it sees events in the order they were emitted.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]*subscriber
	wildcard []*subscriber
	stopCh   chan struct{}
	stopped  bool
	wg       sync.WaitGroup
}

type delivery struct {
	ctx   context.Context
	event Event
	// done is set for EmitSync and receives the handler result.
	done chan error
}

// subscriber is one handler with an unbounded FIFO in front of it.
type subscriber struct {
	name    string
	handler HandlerFunc

	mu      sync.Mutex
	pending []delivery
	closed  bool
	wake    chan struct{}
}

func newSubscriber(name string, handler HandlerFunc) *subscriber {
	return &subscriber{
		name:    name,
		handler: handler,
		wake:    make(chan struct{}, 1),
	}
}

func (s *subscriber) push(d delivery) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.pending = append(s.pending, d)
	s.mu.Unlock()
	s.signal()
	return true
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run delivers queued events one at a time and exits once closed and drained.
func (s *subscriber) run() {
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		closed := s.closed
		s.mu.Unlock()

		for _, d := range batch {
			err := s.call(d.ctx, d.event)
			if d.done != nil {
				d.done <- err
			}
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-s.wake
	}
}

func (s *subscriber) call(ctx context.Context, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Type)).
				Str("handler", s.name).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	if err = s.handler(ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("handler", s.name).
			Msg("handler returned error")
	}
	return err
}

// NewEventBus creates a new EventBus instance.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]*subscriber),
		stopCh:   make(chan struct{}),
	}
}

func (eb *EventBus) start(s *subscriber) {
	eb.wg.Add(1)
	go func() {
		defer eb.wg.Done()
		s.run()
	}()
}

// Subscribe registers a handler function for a specific event type.
// The name parameter is used for logging/debugging purposes.
func (eb *EventBus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.stopped {
		return
	}

	s := newSubscriber(name, handler)
	eb.handlers[eventType] = append(eb.handlers[eventType], s)
	eb.start(s)

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("subscribed to event")
}

// SubscribeAll registers a handler that receives every event type.
func (eb *EventBus) SubscribeAll(name string, handler HandlerFunc) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.stopped {
		return
	}

	s := newSubscriber(name, handler)
	eb.wildcard = append(eb.wildcard, s)
	eb.start(s)

	log.Debug().
		Str("handler", name).
		Msg("subscribed to all events")
}

// Unsubscribe removes a named handler from a specific event type. Events
// already queued for it are still delivered.
func (eb *EventBus) Unsubscribe(eventType EventType, name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	handlers, exists := eb.handlers[eventType]
	if !exists {
		return
	}

	filtered := make([]*subscriber, 0, len(handlers))
	for _, s := range handlers {
		if s.name != name {
			filtered = append(filtered, s)
			continue
		}
		s.close()
	}
	eb.handlers[eventType] = filtered

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("unsubscribed from event")
}

// Emit publishes an event to all subscribed handlers asynchronously.
// It only enqueues, so it never waits on a handler.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.stopped {
		return
	}

	subs := eb.matching(event.Type)
	if len(subs) == 0 {
		return
	}

	log.Trace().
		Str("event", string(event.Type)).
		Str("source", event.Source).
		Int("handlers", len(subs)).
		Msg("emitting event")

	for _, s := range subs {
		s.push(delivery{ctx: ctx, event: event})
	}
}

// EmitSync publishes an event and waits for all handlers to complete.
// The event is queued behind anything already pending for each handler.
// Returns the first error encountered, if any. It must not be called from
// inside a handler.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	eb.mu.RLock()
	if eb.stopped {
		eb.mu.RUnlock()
		return nil
	}

	subs := eb.matching(event.Type)
	waits := make([]chan error, 0, len(subs))
	for _, s := range subs {
		done := make(chan error, 1)
		if s.push(delivery{ctx: ctx, event: event, done: done}) {
			waits = append(waits, done)
		}
	}
	eb.mu.RUnlock()

	var firstErr error
	for _, done := range waits {
		if err := <-done; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// matching returns a fresh slice of handlers for the type plus wildcards.
// Caller holds at least a read lock.
func (eb *EventBus) matching(eventType EventType) []*subscriber {
	typed := eb.handlers[eventType]
	if len(typed) == 0 && len(eb.wildcard) == 0 {
		return nil
	}
	out := make([]*subscriber, 0, len(typed)+len(eb.wildcard))
	out = append(out, typed...)
	return append(out, eb.wildcard...)
}

// Stop signals the EventBus to stop accepting new events and waits
// for every queued event to be handled.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	close(eb.stopCh)
	for _, subs := range eb.handlers {
		for _, s := range subs {
			s.close()
		}
	}
	for _, s := range eb.wildcard {
		s.close()
	}
	eb.mu.Unlock()

	eb.wg.Wait()
	log.Info().Msg("event bus stopped")
}

// StopCh returns a channel that is closed when the EventBus is stopped.
func (eb *EventBus) StopCh() <-chan struct{} {
	return eb.stopCh
}

// HandlerCount returns the number of handlers registered for a specific event type.
func (eb *EventBus) HandlerCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType])
}
