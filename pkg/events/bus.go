package events

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/ryanuber/go-glob"
)

// Handler receives an event name and its payload. Handlers run synchronously
// on the goroutine that called Emit.
type Handler func(event string, payload any)

// ErrorHandler is called when a handler panics. The panic never reaches the
// emitter.
type ErrorHandler func(err error, context map[string]interface{})

type matchKind int

const (
	matchExact matchKind = iota
	matchPattern
	matchWildcard
)

type subscription struct {
	id      string
	kind    matchKind
	event   string
	handler Handler
	once    bool
}

func (s *subscription) matches(event string) bool {
	switch s.kind {
	case matchExact:
		return s.event == event
	case matchPattern:
		return glob.Glob(s.event, event)
	default:
		return true
	}
}

type busOptions struct {
	errorHandler ErrorHandler
}

// Option is a functional option for configuring a Bus.
type Option func(*busOptions)

// WithErrorHandler sets the handler invoked for panicking subscribers.
func WithErrorHandler(handler ErrorHandler) Option {
	return func(opts *busOptions) {
		if handler != nil {
			opts.errorHandler = handler
		}
	}
}

// Bus is a synchronous publish/subscribe hub. Subscribers are notified in
// subscription order. All methods are safe for concurrent use.
type Bus struct {
	mu            sync.RWMutex
	subscriptions []*subscription
	options       *busOptions
}

func NewBus(opts ...Option) *Bus {
	options := &busOptions{
		errorHandler: noopErrorHandler,
	}
	for _, opt := range opts {
		opt(options)
	}
	return &Bus{options: options}
}

// On subscribes handler to a single event name and returns the subscription id.
func (b *Bus) On(event string, handler Handler) string {
	return b.subscribe(matchExact, event, handler, false)
}

// Once subscribes handler for the next matching event only.
func (b *Bus) Once(event string, handler Handler) string {
	return b.subscribe(matchExact, event, handler, true)
}

// OnWildcard subscribes handler to every event.
func (b *Bus) OnWildcard(handler Handler) string {
	return b.subscribe(matchWildcard, "", handler, false)
}

// OnPattern subscribes handler to events matching a glob such as "plugin:*".
func (b *Bus) OnPattern(pattern string, handler Handler) string {
	return b.subscribe(matchPattern, pattern, handler, false)
}

func (b *Bus) subscribe(kind matchKind, event string, handler Handler, once bool) string {
	sub := &subscription{
		id:      uuid.NewString(),
		kind:    kind,
		event:   event,
		handler: handler,
		once:    once,
	}

	b.mu.Lock()
	b.subscriptions = append(b.subscriptions, sub)
	b.mu.Unlock()
	return sub.id
}

// Off removes a subscription by id. It reports whether one was removed.
func (b *Bus) Off(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subscriptions {
		if sub.id == id {
			b.subscriptions = append(b.subscriptions[:i:i], b.subscriptions[i+1:]...)
			return true
		}
	}
	return false
}

// Emit delivers payload to every matching subscriber and returns how many
// handlers were called.
func (b *Bus) Emit(event string, payload any) int {
	b.mu.Lock()
	matched := make([]*subscription, 0, len(b.subscriptions))
	kept := b.subscriptions[:0:0]
	for _, sub := range b.subscriptions {
		if sub.matches(event) {
			matched = append(matched, sub)
			if sub.once {
				continue
			}
		}
		kept = append(kept, sub)
	}
	if len(kept) != len(b.subscriptions) {
		b.subscriptions = kept
	}
	b.mu.Unlock()

	for _, sub := range matched {
		b.dispatch(sub, event, payload)
	}
	return len(matched)
}

func (b *Bus) dispatch(sub *subscription, event string, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.options.errorHandler(
				fmt.Errorf("event handler panicked: %v", r),
				map[string]interface{}{
					"subscription_id": sub.id,
					"event":           event,
				},
			)
		}
	}()
	sub.handler(event, payload)
}

// Clear removes every subscription.
func (b *Bus) Clear() {
	b.mu.Lock()
	b.subscriptions = nil
	b.mu.Unlock()
}

// ListenerCount returns how many subscriptions would receive event.
func (b *Bus) ListenerCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, sub := range b.subscriptions {
		if sub.matches(event) {
			count++
		}
	}
	return count
}

func noopErrorHandler(err error, context map[string]interface{}) {}
