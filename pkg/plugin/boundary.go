package plugin

import (
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Strategy selects how lifecycle hook failures affect sibling plugins.
type Strategy int

const (
	StrategyIsolate Strategy = iota
	StrategyFailFast
	StrategyCollect
)

func (s Strategy) String() string {
	names := [...]string{
		"isolate",
		"fail-fast",
		"collect",
	}
	if s < 0 || int(s) >= len(names) {
		return fmt.Sprintf("strategy(%d)", int(s))
	}
	return names[s]
}

func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "isolate":
		return StrategyIsolate, nil
	case "fail-fast", "failfast", "fail_fast":
		return StrategyFailFast, nil
	case "collect":
		return StrategyCollect, nil
	default:
		return StrategyIsolate, fmt.Errorf("unknown error strategy: %q", s)
	}
}

// GlobalErrorHandler observes every failure routed through an ErrorBoundary.
// pluginName is empty for failures outside a plugin hook.
type GlobalErrorHandler func(err error, pluginName string)

// policy is the per-strategy behavior, chosen once when the boundary is built.
type policy struct {
	record bool
	abort  bool
}

var policies = [...]policy{
	StrategyIsolate:  {record: false, abort: false},
	StrategyFailFast: {record: false, abort: true},
	StrategyCollect:  {record: true, abort: false},
}

// ErrorBoundary reports hook failures uniformly. It never decides whether a
// sweep continues; callers consult Aborts for that.
type ErrorBoundary struct {
	strategy Strategy
	policy   policy
	handler  GlobalErrorHandler

	mu        sync.Mutex
	collected *multierror.Error
}

func NewErrorBoundary(strategy Strategy, handler GlobalErrorHandler) *ErrorBoundary {
	if strategy < StrategyIsolate || strategy > StrategyCollect {
		strategy = StrategyIsolate
	}
	return &ErrorBoundary{
		strategy: strategy,
		policy:   policies[strategy],
		handler:  handler,
	}
}

func (b *ErrorBoundary) Strategy() Strategy {
	return b.strategy
}

// Aborts reports whether a failure should stop the surrounding sweep.
func (b *ErrorBoundary) Aborts() bool {
	return b.policy.abort
}

// WithBoundary runs op on behalf of a plugin. A failure (returned error or
// panic) is reported to the plugin's OnError, to the global handler and, for
// the collect strategy, recorded. The normalized error is always returned.
func (b *ErrorBoundary) WithBoundary(pluginName string, p Plugin, op func() error) error {
	return b.run(pluginName, p, op, true)
}

// Contain is WithBoundary for work whose failures stay with the plugin:
// OnError and the global handler still see them, but they are never
// recorded for ThrowIfErrors.
func (b *ErrorBoundary) Contain(pluginName string, p Plugin, op func() error) error {
	return b.run(pluginName, p, op, false)
}

func (b *ErrorBoundary) run(pluginName string, p Plugin, op func() error, record bool) error {
	err := safeRun(op)
	if err == nil {
		return nil
	}

	if h, ok := p.(ErrorHandler); ok {
		safeNotify(func() { h.OnError(err) })
	}
	b.report(err, pluginName, record)
	return err
}

func (b *ErrorBoundary) report(err error, pluginName string, record bool) {
	if b.handler != nil {
		safeNotify(func() { b.handler(err, pluginName) })
	}
	if record && b.policy.record {
		b.mu.Lock()
		b.collected = multierror.Append(b.collected, err)
		b.mu.Unlock()
	}
}

// ThrowIfErrors returns an *AggregateError holding every recorded failure
// and clears the list. It returns nil when nothing was recorded.
func (b *ErrorBoundary) ThrowIfErrors() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.collected == nil || len(b.collected.Errors) == 0 {
		return nil
	}
	errs := b.collected.WrappedErrors()
	b.collected = nil
	return &AggregateError{Errors: errs}
}

func (b *ErrorBoundary) Errors() []error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.collected == nil {
		return nil
	}
	out := make([]error, len(b.collected.Errors))
	copy(out, b.collected.Errors)
	return out
}

func (b *ErrorBoundary) ClearErrors() {
	b.mu.Lock()
	b.collected = nil
	b.mu.Unlock()
}

// Isolate runs op, reports a failure and swallows it. ok is false on failure.
func Isolate[T any](b *ErrorBoundary, op func() (T, error)) (result T, ok bool) {
	var zero T
	err := safeRun(func() error {
		var err error
		result, err = op()
		return err
	})
	if err != nil {
		b.handleUnowned(err)
		return zero, false
	}
	return result, true
}

// FailFast runs op, reports a failure and returns it.
func FailFast[T any](b *ErrorBoundary, op func() (T, error)) (T, error) {
	var zero T
	var result T
	err := safeRun(func() error {
		var err error
		result, err = op()
		return err
	})
	if err != nil {
		b.handleUnowned(err)
		return zero, err
	}
	return result, nil
}

// Collect runs op and records a failure for a later ThrowIfErrors.
func Collect[T any](b *ErrorBoundary, op func() (T, error)) (result T, ok bool) {
	var zero T
	err := safeRun(func() error {
		var err error
		result, err = op()
		return err
	})
	if err != nil {
		b.handleUnowned(err)
		if !b.policy.record {
			b.mu.Lock()
			b.collected = multierror.Append(b.collected, err)
			b.mu.Unlock()
		}
		return zero, false
	}
	return result, true
}

func (b *ErrorBoundary) handleUnowned(err error) {
	b.report(err, "", true)
}

func safeRun(op func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = toError(r)
		}
	}()
	return op()
}

// safeNotify runs error-reporting code whose own panics must not escape.
func safeNotify(fn func()) {
	defer func() {
		_ = recover()
	}()
	fn()
}
