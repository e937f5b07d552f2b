package plugin

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPluginNotFound          = errors.New("plugin not found")
	ErrPluginAlreadyRegistered = errors.New("plugin already registered")
	ErrInvalidPlugin           = errors.New("invalid plugin")
	ErrDependencyMissing       = errors.New("missing dependency")
	ErrCircularDependency      = errors.New("circular dependency detected")
	ErrDependencyNotReady      = errors.New("dependency not ready")
	ErrKernelNotCreated        = errors.New("kernel is not in created state")
	ErrKernelInitializing      = errors.New("kernel is initializing")
	ErrKernelDestroying        = errors.New("kernel is being destroyed")
	ErrKernelDestroyed         = errors.New("kernel is destroyed")
	ErrCapabilityExists        = errors.New("capability already provided")
)

// MissingDependencyError names a plugin and the dependency it declares but
// nobody registered.
type MissingDependencyError struct {
	Plugin     string
	Dependency string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("%s: plugin %q requires %q", ErrDependencyMissing, e.Plugin, e.Dependency)
}

func (e *MissingDependencyError) Unwrap() error {
	return ErrDependencyMissing
}

// CircularDependencyError carries a closed cycle path, e.g. [a b a].
type CircularDependencyError struct {
	Path []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCircularDependency, strings.Join(e.Path, " -> "))
}

func (e *CircularDependencyError) Unwrap() error {
	return ErrCircularDependency
}

// DependencyNotReadyError is reported for a dynamically added plugin whose
// dependency is gone or did not reach the ready state.
type DependencyNotReadyError struct {
	Plugin     string
	Dependency string
	State      string
}

func (e *DependencyNotReadyError) Error() string {
	return fmt.Sprintf("%s: plugin %q depends on %q (%s)", ErrDependencyNotReady, e.Plugin, e.Dependency, e.State)
}

func (e *DependencyNotReadyError) Unwrap() error {
	return ErrDependencyNotReady
}

// PanicError is the normalized form of a value recovered from a panicking hook.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	if err, ok := e.Value.(error); ok {
		return err.Error()
	}
	return fmt.Sprint(e.Value)
}

func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// AggregateError bundles every failure recorded under the collect strategy,
// in the order they occurred.
type AggregateError struct {
	Errors []error
}

// Error lists every failure on one line so the aggregate reads cleanly when
// wrapped or appended to another error.
func (e *AggregateError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	noun := "errors"
	if len(e.Errors) == 1 {
		noun = "error"
	}
	return fmt.Sprintf("%d plugin %s: %s", len(e.Errors), noun, strings.Join(msgs, "; "))
}

func (e *AggregateError) Unwrap() []error {
	return e.Errors
}
