package config

import (
	"fmt"
	"strings"
	"time"
)

// ConfigSource identifies where a value came from. Higher sources override
// lower ones.
type ConfigSource int

const (
	SourceDefault ConfigSource = iota
	SourceFile
	SourceEnvironment
	SourceFlag
	SourceDynamic
	SourceSecret
)

func (s ConfigSource) String() string {
	names := [...]string{
		"default",
		"file",
		"environment",
		"flag",
		"dynamic",
		"secret",
	}
	if s < 0 || int(s) >= len(names) {
		return fmt.Sprintf("source(%d)", int(s))
	}
	return names[s]
}

type ConfigValue struct {
	Value     interface{}
	Source    ConfigSource
	IsDefault bool
	Timestamp time.Time
}

type ConfigChange struct {
	Key       string
	OldValue  interface{}
	NewValue  interface{}
	Source    ConfigSource
	Timestamp time.Time
}

type ConfigWatcher interface {
	OnConfigChange(change ConfigChange)
}

// WatcherFunc adapts a function to ConfigWatcher.
type WatcherFunc func(change ConfigChange)

func (f WatcherFunc) OnConfigChange(change ConfigChange) { f(change) }

type ConfigValidator interface {
	Validate(key string, value interface{}) error
}

type ConfigError struct {
	Key     string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config error for key %s: %s: %v", e.Key, e.Message, e.Err)
	}
	return fmt.Sprintf("config error for key %s: %s", e.Key, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

type MultiError struct {
	Errors []error
}

func (e *MultiError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("multiple config errors:\n%s", strings.Join(msgs, "\n"))
}

func (e *MultiError) Unwrap() []error {
	return e.Errors
}

func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

func (e *MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// ErrorOrNil returns e when it holds errors and nil otherwise.
func (e *MultiError) ErrorOrNil() error {
	if e == nil || !e.HasErrors() {
		return nil
	}
	return e
}
