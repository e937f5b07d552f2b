package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mitchellh/mapstructure"
)

// SecretPrefix marks a string value that names a secret to resolve
// through the manager's SecretStore, e.g. "secret:manifest-key".
const SecretPrefix = "secret:"

type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

type SecretStore interface {
	GetSecret(key string) (string, error)
	SetSecret(key string, value string) error
	DeleteSecret(key string) error
	ListSecrets() ([]string, error)
}

type ConfigManager struct {
	sources     []Source
	values      map[string]*ConfigValue
	defaults    map[string]interface{}
	validators  map[string][]ConfigValidator
	watchers    map[string][]ConfigWatcher
	mu          sync.RWMutex
	onChange    chan ConfigChange
	loaded      bool
	logger      Logger
	secretStore SecretStore
	// secretFactory builds secretStore on first use from the loaded settings.
	secretFactory func(settings map[string]interface{}) (SecretStore, error)
	fileWatcher *FileWatcher
	retry       func() backoff.BackOff
}

// NewConfigManager creates an empty manager. secretStore may be nil when
// no value references a secret.
// NewConfigManager creates an empty manager. logger may be nil.
func NewConfigManager(logger Logger, secretStore SecretStore) *ConfigManager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ConfigManager{
		sources:     make([]Source, 0),
		values:      make(map[string]*ConfigValue),
		defaults:    make(map[string]interface{}),
		validators:  make(map[string][]ConfigValidator),
		watchers:    make(map[string][]ConfigWatcher),
		onChange:    make(chan ConfigChange, 100),
		logger:      logger,
		secretStore: secretStore,
		retry: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxElapsedTime = 5 * time.Second
			return b
		},
	}
}

func (m *ConfigManager) AddSource(source Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.sources {
		if existing.Name() == source.Name() {
			return fmt.Errorf("config source already added: %s", source.Name())
		}
	}
	m.sources = append(m.sources, source)
	sort.SliceStable(m.sources, func(i, j int) bool {
		return m.sources[i].Kind() < m.sources[j].Kind()
	})
	return nil
}

// SetSecretStoreFactory defers creating the secret store until a value
// references a secret. The factory sees the settings loaded so far.
func (m *ConfigManager) SetSecretStoreFactory(factory func(settings map[string]interface{}) (SecretStore, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secretFactory = factory
}

// SetLogger replaces the logger. It is not safe to call once WatchFiles or
// a DynamicConfigManager is running.
func (m *ConfigManager) SetLogger(logger Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = logger
}

func (m *ConfigManager) SetDefault(key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults[key] = value
}

// DefaultKeys returns every key that has a default, sorted.
func (m *ConfigManager) DefaultKeys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.defaults))
	for key := range m.defaults {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (m *ConfigManager) AddValidator(key string, validator ConfigValidator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validators[key] = append(m.validators[key], validator)
}

// AddWatcher subscribes watcher to key and every key below it. An empty key
// matches everything.
func (m *ConfigManager) AddWatcher(key string, watcher ConfigWatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers[key] = append(m.watchers[key], watcher)
}

// Load rebuilds every value from defaults and sources, validates the result
// and swaps it in. A failing source is logged and skipped. On a reload,
// changed keys are reported to watchers.
func (m *ConfigManager) Load(ctx context.Context) error {
	m.mu.RLock()
	sources := append([]Source(nil), m.sources...)
	defaults := make(map[string]interface{}, len(m.defaults))
	for key, value := range m.defaults {
		defaults[key] = value
	}
	m.mu.RUnlock()

	now := time.Now()
	values := make(map[string]*ConfigValue, len(defaults))
	for key, value := range defaults {
		values[key] = &ConfigValue{
			Value:     value,
			Source:    SourceDefault,
			IsDefault: true,
			Timestamp: now,
		}
	}

	for _, source := range sources {
		config, err := source.Load(ctx)
		if err != nil {
			m.logger.Warn("failed to load from source", "source", source.Name(), "error", err)
			continue
		}
		flat := make(map[string]interface{})
		flatten("", config, flat)
		for key, value := range flat {
			existing, exists := values[key]
			if !exists || source.Kind() >= existing.Source {
				values[key] = &ConfigValue{Value: value, Source: source.Kind(), Timestamp: now}
			}
		}
	}

	// Values set at runtime outrank every source and survive reloads.
	m.mu.RLock()
	for key, value := range m.values {
		if value.Source == SourceDynamic {
			kept := *value
			values[key] = &kept
		}
	}
	m.mu.RUnlock()

	if err := m.resolveSecrets(values); err != nil {
		return err
	}

	m.mu.Lock()
	if err := m.validateAll(values); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	previous := m.values
	wasLoaded := m.loaded
	m.values = values
	m.loaded = true
	m.mu.Unlock()

	if wasLoaded {
		for _, change := range diffValues(previous, values, now) {
			m.notifyWatchers(change)
		}
	}
	return nil
}

func (m *ConfigManager) resolveSecrets(values map[string]*ConfigValue) error {
	var refs []string
	for key, value := range values {
		if ref, ok := value.Value.(string); ok && strings.HasPrefix(ref, SecretPrefix) {
			refs = append(refs, key)
		}
	}
	if len(refs) == 0 {
		return nil
	}
	sort.Strings(refs)

	store, err := m.secrets(values)
	if err != nil {
		return &ConfigError{Key: refs[0], Message: "secret store unavailable", Err: err}
	}

	var multiErr MultiError
	for _, key := range refs {
		value := values[key]
		ref := value.Value.(string)
		secret, err := store.GetSecret(strings.TrimPrefix(ref, SecretPrefix))
		if err != nil {
			multiErr.Add(&ConfigError{Key: key, Message: "failed to resolve secret", Err: err})
			continue
		}
		value.Value = secret
		value.Source = SourceSecret
	}
	return multiErr.ErrorOrNil()
}

func (m *ConfigManager) secrets(values map[string]*ConfigValue) (SecretStore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.secretStore != nil {
		return m.secretStore, nil
	}
	if m.secretFactory == nil {
		return nil, errors.New("no secret store configured")
	}

	settings := make(map[string]interface{})
	for key, value := range values {
		setNestedValue(settings, key, value.Value)
	}
	store, err := m.secretFactory(settings)
	if err != nil {
		return nil, err
	}
	m.secretStore = store
	return store, nil
}

func (m *ConfigManager) validateAll(values map[string]*ConfigValue) error {
	var multiErr MultiError

	keys := make([]string, 0, len(m.validators))
	for key := range m.validators {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value, ok := values[key]
		var raw interface{}
		if ok {
			raw = value.Value
		}
		for _, validator := range m.validators[key] {
			if _, required := validator.(*RequiredValidator); !ok && !required {
				continue
			}
			if err := validator.Validate(key, raw); err != nil {
				multiErr.Add(&ConfigError{
					Key:     key,
					Message: "validation failed",
					Err:     err,
				})
			}
		}
	}
	return multiErr.ErrorOrNil()
}

func diffValues(previous, current map[string]*ConfigValue, now time.Time) []ConfigChange {
	var changes []ConfigChange
	for key, value := range current {
		old, ok := previous[key]
		if ok && reflect.DeepEqual(old.Value, value.Value) {
			continue
		}
		change := ConfigChange{Key: key, NewValue: value.Value, Source: value.Source, Timestamp: now}
		if ok {
			change.OldValue = old.Value
		}
		changes = append(changes, change)
	}
	for key, old := range previous {
		if _, ok := current[key]; !ok {
			changes = append(changes, ConfigChange{Key: key, OldValue: old.Value, Timestamp: now})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Key < changes[j].Key })
	return changes
}

// Set overrides a single value after validating it.
func (m *ConfigManager) Set(key string, value interface{}, source ConfigSource) error {
	m.mu.Lock()
	for _, validator := range m.validators[key] {
		if err := validator.Validate(key, value); err != nil {
			m.mu.Unlock()
			return &ConfigError{Key: key, Message: "validation failed", Err: err}
		}
	}

	change := ConfigChange{Key: key, NewValue: value, Source: source, Timestamp: time.Now()}
	if old, ok := m.values[key]; ok {
		change.OldValue = old.Value
	}
	m.values[key] = &ConfigValue{Value: value, Source: source, Timestamp: change.Timestamp}
	m.mu.Unlock()

	m.notifyWatchers(change)
	return nil
}

// restore puts back a record captured with Lookup, or removes key when
// existed is false. Watchers see the change as a dynamic one.
func (m *ConfigManager) restore(key string, previous ConfigValue, existed bool) {
	m.mu.Lock()
	change := ConfigChange{Key: key, Timestamp: time.Now()}
	if current, ok := m.values[key]; ok {
		change.OldValue = current.Value
	}
	if existed {
		restored := previous
		m.values[key] = &restored
		change.NewValue = previous.Value
	} else {
		delete(m.values, key)
	}
	change.Source = SourceDynamic
	m.mu.Unlock()

	m.notifyWatchers(change)
}

// Get returns the value at key. A key that only prefixes other keys
// returns them as a nested map.
func (m *ConfigManager) Get(key string) (interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if value, ok := m.values[key]; ok {
		return value.Value, nil
	}

	prefix := key + "."
	nested := make(map[string]interface{})
	for k, value := range m.values {
		if strings.HasPrefix(k, prefix) {
			setNestedValue(nested, strings.TrimPrefix(k, prefix), value.Value)
		}
	}
	if len(nested) > 0 {
		return nested, nil
	}
	return nil, &ConfigError{Key: key, Message: "key not found"}
}

// Lookup returns the full record for key, including its source.
func (m *ConfigManager) Lookup(key string) (ConfigValue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.values[key]
	if !ok {
		return ConfigValue{}, false
	}
	return *value, true
}

func (m *ConfigManager) GetString(key string) (string, error) {
	var out string
	return out, m.getAs(key, &out)
}

func (m *ConfigManager) GetInt(key string) (int, error) {
	var out int
	return out, m.getAs(key, &out)
}

func (m *ConfigManager) GetBool(key string) (bool, error) {
	var out bool
	return out, m.getAs(key, &out)
}

func (m *ConfigManager) GetDuration(key string) (time.Duration, error) {
	var out time.Duration
	return out, m.getAs(key, &out)
}

func (m *ConfigManager) GetStringSlice(key string) ([]string, error) {
	var out []string
	return out, m.getAs(key, &out)
}

func (m *ConfigManager) GetStringMap(key string) (map[string]interface{}, error) {
	var out map[string]interface{}
	return out, m.getAs(key, &out)
}

func (m *ConfigManager) getAs(key string, out interface{}) error {
	value, err := m.Get(key)
	if err != nil {
		return err
	}
	if err := decode(value, out); err != nil {
		return &ConfigError{Key: key, Message: "type conversion failed", Err: err}
	}
	return nil
}

// AllSettings returns every value as a nested map.
func (m *ConfigManager) AllSettings() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]interface{})
	keys := make([]string, 0, len(m.values))
	for key := range m.values {
		keys = append(keys, key)
	}
	// Shorter keys first so a nested key wins over an empty-map leaf.
	sort.Strings(keys)
	for _, key := range keys {
		setNestedValue(out, key, m.values[key].Value)
	}
	return out
}

// Decode fills out, a pointer to a struct with mapstructure tags, from the
// current settings.
func (m *ConfigManager) Decode(out interface{}) error {
	return decode(m.AllSettings(), out)
}

func decode(input, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

func (m *ConfigManager) notifyWatchers(change ConfigChange) {
	m.mu.RLock()
	var watchers []ConfigWatcher
	for key, list := range m.watchers {
		if key == "" || key == change.Key || strings.HasPrefix(change.Key, key+".") {
			watchers = append(watchers, list...)
		}
	}
	m.mu.RUnlock()

	for _, watcher := range watchers {
		watcher.OnConfigChange(change)
	}

	select {
	case m.onChange <- change:
	default:
		m.logger.Warn("config change channel full, dropping change", "key", change.Key)
	}
}

// Watch returns a channel of changes. Changes are dropped when it is full.
func (m *ConfigManager) Watch() <-chan ConfigChange {
	return m.onChange
}

// WatchFiles reloads the configuration whenever a watched source file
// changes. Reloads that fail are retried with exponential backoff; ctx
// bounds the retries.
func (m *ConfigManager) WatchFiles(ctx context.Context) error {
	m.mu.Lock()
	if m.fileWatcher != nil {
		m.mu.Unlock()
		return fmt.Errorf("config files already watched")
	}
	watcher := NewFileWatcher(m.logger)
	m.fileWatcher = watcher
	sources := append([]Source(nil), m.sources...)
	m.mu.Unlock()

	reload := func() {
		err := backoff.Retry(func() error {
			return m.Load(ctx)
		}, backoff.WithContext(m.retry(), ctx))
		if err != nil {
			m.logger.Error("config reload failed", "error", err)
			return
		}
		m.logger.Info("configuration reloaded")
	}

	for _, source := range sources {
		watchable, ok := source.(WatchableSource)
		if !ok {
			continue
		}
		if err := watchable.Watch(watcher, reload); err != nil {
			return err
		}
	}
	return watcher.Start()
}

// Close stops file watching.
func (m *ConfigManager) Close() error {
	m.mu.Lock()
	watcher := m.fileWatcher
	m.fileWatcher = nil
	m.mu.Unlock()

	if watcher == nil {
		return nil
	}
	return watcher.Stop()
}
