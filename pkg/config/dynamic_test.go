package config

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingUpdater struct {
	mu        sync.Mutex
	applied   []string
	rolled    []interface{}
	failWith  error
	appliedCh chan string
}

func newRecordingUpdater() *recordingUpdater {
	return &recordingUpdater{appliedCh: make(chan string, 10)}
}

func (r *recordingUpdater) component(keys ...string) *ComponentUpdater {
	return NewComponentUpdater("test", keys,
		func(key string, value interface{}) error {
			r.mu.Lock()
			err := r.failWith
			if err == nil {
				r.applied = append(r.applied, key)
			}
			r.mu.Unlock()
			r.appliedCh <- key
			return err
		},
		func(key string, oldValue interface{}) error {
			r.mu.Lock()
			r.rolled = append(r.rolled, oldValue)
			r.mu.Unlock()
			return nil
		},
	)
}

func newDynamicFixture(t *testing.T) (*ConfigManager, *DynamicConfigManager) {
	t.Helper()
	manager := NewConfigManager(discardLogger(), nil)
	manager.SetDefault("plugins.configs.cache.size", 10)
	manager.SetDefault("logging.level", "info")
	manager.AddValidator("plugins.configs.cache.size", &RangeValidator{Min: 1, Max: 100})
	require.NoError(t, manager.Load(context.Background()))

	dynamic := NewDynamicConfigManager(manager)
	t.Cleanup(dynamic.Stop)
	return manager, dynamic
}

func TestDynamicConfigManager_UpdateApplies(t *testing.T) {
	manager, dynamic := newDynamicFixture(t)
	updater := newRecordingUpdater()
	require.NoError(t, dynamic.RegisterUpdater("plugins", updater.component("plugins.configs")))
	dynamic.Start()

	response, err := dynamic.Update(context.Background(), "plugins.configs.cache.size", 20)
	require.NoError(t, err)
	assert.True(t, response.Success)
	assert.Equal(t, 10, response.OldValue)

	size, err := manager.GetInt("plugins.configs.cache.size")
	require.NoError(t, err)
	assert.Equal(t, 20, size)
	assert.Equal(t, []string{"plugins.configs.cache.size"}, updater.applied)

	require.NoError(t, manager.Load(context.Background()))
	size, err = manager.GetInt("plugins.configs.cache.size")
	require.NoError(t, err)
	assert.Equal(t, 20, size, "runtime values survive a reload")
}

func TestDynamicConfigManager_ComponentReadsStoredValue(t *testing.T) {
	manager, dynamic := newDynamicFixture(t)
	var seen interface{}
	require.NoError(t, dynamic.RegisterUpdater("plugins", NewComponentUpdater("plugins", []string{"plugins"},
		func(key string, value interface{}) error {
			seen, _ = manager.Get(key)
			return nil
		}, nil)))
	dynamic.Start()

	_, err := dynamic.Update(context.Background(), "plugins.configs.cache.size", 42)
	require.NoError(t, err)
	assert.Equal(t, 42, seen)
}

func TestDynamicConfigManager_RejectedUpdateRollsBack(t *testing.T) {
	manager, dynamic := newDynamicFixture(t)
	updater := newRecordingUpdater()
	updater.failWith = errors.New("cache busy")
	require.NoError(t, dynamic.RegisterUpdater("plugins", updater.component("plugins")))
	dynamic.Start()

	response, err := dynamic.Update(context.Background(), "plugins.configs.cache.size", 20)
	assert.EqualError(t, err, "cache busy")
	assert.False(t, response.Success)
	assert.Equal(t, []interface{}{10}, updater.rolled)

	size, err := manager.GetInt("plugins.configs.cache.size")
	require.NoError(t, err)
	assert.Equal(t, 10, size)
}

func TestDynamicConfigManager_InvalidValueRollsBack(t *testing.T) {
	_, dynamic := newDynamicFixture(t)
	updater := newRecordingUpdater()
	require.NoError(t, dynamic.RegisterUpdater("plugins", updater.component("plugins")))
	dynamic.Start()

	_, err := dynamic.Update(context.Background(), "plugins.configs.cache.size", 1000)
	var configErr *ConfigError
	assert.True(t, errors.As(err, &configErr))
	assert.Empty(t, updater.applied)
	assert.Empty(t, updater.rolled)
}

func TestDynamicConfigManager_UnroutedKeyStored(t *testing.T) {
	manager, dynamic := newDynamicFixture(t)
	dynamic.Start()

	response, err := dynamic.Update(context.Background(), "logging.level", "debug")
	require.NoError(t, err)
	assert.True(t, response.Success)

	level, err := manager.GetString("logging.level")
	require.NoError(t, err)
	assert.Equal(t, "debug", level)
}

func TestDynamicConfigManager_ReloadedChangesApplied(t *testing.T) {
	manager, dynamic := newDynamicFixture(t)
	updater := newRecordingUpdater()
	require.NoError(t, dynamic.RegisterUpdater("plugins", updater.component("plugins.configs")))
	dynamic.Start()

	require.NoError(t, manager.Set("plugins.configs.cache.size", 30, SourceFile))

	select {
	case key := <-updater.appliedCh:
		assert.Equal(t, "plugins.configs.cache.size", key)
	case <-time.After(2 * time.Second):
		t.Fatal("reloaded change was not applied")
	}
}

func TestDynamicConfigManager_Stopped(t *testing.T) {
	_, dynamic := newDynamicFixture(t)
	dynamic.Start()
	dynamic.Stop()

	_, err := dynamic.Update(context.Background(), "logging.level", "debug")
	assert.ErrorIs(t, err, ErrDynamicStopped)
}

func TestDynamicConfigManager_DuplicateUpdater(t *testing.T) {
	_, dynamic := newDynamicFixture(t)
	require.NoError(t, dynamic.RegisterUpdater("a", NewComponentUpdater("a", nil, nil, nil)))
	assert.Error(t, dynamic.RegisterUpdater("a", NewComponentUpdater("a", nil, nil, nil)))
}

func TestComponentUpdater_CanUpdate(t *testing.T) {
	updater := NewComponentUpdater("ctx", []string{"context"}, nil, nil)
	assert.True(t, updater.CanUpdate("context"))
	assert.True(t, updater.CanUpdate("context.region"))
	assert.False(t, updater.CanUpdate("contexts"))
	assert.Equal(t, "ctx", updater.Name())
}
