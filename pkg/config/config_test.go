package config

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppConfig_Defaults(t *testing.T) {
	cfg, _, err := LoadAppConfig(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, "isolate", cfg.Kernel.ErrorStrategy)
	assert.Equal(t, 30*time.Second, cfg.Kernel.ShutdownTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "none", cfg.Secrets.Backend)
	assert.Equal(t, "secret", cfg.Secrets.Vault.Mount)
	assert.False(t, cfg.Admin.Enabled)
	assert.Equal(t, time.Hour, cfg.Admin.TokenTTL)
}

func TestLoadAppConfig_Layering(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "base.yaml", `
kernel:
  error_strategy: fail-fast
  shutdown_timeout: 45s
logging:
  level: warn
  format: text
plugins:
  enabled: [auth, cache]
  configs:
    cache:
      size: 10
context:
  region: eu
`)
	override := writeFile(t, dir, "override.json", `{"logging": {"format": "json"}, "metrics": {"namespace": "app"}}`)

	t.Setenv("MICROKERNEL_KERNEL_ERROR_STRATEGY", "collect")
	t.Setenv("MICROKERNEL_LOGGING_LEVEL", "error")

	cfg, manager, err := LoadAppConfig(context.Background(), Options{
		Paths: []string{base, override, filepath.Join(dir, "missing.yaml")},
		Flags: map[string]interface{}{"logging.level": "debug"},
	})
	require.NoError(t, err)

	assert.Equal(t, "collect", cfg.Kernel.ErrorStrategy)
	assert.Equal(t, 45*time.Second, cfg.Kernel.ShutdownTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "app", cfg.Metrics.Namespace)
	assert.Equal(t, []string{"auth", "cache"}, cfg.Plugins.Enabled)
	assert.Equal(t, map[string]interface{}{"size": 10}, cfg.Plugins.Configs["cache"])
	assert.Equal(t, "eu", cfg.Context["region"])

	value, ok := manager.Lookup("kernel.error_strategy")
	require.True(t, ok)
	assert.Equal(t, SourceEnvironment, value.Source)
	value, ok = manager.Lookup("logging.level")
	require.True(t, ok)
	assert.Equal(t, SourceFlag, value.Source)
	value, ok = manager.Lookup("metrics.enabled")
	require.True(t, ok)
	assert.True(t, value.IsDefault)
}

func TestLoadAppConfig_ValidationErrorsCollected(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.yaml", `
kernel:
  error_strategy: retry
logging:
  level: loud
metrics:
  path: metrics
`)

	_, _, err := LoadAppConfig(context.Background(), Options{Paths: []string{path}})
	require.Error(t, err)

	var multiErr *MultiError
	require.True(t, errors.As(err, &multiErr))
	assert.Len(t, multiErr.Errors, 3)

	var configErr *ConfigError
	require.True(t, errors.As(multiErr.Errors[0], &configErr))
	assert.Equal(t, "kernel.error_strategy", configErr.Key)
}

func TestLoadAppConfig_InvalidFileSkipped(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "broken.json", "{")

	cfg, _, err := LoadAppConfig(context.Background(), Options{Paths: []string{path}})
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestConfigManager_TypedGetters(t *testing.T) {
	manager := NewConfigManager(discardLogger(), nil)
	manager.SetDefault("timeout", "1m30s")
	manager.SetDefault("count", "7")
	manager.SetDefault("tags", "a,b,c")
	manager.SetDefault("debug", "true")
	manager.SetDefault("db.host", "localhost")
	manager.SetDefault("db.port", 5432)
	require.NoError(t, manager.Load(context.Background()))

	d, err := manager.GetDuration("timeout")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	n, err := manager.GetInt("count")
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	tags, err := manager.GetStringSlice("tags")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, tags)

	debug, err := manager.GetBool("debug")
	require.NoError(t, err)
	assert.True(t, debug)

	db, err := manager.GetStringMap("db")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"host": "localhost", "port": 5432}, db)

	_, err = manager.GetString("absent")
	var configErr *ConfigError
	assert.True(t, errors.As(err, &configErr))
}

func TestConfigManager_SetValidatesAndNotifies(t *testing.T) {
	manager := NewConfigManager(discardLogger(), nil)
	manager.SetDefault("server.port", 8080)
	manager.AddValidator("server.port", &RangeValidator{Min: 1, Max: 65535})
	require.NoError(t, manager.Load(context.Background()))

	var changes []ConfigChange
	manager.AddWatcher("server", WatcherFunc(func(change ConfigChange) {
		changes = append(changes, change)
	}))

	assert.Error(t, manager.Set("server.port", 70000, SourceDynamic))
	require.NoError(t, manager.Set("server.port", 9090, SourceDynamic))

	port, err := manager.GetInt("server.port")
	require.NoError(t, err)
	assert.Equal(t, 9090, port)
	require.Len(t, changes, 1)
	assert.Equal(t, 8080, changes[0].OldValue)
	assert.Equal(t, 9090, changes[0].NewValue)

	select {
	case change := <-manager.Watch():
		assert.Equal(t, "server.port", change.Key)
	default:
		t.Fatal("expected a change on the watch channel")
	}
}

func TestConfigManager_ReloadReportsChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "app.yaml", "logging:\n  level: info\nfeature: on\n")

	manager := NewConfigManager(discardLogger(), nil)
	require.NoError(t, manager.AddSource(NewFileSource(path)))
	require.NoError(t, manager.Load(context.Background()))

	var changes []ConfigChange
	manager.AddWatcher("", WatcherFunc(func(change ConfigChange) {
		changes = append(changes, change)
	}))

	writeFile(t, dir, "app.yaml", "logging:\n  level: debug\nextra: 1\n")
	require.NoError(t, manager.Load(context.Background()))

	require.Len(t, changes, 3)
	assert.Equal(t, "extra", changes[0].Key)
	assert.Equal(t, "feature", changes[1].Key)
	assert.Nil(t, changes[1].NewValue)
	assert.Equal(t, "logging.level", changes[2].Key)
	assert.Equal(t, "info", changes[2].OldValue)
	assert.Equal(t, "debug", changes[2].NewValue)
}

func TestConfigManager_AddSourceDuplicate(t *testing.T) {
	manager := NewConfigManager(discardLogger(), nil)
	require.NoError(t, manager.AddSource(NewFlagSource(nil)))
	assert.Error(t, manager.AddSource(NewFlagSource(nil)))
}

func TestConfigManager_SecretReferences(t *testing.T) {
	store := newTestFileStore(t, "k3y")
	require.NoError(t, store.SetSecret("manifest-key", "s3cret"))

	dir := t.TempDir()
	path := writeFile(t, dir, "app.yaml", "manifests:\n  secret_key: secret:manifest-key\n")

	cfg, manager, err := LoadAppConfig(context.Background(), Options{
		Paths:       []string{path},
		SecretStore: store,
	})
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Manifests.SecretKey)

	value, ok := manager.Lookup("manifests.secret_key")
	require.True(t, ok)
	assert.Equal(t, SourceSecret, value.Source)
}

func TestConfigManager_SecretStoreFromSettings(t *testing.T) {
	secretDir := t.TempDir()
	seed := newTestFileStoreAt(t, secretDir, "k3y")
	require.NoError(t, seed.SetSecret("manifest-key", "from-file"))

	dir := t.TempDir()
	path := writeFile(t, dir, "app.yaml", `
secrets:
  backend: file
  dir: `+secretDir+`
  encryption_key: k3y
manifests:
  secret_key: secret:manifest-key
`)

	cfg, _, err := LoadAppConfig(context.Background(), Options{Paths: []string{path}})
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Manifests.SecretKey)
}

func TestConfigManager_SecretWithoutStore(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "app.yaml", "manifests:\n  secret_key: secret:manifest-key\n")

	_, _, err := LoadAppConfig(context.Background(), Options{Paths: []string{path}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no secret backend configured")
}

func TestConfigManager_WatchFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "app.yaml", "logging:\n  level: info\n")

	manager := NewConfigManager(discardLogger(), nil)
	require.NoError(t, manager.AddSource(NewFileSource(path)))
	require.NoError(t, manager.Load(context.Background()))
	require.NoError(t, manager.WatchFiles(context.Background()))
	t.Cleanup(func() { _ = manager.Close() })

	writeFile(t, dir, "app.yaml", "logging:\n  level: debug\n")

	deadline := time.After(5 * time.Second)
	for {
		select {
		case change := <-manager.Watch():
			if change.Key == "logging.level" {
				assert.Equal(t, "debug", change.NewValue)
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for config reload")
		}
	}
}

func TestLoggingConfig_NewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := LoggingConfig{Level: "warn", Format: "text"}.NewLogger(&buf)
	require.NoError(t, err)
	defer closer.Close()

	logger.Info("hidden")
	logger.Warn("shown", "plugin", "auth")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "plugin=auth")

	buf.Reset()
	logger, _, err = LoggingConfig{Level: "debug", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)
	logger.Debug("visible")
	assert.True(t, strings.HasPrefix(buf.String(), "{"))

	_, _, err = LoggingConfig{Level: "loud"}.NewLogger(&buf)
	assert.Error(t, err)
}

func TestEnvironmentSource_KnownKeys(t *testing.T) {
	t.Setenv("TESTENV_KERNEL_ERROR_STRATEGY", "collect")
	t.Setenv("TESTENV_SERVER_PORT", "8080")
	t.Setenv("TESTENV_FEATURE_ENABLED", "true")

	source := NewEnvironmentSource("TESTENV_", "kernel.error_strategy")
	config, err := source.Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, map[string]interface{}{"error_strategy": "collect"}, config["kernel"])
	assert.Equal(t, map[string]interface{}{"port": 8080}, config["server"])
	assert.Equal(t, map[string]interface{}{"enabled": true}, config["feature"])
}
