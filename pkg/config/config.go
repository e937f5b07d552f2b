package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

const EnvPrefix = "MICROKERNEL_"

type KernelConfig struct {
	ErrorStrategy   string        `mapstructure:"error_strategy"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

type ServerConfig struct {
	Address string `mapstructure:"address"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type PluginConfig struct {
	Directory string                 `mapstructure:"directory"`
	Enabled   []string               `mapstructure:"enabled"`
	Configs   map[string]interface{} `mapstructure:"configs"`
}

type ManifestConfig struct {
	Verify    bool   `mapstructure:"verify"`
	Algorithm string `mapstructure:"algorithm"`
	Issuer    string `mapstructure:"issuer"`
	Audience  string `mapstructure:"audience"`
	SecretKey string `mapstructure:"secret_key"`
	PublicKey string `mapstructure:"public_key"`
}

// AdminConfig enables the operator API and describes how its bearer tokens
// are signed.
type AdminConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Algorithm  string        `mapstructure:"algorithm"`
	Issuer     string        `mapstructure:"issuer"`
	Audience   string        `mapstructure:"audience"`
	SecretKey  string        `mapstructure:"secret_key"`
	PrivateKey string        `mapstructure:"private_key"`
	PublicKey  string        `mapstructure:"public_key"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
}

type SecretsConfig struct {
	Backend       string      `mapstructure:"backend"`
	Dir           string      `mapstructure:"dir"`
	EncryptionKey string      `mapstructure:"encryption_key"`
	Vault         VaultConfig `mapstructure:"vault"`
}

type AppConfig struct {
	Kernel    KernelConfig           `mapstructure:"kernel"`
	Logging   LoggingConfig          `mapstructure:"logging"`
	Server    ServerConfig           `mapstructure:"server"`
	Metrics   MetricsConfig          `mapstructure:"metrics"`
	Health    HealthConfig           `mapstructure:"health"`
	Plugins   PluginConfig           `mapstructure:"plugins"`
	Manifests ManifestConfig         `mapstructure:"manifests"`
	Admin     AdminConfig            `mapstructure:"admin"`
	Secrets   SecretsConfig          `mapstructure:"secrets"`
	Context   map[string]interface{} `mapstructure:"context"`
}

type Options struct {
	// Paths are config files, later ones overriding earlier ones.
	Paths []string
	// Flags holds dotted keys set on the command line.
	Flags map[string]interface{}
	// Logger defaults to a discard logger.
	Logger Logger
	// SecretStore overrides the store built from the secrets section.
	SecretStore SecretStore
}

// NewAppConfigManager builds a manager layering defaults, files,
// MICROKERNEL_ environment variables and flags. Call Load before reading.
func NewAppConfigManager(opts Options) (*ConfigManager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	manager := NewConfigManager(logger, opts.SecretStore)
	setDefaults(manager)
	if err := addValidators(manager); err != nil {
		return nil, err
	}
	if opts.SecretStore == nil {
		manager.SetSecretStoreFactory(secretStoreFromSettings(logger))
	}

	sources := []Source{
		NewFileSource(opts.Paths...),
		NewEnvironmentSource(EnvPrefix, manager.DefaultKeys()...),
	}
	if len(opts.Flags) > 0 {
		sources = append(sources, NewFlagSource(opts.Flags))
	}
	for _, source := range sources {
		if err := manager.AddSource(source); err != nil {
			return nil, err
		}
	}
	return manager, nil
}

// LoadAppConfig builds a manager, loads it and decodes the result.
func LoadAppConfig(ctx context.Context, opts Options) (*AppConfig, *ConfigManager, error) {
	manager, err := NewAppConfigManager(opts)
	if err != nil {
		return nil, nil, err
	}
	if err := manager.Load(ctx); err != nil {
		return nil, nil, err
	}
	appConfig, err := GetAppConfig(manager)
	if err != nil {
		return nil, nil, err
	}
	return appConfig, manager, nil
}

func GetAppConfig(manager *ConfigManager) (*AppConfig, error) {
	if manager == nil {
		return nil, errors.New("configuration not initialized")
	}
	var appConfig AppConfig
	if err := manager.Decode(&appConfig); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return &appConfig, nil
}

func setDefaults(manager *ConfigManager) {
	manager.SetDefault("kernel.error_strategy", "isolate")
	manager.SetDefault("kernel.shutdown_timeout", 30*time.Second)

	manager.SetDefault("logging.level", "info")
	manager.SetDefault("logging.format", "json")
	manager.SetDefault("logging.output", "stderr")

	manager.SetDefault("server.address", "")

	manager.SetDefault("metrics.enabled", true)
	manager.SetDefault("metrics.path", "/metrics")
	manager.SetDefault("metrics.namespace", "microkernel")

	manager.SetDefault("health.enabled", true)

	manager.SetDefault("plugins.directory", "./plugins")

	manager.SetDefault("manifests.verify", false)
	manager.SetDefault("manifests.algorithm", "HS256")
	manager.SetDefault("manifests.issuer", "microkernel")

	manager.SetDefault("admin.enabled", false)
	manager.SetDefault("admin.algorithm", "HS256")
	manager.SetDefault("admin.issuer", "microkernel")
	manager.SetDefault("admin.audience", "kernelctl-admin")
	manager.SetDefault("admin.token_ttl", time.Hour)

	manager.SetDefault("secrets.backend", "none")
	manager.SetDefault("secrets.dir", "./secrets")
	manager.SetDefault("secrets.vault.mount", "secret")
	manager.SetDefault("secrets.vault.timeout", 10*time.Second)
}

func addValidators(manager *ConfigManager) error {
	manager.AddValidator("kernel.error_strategy", &EnumValidator{
		Allowed: []interface{}{"isolate", "fail-fast", "failfast", "fail_fast", "collect"},
		Fold:    true,
	})
	manager.AddValidator("kernel.shutdown_timeout", &DurationValidator{Min: time.Second})

	manager.AddValidator("logging.level", &RequiredValidator{})
	manager.AddValidator("logging.level", &EnumValidator{
		Allowed: []interface{}{"debug", "info", "warn", "error"},
		Fold:    true,
	})
	manager.AddValidator("logging.format", &EnumValidator{Allowed: []interface{}{"json", "text"}})

	pathValidator, err := NewPatternValidator(`^/[A-Za-z0-9_\-/]*$`)
	if err != nil {
		return err
	}
	manager.AddValidator("metrics.path", pathValidator)

	manager.AddValidator("plugins.directory", &FileValidator{MustBeDir: true})

	manager.AddValidator("manifests.algorithm", &EnumValidator{
		Allowed: []interface{}{"HS256", "HS384", "HS512", "RS256"},
	})

	manager.AddValidator("admin.algorithm", &EnumValidator{
		Allowed: []interface{}{"HS256", "HS384", "HS512", "RS256"},
	})
	manager.AddValidator("admin.token_ttl", &DurationValidator{Min: time.Minute})

	manager.AddValidator("secrets.backend", &EnumValidator{Allowed: []interface{}{"none", "file", "vault"}})
	manager.AddValidator("secrets.vault.address", &URLValidator{Schemes: []string{"http", "https"}})
	manager.AddValidator("secrets.vault.timeout", &DurationValidator{Min: 100 * time.Millisecond})
	return nil
}

func secretStoreFromSettings(logger Logger) func(settings map[string]interface{}) (SecretStore, error) {
	return func(settings map[string]interface{}) (SecretStore, error) {
		var cfg struct {
			Secrets SecretsConfig `mapstructure:"secrets"`
		}
		if err := decode(settings, &cfg); err != nil {
			return nil, err
		}
		return NewSecretStore(cfg.Secrets, logger)
	}
}

// NewSecretStore builds the store selected by cfg.Backend.
func NewSecretStore(cfg SecretsConfig, logger Logger) (SecretStore, error) {
	switch cfg.Backend {
	case "file":
		key := cfg.EncryptionKey
		if key == "" {
			key = os.Getenv(EnvPrefix + "ENCRYPTION_KEY")
		}
		encryption, err := NewAESEncryption([]byte(key))
		if err != nil {
			return nil, err
		}
		return NewFileSecretStore(cfg.Dir, encryption, logger)
	case "vault":
		return NewVaultSecretStore(cfg.Vault, logger)
	case "", "none":
		return nil, errors.New("no secret backend configured")
	default:
		return nil, fmt.Errorf("unknown secret backend: %s", cfg.Backend)
	}
}

// NewLogger builds a slog logger writing to w, or to the configured output
// when w is nil. The returned closer releases an opened log file.
func (c LoggingConfig) NewLogger(w io.Writer) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}

	var closer io.Closer = nopCloser{}
	if w == nil {
		switch strings.ToLower(c.Output) {
		case "", "stderr":
			w = os.Stderr
		case "stdout":
			w = os.Stdout
		default:
			file, err := os.OpenFile(c.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to open log file: %w", err)
			}
			w, closer = file, file
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if c.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
