package config

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
)

const vaultValueField = "value"

type VaultConfig struct {
	Address string        `mapstructure:"address"`
	Token   string        `mapstructure:"token"`
	Mount   string        `mapstructure:"mount"`
	Prefix  string        `mapstructure:"prefix"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// VaultSecretStore keeps secrets in a KV version 2 engine, one path per
// secret with the value under the "value" field.
type VaultSecretStore struct {
	client  *api.Client
	kv      *api.KVv2
	mount   string
	prefix  string
	timeout time.Duration
	logger  Logger
}

func NewVaultSecretStore(cfg VaultConfig, logger Logger) (*VaultSecretStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("vault address is required")
	}
	client, err := api.NewClient(&api.Config{Address: cfg.Address})
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	mount := cfg.Mount
	if mount == "" {
		mount = "secret"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &VaultSecretStore{
		client:  client,
		kv:      client.KVv2(mount),
		mount:   mount,
		prefix:  strings.Trim(cfg.Prefix, "/"),
		timeout: timeout,
		logger:  logger,
	}, nil
}

func (s *VaultSecretStore) secretPath(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *VaultSecretStore) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *VaultSecretStore) GetSecret(key string) (string, error) {
	ctx, cancel := s.context()
	defer cancel()

	secret, err := s.kv.Get(ctx, s.secretPath(key))
	if err != nil {
		if errors.Is(err, api.ErrSecretNotFound) {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
		}
		return "", fmt.Errorf("failed to read secret %s: %w", key, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}

	value, ok := secret.Data[vaultValueField].(string)
	if !ok {
		return "", fmt.Errorf("secret %s has no string %q field", key, vaultValueField)
	}
	return value, nil
}

func (s *VaultSecretStore) SetSecret(key string, value string) error {
	ctx, cancel := s.context()
	defer cancel()

	if _, err := s.kv.Put(ctx, s.secretPath(key), map[string]interface{}{vaultValueField: value}); err != nil {
		return fmt.Errorf("failed to write secret %s: %w", key, err)
	}
	s.logger.Debug("secret stored in vault", "key", key, "mount", s.mount)
	return nil
}

// DeleteSecret removes every version of the secret.
func (s *VaultSecretStore) DeleteSecret(key string) error {
	ctx, cancel := s.context()
	defer cancel()

	if err := s.kv.DeleteMetadata(ctx, s.secretPath(key)); err != nil {
		return fmt.Errorf("failed to delete secret %s: %w", key, err)
	}
	return nil
}

func (s *VaultSecretStore) ListSecrets() ([]string, error) {
	ctx, cancel := s.context()
	defer cancel()

	listPath := path.Join(s.mount, "metadata", s.prefix)
	secret, err := s.client.Logical().ListWithContext(ctx, listPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	raw, _ := secret.Data["keys"].([]interface{})
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		if name, ok := k.(string); ok && !strings.HasSuffix(name, "/") {
			keys = append(keys, name)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
