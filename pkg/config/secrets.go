package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrSecretNotFound = errors.New("secret not found")

const (
	secretExt      = ".enc"
	secretCacheTTL = 5 * time.Minute
)

type FileSecretStore struct {
	basePath   string
	encryption Encryption
	cache      map[string]cachedSecret
	mu         sync.RWMutex
	logger     Logger
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

type Encryption interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

type AESEncryption struct {
	key []byte
}

// NewAESEncryption uses key directly when it is 32 bytes long and its
// SHA-256 digest otherwise.
func NewAESEncryption(key []byte) (*AESEncryption, error) {
	if len(key) == 0 {
		return nil, errors.New("encryption key is empty")
	}
	if len(key) != 32 {
		hash := sha256.Sum256(key)
		key = hash[:]
	}
	return &AESEncryption{key: key}, nil
}

func (e *AESEncryption) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

func (e *AESEncryption) Encrypt(plaintext []byte) ([]byte, error) {
	gcm, err := e.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (e *AESEncryption) Decrypt(ciphertext []byte) ([]byte, error) {
	gcm, err := e.gcm()
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// NewFileSecretStore keeps one encrypted, base64 encoded file per secret
// under basePath.
func NewFileSecretStore(basePath string, encryption Encryption, logger Logger) (*FileSecretStore, error) {
	if err := os.MkdirAll(basePath, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create secret store directory: %w", err)
	}

	return &FileSecretStore{
		basePath:   basePath,
		encryption: encryption,
		cache:      make(map[string]cachedSecret),
		logger:     logger,
	}, nil
}

func (s *FileSecretStore) path(key string) string {
	return filepath.Join(s.basePath, sanitizeKey(key)+secretExt)
}

func (s *FileSecretStore) GetSecret(key string) (string, error) {
	s.mu.RLock()
	cached, exists := s.cache[key]
	s.mu.RUnlock()

	if exists && cached.expiresAt.After(time.Now()) {
		return cached.value, nil
	}

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
		}
		return "", fmt.Errorf("failed to read secret file: %w", err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	plaintext, err := s.encryption.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret: %w", err)
	}
	value := string(plaintext)

	s.mu.Lock()
	s.cache[key] = cachedSecret{
		value:     value,
		expiresAt: time.Now().Add(secretCacheTTL),
	}
	s.mu.Unlock()

	return value, nil
}

func (s *FileSecretStore) SetSecret(key string, value string) error {
	ciphertext, err := s.encryption.Encrypt([]byte(value))
	if err != nil {
		return fmt.Errorf("failed to encrypt secret: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(ciphertext)
	if err := os.WriteFile(s.path(key), []byte(encoded), 0o600); err != nil {
		return fmt.Errorf("failed to write secret file: %w", err)
	}

	s.mu.Lock()
	s.cache[key] = cachedSecret{
		value:     value,
		expiresAt: time.Now().Add(secretCacheTTL),
	}
	s.mu.Unlock()

	s.logger.Debug("secret stored", "key", key)
	return nil
}

func (s *FileSecretStore) DeleteSecret(key string) error {
	if err := os.Remove(s.path(key)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrSecretNotFound, key)
		}
		return fmt.Errorf("failed to delete secret file: %w", err)
	}
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()

	return nil
}

// ListSecrets returns stored keys in their sanitized form.
func (s *FileSecretStore) ListSecrets() ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	var keys []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), secretExt) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(entry.Name(), secretExt))
	}
	sort.Strings(keys)
	return keys, nil
}

func sanitizeKey(key string) string {
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
	)
	return replacer.Replace(key)
}
