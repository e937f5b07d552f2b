package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/panjf2000/ants/v2"
	"gopkg.in/yaml.v3"

	authjwt "microkernel/pkg/auth/jwt"
	"microkernel/pkg/store"
)

const (
	manifestJSON = ".manifest.json"
	manifestYAML = ".manifest.yaml"
	manifestYML  = ".manifest.yml"
	manifestJWT  = ".manifest.jwt"
)

var ErrUnknownKind = errors.New("unknown plugin kind")

// Manifest describes a plugin to build from a registered Factory.
type Manifest struct {
	Name         string                 `json:"name" yaml:"name"`
	Version      string                 `json:"version" yaml:"version"`
	Description  string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Kind         string                 `json:"kind" yaml:"kind"`
	Dependencies []string               `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Config       map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
}

// Factory builds a plugin from its manifest.
type Factory func(m Manifest) (Plugin, error)

// ManifestVerifier checks a signed manifest token. *authjwt.JWTProvider
// satisfies it.
type ManifestVerifier interface {
	Verify(tokenString string) (*authjwt.ManifestClaims, error)
}

type Loader struct {
	mu        sync.RWMutex
	factories map[string]Factory
	loaded    map[string]string
	verifier  ManifestVerifier
	logger    Logger
}

// NewLoader creates a manifest loader. verifier may be nil, in which case
// signed manifests are rejected.
func NewLoader(verifier ManifestVerifier, logger Logger) *Loader {
	return &Loader{
		factories: make(map[string]Factory),
		loaded:    make(map[string]string),
		verifier:  verifier,
		logger:    logger,
	}
}

func (l *Loader) Register(kind string, factory Factory) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.factories[kind]; exists {
		return fmt.Errorf("factory already registered: %s", kind)
	}
	l.factories[kind] = factory
	return nil
}

func (l *Loader) Kinds() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	kinds := make([]string, 0, len(l.factories))
	for kind := range l.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Source returns the manifest file a plugin was loaded from.
func (l *Loader) Source(name string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	path, ok := l.loaded[name]
	return path, ok
}

func IsManifest(name string) bool {
	for _, suffix := range []string{manifestJSON, manifestYAML, manifestYML, manifestJWT} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// LoadDir builds a plugin for every manifest in dir. Manifests are read on a
// worker pool; results keep file name order. Per-file failures are
// aggregated and plugins that loaded are still returned.
func (l *Loader) LoadDir(dir string) ([]Plugin, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && IsManifest(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return nil, nil
	}

	pool, err := ants.NewPool(min(len(names), runtime.GOMAXPROCS(0)))
	if err != nil {
		return nil, fmt.Errorf("failed to create loader pool: %w", err)
	}
	defer pool.Release()

	results := make([]Plugin, len(names))
	errs := make([]error, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			results[i], errs[i] = l.LoadFile(filepath.Join(dir, name))
		}
		if err := pool.Submit(task); err != nil {
			wg.Done()
			errs[i] = err
		}
	}
	wg.Wait()

	var plugins []Plugin
	var loadErrors *multierror.Error
	for i, name := range names {
		if errs[i] != nil {
			loadErrors = multierror.Append(loadErrors, fmt.Errorf("%s: %w", name, errs[i]))
			l.logger.Error("failed to load plugin", "manifest", name, "error", errs[i])
			continue
		}
		plugins = append(plugins, results[i])
	}
	return plugins, loadErrors.ErrorOrNil()
}

// LoadInto loads dir and registers every plugin with k.
func (l *Loader) LoadInto(k *Kernel, dir string) error {
	plugins, err := l.LoadDir(dir)
	var result *multierror.Error
	if err != nil {
		result = multierror.Append(result, err)
	}
	for _, p := range plugins {
		if err := k.Use(p); err != nil {
			result = multierror.Append(result, fmt.Errorf("register %s: %w", p.Metadata().Name, err))
		}
	}
	return result.ErrorOrNil()
}

func (l *Loader) LoadFile(path string) (Plugin, error) {
	manifest, err := l.ReadManifest(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	p, err := l.Build(manifest)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.loaded[manifest.Name] = path
	l.mu.Unlock()

	l.logger.Info("plugin loaded", "plugin", manifest.Name, "kind", manifest.Kind, "manifest", path)
	return p, nil
}

// Build instantiates a manifest through its kind's factory. Manifest
// metadata overrides what the factory reports.
func (l *Loader) Build(m *Manifest) (Plugin, error) {
	l.mu.RLock()
	factory, ok := l.factories[m.Kind]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, m.Kind)
	}

	p, err := factory(*m)
	if err != nil {
		return nil, fmt.Errorf("failed to build plugin %s: %w", m.Name, err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: factory for %s returned nil", ErrInvalidPlugin, m.Kind)
	}

	metadata := p.Metadata()
	metadata.Name = m.Name
	if m.Version != "" {
		metadata.Version = m.Version
	}
	if m.Description != "" {
		metadata.Description = m.Description
	}
	if m.Dependencies != nil {
		metadata.Dependencies = append([]string(nil), m.Dependencies...)
	}
	return &manifestPlugin{inner: p, metadata: metadata}, nil
}

func (l *Loader) ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var manifest Manifest
	switch {
	case strings.HasSuffix(path, manifestJSON):
		if err := json.Unmarshal(data, &manifest); err != nil {
			return nil, fmt.Errorf("invalid manifest JSON: %w", err)
		}
	case strings.HasSuffix(path, manifestYAML), strings.HasSuffix(path, manifestYML):
		if err := yaml.Unmarshal(data, &manifest); err != nil {
			return nil, fmt.Errorf("invalid manifest YAML: %w", err)
		}
	case strings.HasSuffix(path, manifestJWT):
		if l.verifier == nil {
			return nil, errors.New("signed manifest without a verifier")
		}
		claims, err := l.verifier.Verify(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("manifest signature rejected: %w", err)
		}
		if err := json.Unmarshal(claims.Manifest, &manifest); err != nil {
			return nil, fmt.Errorf("invalid signed manifest: %w", err)
		}
		if claims.Subject != "" && claims.Subject != manifest.Name {
			return nil, fmt.Errorf("manifest subject mismatch: token=%s, manifest=%s",
				claims.Subject, manifest.Name)
		}
	default:
		return nil, fmt.Errorf("unsupported manifest format: %s", filepath.Base(path))
	}

	if manifest.Name == "" {
		return nil, errors.New("manifest missing plugin name")
	}
	if manifest.Kind == "" {
		return nil, errors.New("manifest missing plugin kind")
	}
	return &manifest, nil
}

// manifestPlugin reports manifest metadata and forwards every hook the
// wrapped plugin implements.
type manifestPlugin struct {
	inner    Plugin
	metadata Metadata
}

func (m *manifestPlugin) Metadata() Metadata {
	metadata := m.metadata
	metadata.Dependencies = append([]string(nil), m.metadata.Dependencies...)
	return metadata
}

func (m *manifestPlugin) Install(k *Kernel) error {
	return m.inner.Install(k)
}

func (m *manifestPlugin) OnInit(ctx context.Context, shared *store.Store) error {
	if initializer, ok := m.inner.(Initializer); ok {
		return initializer.OnInit(ctx, shared)
	}
	return nil
}

func (m *manifestPlugin) OnDestroy(ctx context.Context) error {
	if destroyer, ok := m.inner.(Destroyer); ok {
		return destroyer.OnDestroy(ctx)
	}
	return nil
}

func (m *manifestPlugin) OnError(err error) {
	if handler, ok := m.inner.(ErrorHandler); ok {
		handler.OnError(err)
	}
}

// Unwrap returns the plugin built by the factory.
func (m *manifestPlugin) Unwrap() Plugin {
	return m.inner
}
